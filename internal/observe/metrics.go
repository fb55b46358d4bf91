// Package observe holds the service's OpenTelemetry instruments and the
// provider setup that exposes them to Prometheus.
//
// Tests should build their own [Metrics] with [NewMetrics] and a manual
// reader instead of relying on the global provider.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "veydha"

// Metrics groups every instrument the service records.
type Metrics struct {
	// IntakeStarted counts conversations opened.
	IntakeStarted metric.Int64Counter

	// IntakeSummaries counts summaries delivered. Use with attribute:
	//   attribute.Bool("viral_clause", ...)
	IntakeSummaries metric.Int64Counter

	// IntakeRejected counts refused inputs. Use with attribute:
	//   attribute.String("reason", ...)
	IntakeRejected metric.Int64Counter

	// IntakeEnded counts conversations that reached End Session.
	IntakeEnded metric.Int64Counter

	// IntakeActive tracks live conversations held in memory.
	IntakeActive metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.IntakeStarted, err = m.Int64Counter("veydha.intake.started",
		metric.WithDescription("Symptom-intake conversations started."),
	); err != nil {
		return nil, err
	}
	if met.IntakeSummaries, err = m.Int64Counter("veydha.intake.summaries",
		metric.WithDescription("Symptom summaries delivered."),
	); err != nil {
		return nil, err
	}
	if met.IntakeRejected, err = m.Int64Counter("veydha.intake.rejected",
		metric.WithDescription("Intake inputs rejected by reason."),
	); err != nil {
		return nil, err
	}
	if met.IntakeEnded, err = m.Int64Counter("veydha.intake.ended",
		metric.WithDescription("Symptom-intake conversations ended by the patient."),
	); err != nil {
		return nil, err
	}
	if met.IntakeActive, err = m.Int64UpDownCounter("veydha.intake.active",
		metric.WithDescription("Live symptom-intake conversations."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("veydha.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordRejected counts one refused input.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.IntakeRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSummary counts one delivered summary.
func (m *Metrics) RecordSummary(ctx context.Context, viralClause bool) {
	if m == nil {
		return
	}
	m.IntakeSummaries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("viral_clause", viralClause)))
}

func (m *Metrics) ConversationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.IntakeStarted.Add(ctx, 1)
	m.IntakeActive.Add(ctx, 1)
}

func (m *Metrics) ConversationEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.IntakeEnded.Add(ctx, 1)
}

// ConversationReleased is called when a conversation leaves memory.
func (m *Metrics) ConversationReleased(ctx context.Context) {
	if m == nil {
		return
	}
	m.IntakeActive.Add(ctx, -1)
}
