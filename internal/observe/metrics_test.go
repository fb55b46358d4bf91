package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf[N int64 | float64](t *testing.T, m *metricdata.Metrics) metricdata.Sum[N] {
	t.Helper()
	if m == nil {
		t.Fatal("metric not found")
	}
	sum, ok := m.Data.(metricdata.Sum[N])
	if !ok {
		t.Fatalf("metric %s is %T, want Sum", m.Name, m.Data)
	}
	return sum
}

func TestConversationLifecycleCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ConversationStarted(ctx)
	m.ConversationStarted(ctx)
	m.ConversationReleased(ctx)
	m.ConversationEnded(ctx)

	rm := collect(t, reader)

	started := sumOf[int64](t, findMetric(rm, "veydha.intake.started"))
	if got := started.DataPoints[0].Value; got != 2 {
		t.Fatalf("started = %d, want 2", got)
	}
	active := sumOf[int64](t, findMetric(rm, "veydha.intake.active"))
	if got := active.DataPoints[0].Value; got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	ended := sumOf[int64](t, findMetric(rm, "veydha.intake.ended"))
	if got := ended.DataPoints[0].Value; got != 1 {
		t.Fatalf("ended = %d, want 1", got)
	}
}

func TestRejectedCarriesReason(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRejected(ctx, "empty_input")
	m.RecordRejected(ctx, "empty_input")
	m.RecordRejected(ctx, "awaiting_reply")

	sum := sumOf[int64](t, findMetric(collect(t, reader), "veydha.intake.rejected"))
	want := map[string]int64{"empty_input": 2, "awaiting_reply": 1}
	if len(sum.DataPoints) != len(want) {
		t.Fatalf("got %d data points, want %d", len(sum.DataPoints), len(want))
	}
	for _, dp := range sum.DataPoints {
		reason, ok := dp.Attributes.Value(attribute.Key("reason"))
		if !ok {
			t.Fatal("missing reason attribute")
		}
		if dp.Value != want[reason.AsString()] {
			t.Fatalf("reason %s = %d, want %d", reason.AsString(), dp.Value, want[reason.AsString()])
		}
	}
}

func TestSummaryAndHTTPDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSummary(ctx, true)
	m.HTTPRequestDuration.Record(ctx, 0.02)

	rm := collect(t, reader)
	sum := sumOf[int64](t, findMetric(rm, "veydha.intake.summaries"))
	if sum.DataPoints[0].Value != 1 {
		t.Fatalf("summaries = %d, want 1", sum.DataPoints[0].Value)
	}

	hm := findMetric(rm, "veydha.http.request.duration")
	if hm == nil {
		t.Fatal("http duration metric not found")
	}
	hist, ok := hm.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("http duration is %T, want Histogram", hm.Data)
	}
	if hist.DataPoints[0].Count != 1 {
		t.Fatalf("count = %d, want 1", hist.DataPoints[0].Count)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ConversationStarted(ctx)
	m.ConversationEnded(ctx)
	m.ConversationReleased(ctx)
	m.RecordRejected(ctx, "x")
	m.RecordSummary(ctx, false)
}
