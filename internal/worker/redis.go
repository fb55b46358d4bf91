package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"veydha/internal/redis"
)

const (
	redisInvalidateChannel = "intake:invalidate"
	defaultStateTTL        = 60 * time.Minute
)

type invalidateMessage struct {
	PatientID int64  `json:"patient_id"`
	Origin    string `json:"origin"`
}

// stateRedis mirrors conversation views into redis so any instance can
// render a patient's intake, and fans out invalidations. A nil *stateRedis
// is a no-op.
type stateRedis struct {
	client   *redis.Client
	ttl      time.Duration
	instance string
	logger   zerolog.Logger
	stop     context.CancelFunc
}

func newStateCache(client *redis.Client, ttl time.Duration) *stateRedis {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &stateRedis{
		client:   client,
		ttl:      ttl,
		instance: uuid.NewString(),
		logger:   log.With().Str("component", "intake-cache").Logger(),
	}
}

func stateKey(patientID int64) string {
	return fmt.Sprintf("intake:state:%d", patientID)
}

// startListener applies invalidations published by other instances.
func (r *stateRedis) startListener(handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		cancel()
		r.logger.Error().Err(err).Msg("subscribe invalidation channel")
		return
	}
	r.stop = func() {
		cancel()
		pubsub.Close()
	}
	go func() {
		for msg := range pubsub.Channel() {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Warn().Err(err).Msg("decode invalidation")
				continue
			}
			if inv.Origin == r.instance {
				continue
			}
			handler(inv)
		}
	}()
}

func (r *stateRedis) publishInvalidation(ctx context.Context, patientID int64) {
	if r == nil || r.client == nil {
		return
	}
	msg := invalidateMessage{PatientID: patientID, Origin: r.instance}
	if err := r.client.Publish(ctx, redisInvalidateChannel, msg); err != nil {
		r.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("publish invalidation")
	}
}

func (r *stateRedis) storeView(ctx context.Context, patientID int64, view View) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.SetJSON(ctx, stateKey(patientID), view, r.ttl); err != nil {
		r.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("cache intake view")
	}
}

func (r *stateRedis) loadView(ctx context.Context, patientID int64) (View, bool) {
	if r == nil || r.client == nil {
		return View{}, false
	}
	var view View
	if err := r.client.GetJSON(ctx, stateKey(patientID), &view); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("load intake view")
		}
		return View{}, false
	}
	view.Live = false
	return view, true
}

func (r *stateRedis) invalidate(ctx context.Context, patientID int64) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.Del(ctx, stateKey(patientID)); err != nil {
		r.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("drop intake view")
	}
}

func (r *stateRedis) close() {
	if r == nil || r.stop == nil {
		return
	}
	r.stop()
}
