package auth

import (
	"context"
	"fmt"
	"time"
)

const DefaultTokenCleanupInterval = time.Hour

// StartTokenCleaner purges expired tokens every interval until ctx is done.
func (s *Service) StartTokenCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("purge expired tokens")
				continue
			}
			if n > 0 {
				s.logger.Info().Int64("removed", n).Msg("purged expired tokens")
			}
		}
	}
}

// PurgeExpired deletes every expired token and reports how many went.
// Cached copies expire on their own TTL.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patient_tokens WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}
