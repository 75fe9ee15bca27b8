package calls

import (
	"context"
	"time"

	"call-signaling/pkg/logger"
)

// Sweep ends sessions that rang past the ring timeout and evicts sessions
// that have been ended longer than the retention window.
func (s *Service) Sweep(ctx context.Context) (ended, evicted int, err error) {
	now := s.now()

	stale, err := s.registry.Stale(ctx, now.Add(-s.opts.RingTimeout))
	if err != nil {
		return 0, 0, err
	}
	for _, sess := range stale {
		changed, err := s.end(ctx, sess.ID, "", EndReasonNoAnswer)
		if err != nil {
			logger.From(ctx).Error("no-answer end failed", "session_id", sess.ID, "error", err.Error())
			continue
		}
		if changed {
			ended++
		}
	}

	evicted, err = s.registry.Evict(ctx, now.Add(-s.opts.EndedRetention))
	return ended, evicted, err
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ended, evicted, err := s.Sweep(ctx)
			if err != nil {
				logger.From(ctx).Error("session sweep failed", "error", err.Error())
				continue
			}
			if ended > 0 || evicted > 0 {
				logger.From(ctx).Debug("session sweep", "ended", ended, "evicted", evicted)
			}
		}
	}
}
