package sim

import (
	"context"
	"errors"
	"time"

	"haccare.org/internal/obs"
)

// Sweeper periodically flags running sessions past their ends_at and retires
// them through the one archival path. Expiry is advisory: the sweep never
// interrupts an in-flight operation, and a session completed explicitly
// between ticks simply yields a tolerated precondition error.
type Sweeper struct {
	svc      Service
	interval time.Duration
	now      func() time.Time
	notify   func(Session)
}

// NewSweeper builds a sweeper; interval defaults to one minute.
func NewSweeper(svc Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval, now: time.Now}
}

// Notify registers a hook invoked for every session the sweep retires.
func (s *Sweeper) Notify(fn func(Session)) *Sweeper {
	s.notify = fn
	return s
}

// Run blocks until ctx is done, sweeping on a fixed interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce completes every expired session it finds. Idempotent: sessions
// already terminal are skipped by the completion guard.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.svc.CheckExpired(ctx, s.now())
	if err != nil {
		obs.LogRequest(map[string]any{"level": "error", "msg": "expiry sweep failed", "error": err.Error()})
		return 0
	}
	swept := 0
	for _, sess := range expired {
		activities, err := s.svc.Aggregate(ctx, sess.ID)
		if err != nil {
			obs.LogRequest(map[string]any{"level": "warn", "msg": "sweep aggregate failed", "session_id": sess.ID, "error": err.Error()})
			continue
		}
		if _, err := s.svc.Complete(ctx, sess.ID, activities); err != nil {
			if errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrPrecondition) {
				continue
			}
			obs.LogRequest(map[string]any{"level": "warn", "msg": "sweep completion failed", "session_id": sess.ID, "error": err.Error()})
			continue
		}
		obs.ExpiredSwept.Inc()
		if s.notify != nil {
			s.notify(sess)
		}
		swept++
	}
	return swept
}
