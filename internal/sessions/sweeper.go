package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

// Sweeper physically deletes expired sessions on a cron schedule. Expiry is
// already enforced lazily on read; sweeping only reclaims space.
type Sweeper struct {
	store    store.SessionStore
	schedule string
	now      func() time.Time
	onSweep  func(n int)
}

// NewSweeper validates schedule (cron syntax or tags like "@hourly").
func NewSweeper(s store.SessionStore, schedule string, onSweep func(n int)) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("sessions: invalid sweep schedule %q", schedule)
	}
	if onSweep == nil {
		onSweep = func(int) {}
	}
	return &Sweeper{store: s, schedule: schedule, now: time.Now, onSweep: onSweep}, nil
}

// Next returns the next run after t.
func (w *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(w.schedule, t, false)
}

// SweepOnce runs one sweep and reports how many sessions were removed.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := w.store.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	w.onSweep(n)
	if n > 0 {
		slog.Info("swept expired sessions", "count", n)
	}
	return n, nil
}

// Run sweeps on schedule until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	for {
		next, err := w.Next(w.now())
		if err != nil {
			slog.Error("sweep schedule", "schedule", w.schedule, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := w.SweepOnce(ctx); err != nil {
			slog.Warn("session sweep failed", "error", err)
		}
	}
}
