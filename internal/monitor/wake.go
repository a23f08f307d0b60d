package monitor

import (
	"context"
	"time"

	logx "lifeguard/pkg/logx"
)

// wakeSlack is how far the wall clock may run ahead of one watchdog step
// before the host is considered to have been suspended.
const wakeSlack = time.Minute

// WatchSuspend samples the wall clock every step and runs a resume cycle as
// soon as it jumped further than the step took. Tickers run on the monotonic
// clock, which stops while the host sleeps, so the first tick after wake sees
// the whole suspension as wall time.
func (e *Engine) WatchSuspend(ctx context.Context, step time.Duration) error {
	if step <= 0 {
		step = 5 * time.Second
	}
	t := time.NewTicker(step)
	defer t.Stop()
	return e.watchSuspend(ctx, step, t.C)
}

func (e *Engine) watchSuspend(ctx context.Context, step time.Duration, ticks <-chan time.Time) error {
	// Round(0) drops the monotonic reading so Sub compares wall time.
	last := e.clock.Now().Round(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
		}
		now := e.clock.Now().Round(0)
		gap := now.Sub(last)
		last = now
		if gap <= step+wakeSlack {
			continue
		}
		e.log.Info("host wake detected, resuming", logx.Duration("gap", gap))
		e.Resume(ctx)
	}
}
