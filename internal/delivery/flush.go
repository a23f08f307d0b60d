package delivery

import (
	"context"
	"fmt"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/metrics"
	logx "lifeguard/pkg/logx"
)

// fallbackMaxDelay caps the wait between flush retries of an emergency
// fallback entry.
const fallbackMaxDelay = 30 * time.Minute

type FlushResult struct {
	Busy      bool
	Sent      int
	Duplicate int
	Exhausted int
	// Deferred counts emergency fallback entries that failed again and stay
	// queued with a later NotBefore.
	Deferred int
	// Stalled is true when some pair's head entry found every tier unreachable.
	Stalled   bool
	Remaining int
}

type pairID struct{ observer, subject string }

// Flush drains the offline queue in FIFO order per pair. It returns
// immediately with Busy set when another Flush is running. An entry whose
// tiers are all unreachable stays queued and holds back the later entries of
// its pair; other pairs keep flushing. Fallback entries whose NotBefore is in
// the future are left for a later pass.
func (d *Dispatcher) Flush(ctx context.Context) (res FlushResult, err error) {
	if !d.flushMu.TryLock() {
		return FlushResult{Busy: true}, nil
	}
	defer d.flushMu.Unlock()

	cfg, _, _ := d.snapshot()
	defer func() {
		if n, err := d.queue.Len(context.WithoutCancel(ctx)); err == nil {
			res.Remaining = n
			metrics.QueueDepth(n)
		}
	}()

	now := d.clock.Now()
	kept := map[string]bool{}
	blocked := map[pairID]bool{}
	for {
		// Kept entries stay at the head, so widen the window past them.
		entries, err := d.queue.Peek(ctx, len(kept)+cfg.FlushBatch)
		if err != nil {
			return res, fmt.Errorf("peek offline queue: %w", err)
		}
		progressed := false
		for _, e := range entries {
			if kept[e.ID] {
				continue
			}
			progressed = true
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			pair := pairID{e.Message.ObserverID, e.Message.SubjectID}
			ordered := e.Reason != ReasonExhaustedEmergency
			if (ordered && blocked[pair]) || e.NotBefore.After(now) {
				kept[e.ID] = true
				continue
			}
			stay, err := d.flushEntry(ctx, e, &res)
			if err != nil {
				return res, err
			}
			if stay {
				kept[e.ID] = true
				if ordered {
					blocked[pair] = true
				}
			}
		}
		if !progressed {
			break
		}
	}
	if res.Sent+res.Duplicate+res.Exhausted+res.Deferred > 0 {
		eventbus.Emit(d.bus, eventbus.QueueFlushed, "sent", res.Sent, "duplicate", res.Duplicate, "exhausted", res.Exhausted, "deferred", res.Deferred)
		d.log.Info("offline queue flushed",
			logx.Int("sent", res.Sent),
			logx.Int("duplicate", res.Duplicate),
			logx.Int("exhausted", res.Exhausted),
			logx.Int("deferred", res.Deferred),
			logx.Bool("stalled", res.Stalled))
	}
	return res, nil
}

// flushEntry tries one entry. stay reports that it remains queued.
func (d *Dispatcher) flushEntry(ctx context.Context, e QueueEntry, res *FlushResult) (stay bool, err error) {
	msg := e.Message
	log := d.log.With(logx.String("entry", e.ID), logx.Int64("seq", e.Seq), logx.String("key", shortKey(msg.Key)), logx.Pair(msg.SubjectID, msg.ObserverID))
	fallback := e.Reason == ReasonExhaustedEmergency

	// Fallback entries skip the duplicate check: a later repeat reaching the
	// observer does not stand in for the emergency-dispatch report.
	if !fallback {
		dup, err := d.alreadySent(ctx, msg)
		if err != nil {
			return false, err
		}
		if dup {
			res.Duplicate++
			return false, d.ack(ctx, e)
		}
	}

	out := d.deliver(ctx, msg, msg.Tiers)
	if ctx.Err() != nil && out.status != StatusSent {
		return true, ctx.Err()
	}
	switch out.status {
	case StatusSent:
		res.Sent++
		if fallback {
			log.Info("emergency fallback delivered", logx.String("channel", out.channel), logx.Int("retries", e.Retries))
		}
		return false, d.ack(ctx, e)
	case StatusQueued:
		res.Stalled = true
		log.Debug("every tier still unreachable", logx.Int("retries", e.Retries))
		// An emergency queued behind earlier messages had no delivery attempt
		// of its own until now.
		if msg.Level >= alert.Emergency && e.Reason == ReasonOrdered && e.Retries == 0 {
			log.Error("queued emergency undeliverable, every tier unreachable", logx.Err(out.err))
			d.alarm.Raise(ctx, AlarmEvent{Message: msg, Err: out.err, At: d.clock.Now()})
		}
		return true, d.deferEntry(ctx, e, e.Retries+1, time.Time{})
	}

	eventbus.Emit(d.bus, eventbus.DeliveryExhausted, "key", msg.Key, "subject", msg.SubjectID, "observer", msg.ObserverID, "level", msg.Level.String(), "queued", true)
	if fallback {
		cfg, _, _ := d.snapshot()
		retries := e.Retries + 1
		next := d.clock.Now().Add(fallbackDelay(cfg, retries))
		res.Deferred++
		log.Error("emergency fallback failed again, keeping it queued", logx.Int("retries", retries), logx.Time("next", next), logx.Err(out.err))
		return true, d.deferEntry(ctx, e, retries, next)
	}

	res.Exhausted++
	if msg.Level >= alert.Emergency {
		if qerr := d.enqueueFallback(ctx, msg); qerr != nil {
			return false, qerr
		}
		log.Error("queued emergency delivery exhausted", logx.Err(out.err))
		d.alarm.Raise(ctx, AlarmEvent{Message: msg, Err: out.err, At: d.clock.Now()})
	} else {
		log.Warn("queued delivery exhausted, dropping", logx.Err(out.err))
	}
	return false, d.ack(ctx, e)
}

func (d *Dispatcher) ack(ctx context.Context, e QueueEntry) error {
	if err := d.queue.Ack(ctx, e.ID); err != nil {
		return fmt.Errorf("ack %s: %w", e.ID, err)
	}
	return nil
}

func (d *Dispatcher) deferEntry(ctx context.Context, e QueueEntry, retries int, notBefore time.Time) error {
	if err := d.queue.Defer(context.WithoutCancel(ctx), e.ID, retries, notBefore); err != nil {
		return fmt.Errorf("defer %s: %w", e.ID, err)
	}
	return nil
}

// fallbackDelay doubles FlushInterval per retry, capped at fallbackMaxDelay.
func fallbackDelay(cfg Config, retries int) time.Duration {
	d := cfg.FlushInterval
	for i := 1; i < retries && d < fallbackMaxDelay; i++ {
		d *= 2
	}
	if d > fallbackMaxDelay {
		d = fallbackMaxDelay
	}
	return d
}

// NotifyOnline asks the flush loop to drain the queue now.
func (d *Dispatcher) NotifyOnline() {
	select {
	case d.online <- struct{}{}:
	default:
	}
}

// Run flushes the queue every FlushInterval and whenever NotifyOnline is
// called, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	cfg, _, _ := d.snapshot()
	t := time.NewTicker(cfg.FlushInterval)
	defer t.Stop()

	flush := func() {
		res, err := d.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Warn("flush failed", logx.Err(err))
		}
		if res.Stalled {
			d.log.Debug("flush stalled, transport offline", logx.Int("remaining", res.Remaining))
		}
	}
	flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			flush()
		case <-d.online:
			flush()
		}
		if next, _, _ := d.snapshot(); next.FlushInterval != cfg.FlushInterval {
			cfg = next
			t.Reset(cfg.FlushInterval)
		}
	}
}
