package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/metrics"
	logx "lifeguard/pkg/logx"
)

// Config controls retries, pacing and the offline queue flusher.
type Config struct {
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
	RatePerSec     float64
	Burst          int
	FlushInterval  time.Duration
	FlushBatch     int
	// FallbackTier receives emergency messages that exhausted every tier.
	FallbackTier string
}

func (c *Config) applyDefaults() {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 64
	}
	if c.FallbackTier == "" {
		c.FallbackTier = alert.TierDispatch
	}
}

// Deps are the collaborators of a Dispatcher. Queue and Attempts are required.
type Deps struct {
	Queue    Queue
	Attempts AttemptLog
	Alarm    Alarm
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	channels map[string]Channel
	limiter  *rate.Limiter

	queue    Queue
	attempts AttemptLog
	alarm    Alarm
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger

	sf      singleflight.Group
	flushMu sync.Mutex
	online  chan struct{}
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps, channels ...Channel) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		queue:    deps.Queue,
		attempts: deps.Attempts,
		alarm:    deps.Alarm,
		clock:    clock.OrReal(deps.Clock),
		bus:      deps.Bus,
		log:      log.With(logx.String("comp", "delivery")),
		online:   make(chan struct{}, 1),
		sleep:    sleepCtx,
	}
	if d.alarm == nil {
		d.alarm = NewBusAlarm(deps.Bus, d.log, nil)
	}
	d.Apply(cfg)
	d.SetChannels(channels...)
	return d
}

// Apply swaps retry and pacing settings. Sends already in progress keep the old ones.
func (d *Dispatcher) Apply(cfg Config) {
	cfg.applyDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	d.mu.Unlock()
}

// SetChannels replaces the channel set. Channels are looked up by Name().
func (d *Dispatcher) SetChannels(channels ...Channel) {
	m := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		if ch != nil {
			m[ch.Name()] = ch
		}
	}
	d.mu.Lock()
	d.channels = m
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, map[string]Channel, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.channels, d.limiter
}

// Dispatch delivers msg through its tiers. Concurrent calls for one
// idempotency key share a single delivery.
//
// The error is nil for sent, duplicate and queued results, except that an
// emergency which could not be delivered on any tier always returns an error
// wrapping ErrDeliveryExhausted and raises the alarm, whether it was queued
// for the connectivity flush or for the fallback tier.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Result, error) {
	msg = d.normalize(msg)
	v, err, _ := d.sf.Do(msg.Key, func() (any, error) {
		return d.dispatch(ctx, msg)
	})
	res, _ := v.(Result)
	return res, err
}

func (d *Dispatcher) normalize(msg Message) Message {
	if msg.Key == "" {
		msg.Key = IdempotencyKey(msg.ObserverID, msg.SubjectID, msg.Level, msg.EpisodeStartedAt, msg.Sequence)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = d.clock.Now()
	}
	if len(msg.Tiers) == 0 {
		msg.Tiers = alert.DefaultTiers(msg.Level)
	}
	if msg.To.Level == alert.Normal {
		msg.To.Level = msg.Level
	}
	return msg
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) (Result, error) {
	log := d.log.With(logx.String("key", shortKey(msg.Key)), logx.Subject(msg.SubjectID), logx.Observer(msg.ObserverID), logx.String("level", msg.Level.String()))

	if dup, err := d.alreadySent(ctx, msg); err != nil {
		return Result{Key: msg.Key}, err
	} else if dup {
		log.Debug("duplicate suppressed")
		return Result{Key: msg.Key, Status: StatusDuplicate}, nil
	}

	pending, err := d.queue.HasPending(ctx, msg.ObserverID, msg.SubjectID)
	if err != nil {
		return Result{Key: msg.Key}, fmt.Errorf("check offline queue: %w", err)
	}
	if pending {
		// Keep per-pair order: anything new waits behind what is already queued.
		if err := d.enqueue(ctx, msg, ReasonOrdered, msg.Tiers, time.Time{}); err != nil {
			return Result{Key: msg.Key}, err
		}
		d.NotifyOnline()
		return Result{Key: msg.Key, Status: StatusQueued}, nil
	}

	out := d.deliver(ctx, msg, msg.Tiers)
	switch out.status {
	case StatusSent:
		return out.result(msg.Key), nil
	case StatusQueued:
		qerr := d.enqueue(ctx, msg, ReasonUnreachable, msg.Tiers, time.Time{})
		if msg.Level < alert.Emergency {
			if qerr != nil {
				return out.result(msg.Key), qerr
			}
			log.Warn("every tier unreachable, message queued", logx.Err(out.err))
			return out.result(msg.Key), nil
		}
		exhausted := fmt.Errorf("%w: %s/%s %s: %w", ErrDeliveryExhausted, msg.SubjectID, msg.ObserverID, msg.Level, out.err)
		if qerr != nil {
			exhausted = errors.Join(exhausted, qerr)
		}
		eventbus.Emit(d.bus, eventbus.DeliveryExhausted, "key", msg.Key, "subject", msg.SubjectID, "observer", msg.ObserverID, "level", msg.Level.String(), "queued", qerr == nil)
		log.Error("emergency delivery failed, every tier unreachable", logx.Err(out.err), logx.Int("attempts", out.attempts))
		d.alarm.Raise(ctx, AlarmEvent{Message: msg, Err: out.err, At: d.clock.Now()})
		return out.result(msg.Key), exhausted
	}
	if ctx.Err() != nil {
		return out.result(msg.Key), ctx.Err()
	}

	exhausted := fmt.Errorf("%w: %s/%s %s: %w", ErrDeliveryExhausted, msg.SubjectID, msg.ObserverID, msg.Level, out.err)
	eventbus.Emit(d.bus, eventbus.DeliveryExhausted, "key", msg.Key, "subject", msg.SubjectID, "observer", msg.ObserverID, "level", msg.Level.String())
	if msg.Level < alert.Emergency {
		log.Warn("delivery exhausted", logx.Err(out.err))
		return out.result(msg.Key), exhausted
	}

	log.Error("emergency delivery exhausted", logx.Err(out.err), logx.Int("attempts", out.attempts))
	if err := d.enqueueFallback(ctx, msg); err != nil {
		log.Error("failed to queue emergency fallback", logx.Err(err))
		exhausted = errors.Join(exhausted, err)
	}
	d.alarm.Raise(ctx, AlarmEvent{Message: msg, Err: out.err, At: d.clock.Now()})
	return out.result(msg.Key), exhausted
}

// enqueueFallback parks msg for the fallback tier. The tier was just tried,
// so the first flush retry waits one FlushInterval.
func (d *Dispatcher) enqueueFallback(ctx context.Context, msg Message) error {
	cfg, _, _ := d.snapshot()
	return d.enqueue(ctx, msg, ReasonExhaustedEmergency, []string{cfg.FallbackTier}, d.clock.Now().Add(cfg.FlushInterval))
}

func (d *Dispatcher) alreadySent(ctx context.Context, msg Message) (bool, error) {
	last, ok, err := d.attempts.LastSent(ctx, msg.Key)
	if err != nil {
		return false, fmt.Errorf("read attempt log: %w", err)
	}
	if !ok {
		return false, nil
	}
	if msg.DedupWindow <= 0 {
		return true, nil
	}
	return msg.CreatedAt.Sub(last.MessageAt) < msg.DedupWindow, nil
}

type outcome struct {
	status   Status
	channel  string
	attempts int
	err      error
}

func (o outcome) result(key string) Result {
	return Result{Key: key, Status: o.status, Channel: o.channel, Attempts: o.attempts}
}

// deliver walks tiers in order and stops at the first success. A tier whose
// transport is unreachable is given up like an exhausted one. The outcome is
// StatusQueued when every configured tier was unreachable, StatusExhausted
// when any of them failed otherwise.
func (d *Dispatcher) deliver(ctx context.Context, msg Message, tiers []string) outcome {
	cfg, channels, limiter := d.snapshot()
	out := outcome{status: StatusExhausted}
	var (
		errs        []error
		unreachable int
		failed      int
	)

tiers:
	for _, tier := range tiers {
		ch, ok := channels[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("tier %s: %w", tier, ErrUnknownChannel))
			continue
		}
		for n := 1; n <= cfg.RetryMax; n++ {
			if err := limiter.Wait(ctx); err != nil {
				out.err = errors.Join(append(errs, err)...)
				return out
			}
			out.attempts++
			actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
			err := ch.Send(actx, msg.To, msg.Text)
			cancel()

			if err == nil {
				d.record(ctx, msg, tier, n, AttemptSent, nil)
				eventbus.Emit(d.bus, eventbus.DeliverySent, "key", msg.Key, "channel", tier, "attempt", n)
				out.status, out.channel, out.err = StatusSent, tier, nil
				return out
			}
			if errors.Is(err, ErrUnreachable) {
				d.record(ctx, msg, tier, n, AttemptUnreachable, err)
				errs = append(errs, fmt.Errorf("tier %s: %w", tier, err))
				unreachable++
				continue tiers
			}

			err = fmt.Errorf("%w: %s attempt %d: %w", ErrDeliveryFailed, tier, n, err)
			if n == cfg.RetryMax || IsPermanent(err) {
				d.record(ctx, msg, tier, n, AttemptExhausted, err)
				errs = append(errs, err)
				failed++
				continue tiers
			}
			d.record(ctx, msg, tier, n, AttemptFailed, err)
			if serr := d.sleep(ctx, retryDelay(cfg, n)); serr != nil {
				out.err = errors.Join(append(errs, err, serr)...)
				return out
			}
		}
	}
	out.err = errors.Join(errs...)
	if out.err == nil {
		out.err = errors.New("no delivery tiers")
	}
	if unreachable > 0 && failed == 0 {
		out.status = StatusQueued
	}
	return out
}

func (d *Dispatcher) record(ctx context.Context, msg Message, channel string, n int, st AttemptStatus, err error) {
	a := Attempt{
		ID:            uuid.NewString(),
		Key:           msg.Key,
		Channel:       channel,
		Payload:       msg.Text,
		AttemptNumber: n,
		Status:        st,
		At:            d.clock.Now(),
		MessageAt:     msg.CreatedAt,
	}
	if err != nil {
		a.Error = err.Error()
	}
	metrics.DeliveryAttempt(channel, string(st))
	// The audit write must not be lost because the caller's context expired mid-send.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if werr := d.attempts.RecordAttempt(wctx, a); werr != nil {
		d.log.Warn("record attempt failed", logx.String("key", shortKey(msg.Key)), logx.Err(werr))
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, msg Message, reason Reason, tiers []string, notBefore time.Time) error {
	msg.Tiers = append([]string(nil), tiers...)
	e, err := d.queue.Enqueue(ctx, QueueEntry{
		ID:         uuid.NewString(),
		Message:    msg,
		EnqueuedAt: d.clock.Now(),
		Reason:     reason,
		NotBefore:  notBefore,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", shortKey(msg.Key), err)
	}
	eventbus.Emit(d.bus, eventbus.DeliveryQueued, "key", msg.Key, "seq", e.Seq, "reason", string(reason))
	if n, err := d.queue.Len(ctx); err == nil {
		metrics.QueueDepth(n)
	}
	return nil
}

// retryDelay returns the wait before attempt+1: base*2^(attempt-1) with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
