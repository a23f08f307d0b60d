package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"lifeguard/internal/alert"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/metrics"
	"lifeguard/internal/relation"
	logx "lifeguard/pkg/logx"
)

var ErrCycleRunning = errors.New("monitor: poll cycle already running")

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Trigger   string
	Pairs     int
	Evaluated int
	NotDue    int
	Busy      int
	Failed    int
	Removed   int
	Suspended time.Duration
	Took      time.Duration
}

// Run starts the cron driver, runs one cycle immediately and blocks until ctx
// is done. It is meant to be hosted by the supervisor.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	e.Resume(ctx)
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	e.Stop(sctx)
	return nil
}

// Start registers the poll cycle with cron. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return nil
	}
	e.baseCtx = ctx
	return e.startCronLocked()
}

func (e *Engine) startCronLocked() error {
	cfg := e.config()
	cl := cronLogger{log: e.log}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := "@every " + cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { e.runCycle(e.baseCtx, "tick") }); err != nil {
		return fmt.Errorf("schedule poll cycle %q: %w", spec, err)
	}
	c.Start()
	e.cron = c
	e.log.Info("scheduler started", logx.Duration("interval", cfg.Interval), logx.Int("workers", cfg.Workers), logx.String("tz", cfg.Location.String()))
	return nil
}

// Stop halts cron triggering and waits for a running cycle, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	e.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply updates scheduler settings. A new interval or location restarts the
// cron driver; worker count and pair timeout apply from the next cycle.
func (e *Engine) Apply(cfg Config) {
	cfg.applyDefaults()
	e.mu.Lock()
	old := e.cfg
	e.cfg = cfg
	e.mu.Unlock()

	if old.Interval == cfg.Interval && old.Location.String() == cfg.Location.String() {
		return
	}
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron == nil {
		return
	}
	e.cron.Stop()
	e.cron = nil
	if err := e.startCronLocked(); err != nil {
		e.log.Error("scheduler restart failed", logx.Err(err))
	}
}

// Resume runs one cycle right away, for use after the host was suspended.
func (e *Engine) Resume(ctx context.Context) {
	e.runCycle(ctx, "resume")
}

func (e *Engine) runCycle(ctx context.Context, trigger string) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	rep, err := e.Cycle(ctx, trigger)
	switch {
	case errors.Is(err, ErrCycleRunning):
		e.log.Debug("cycle skipped, previous still running", logx.String("trigger", trigger))
	case err != nil:
		e.log.Warn("poll cycle failed", logx.String("trigger", trigger), logx.Err(err))
	case rep.Failed > 0:
		e.log.Warn("poll cycle finished with failures",
			logx.String("trigger", trigger),
			logx.Int("pairs", rep.Pairs),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Took))
	default:
		e.log.Debug("poll cycle finished",
			logx.String("trigger", trigger),
			logx.Int("pairs", rep.Pairs),
			logx.Int("evaluated", rep.Evaluated),
			logx.Int("not_due", rep.NotDue),
			logx.Duration("took", rep.Took))
	}
}

// Cycle evaluates every active pair whose ticket is due. Per-pair failures
// are counted and logged, never returned; the error is set only when the
// relationship list itself is unavailable or a cycle is already running.
func (e *Engine) Cycle(ctx context.Context, trigger string) (CycleReport, error) {
	if !e.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer e.cycleMu.Unlock()

	cfg := e.config()
	start := time.Now()
	now := e.clock.Now()
	rep := CycleReport{Trigger: trigger}

	if prev := e.lastTick.Swap(now.UnixNano()); prev != 0 {
		if gap := now.Sub(time.Unix(0, prev)); gap > 2*cfg.Interval {
			rep.Suspended = gap
			e.log.Warn("scheduler was suspended, catching up", logx.Duration("gap", gap), logx.String("trigger", trigger))
			eventbus.Emit(e.bus, eventbus.CycleSuspended, "gap", gap.String())
		}
	}

	pairs, err := e.relations.ListActivePairs(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pairs: %w", err)
	}
	rep.Pairs = len(pairs)
	rep.Removed = e.reconcile(ctx, pairs)

	var (
		evaluated, busy, failed atomic.Int64
		g                       errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	for _, p := range pairs {
		if !e.tickets.due(p.Key(), now) {
			rep.NotDue++
			continue
		}
		p := p
		g.Go(func() error {
			err := e.runPair(ctx, p, false)
			switch {
			case err == nil:
				evaluated.Add(1)
			case errors.Is(err, errPairBusy):
				busy.Add(1)
			default:
				failed.Add(1)
				e.log.Warn("pair skipped this cycle", logx.Pair(p.SubjectID, p.ObserverID), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if pr, ok := e.validator.(interface{ Prune(time.Time) int }); ok {
		pr.Prune(now)
	}
	rep.Evaluated, rep.Busy, rep.Failed = int(evaluated.Load()), int(busy.Load()), int(failed.Load())
	rep.Took = time.Since(start)
	metrics.CycleDuration(rep.Took)
	return rep, nil
}

// reconcile forgets pairs that are no longer listed. A removed pair that is
// still being evaluated is kept for the next cycle so its in-flight work
// completes first.
func (e *Engine) reconcile(ctx context.Context, pairs []relation.Pair) int {
	current := make(map[alert.Key]struct{}, len(pairs))
	for _, p := range pairs {
		current[p.Key()] = struct{}{}
	}
	removed := 0
	for k := range e.known {
		if _, ok := current[k]; ok {
			continue
		}
		if !e.runs.begin(k, false) {
			current[k] = struct{}{}
			continue
		}
		e.tickets.drop(k)
		if err := e.tracker.Forget(ctx, k); err != nil {
			e.log.Warn("forget removed pair failed", logx.Pair(k.SubjectID, k.ObserverID), logx.Err(err))
			current[k] = struct{}{}
		} else {
			removed++
			e.log.Info("pair removed from scheduling", logx.Pair(k.SubjectID, k.ObserverID))
		}
		e.runs.end(k)
	}
	e.known = current
	return removed
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
