// Package monitor drives the alert pipeline: it admits liveness signals,
// polls every (subject, observer) pair on a fixed interval, classifies
// inactivity, decides notifications and hands them to the dispatcher.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/delivery"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/liveness"
	"lifeguard/internal/metrics"
	"lifeguard/internal/relation"
	"lifeguard/internal/storage"
	logx "lifeguard/pkg/logx"
)

// ErrStoreUnavailable is returned for pairs skipped because persistence is down.
var ErrStoreUnavailable = storage.ErrStoreUnavailable

type Config struct {
	Interval    time.Duration
	PairTimeout time.Duration
	Workers     int
	// Location is used for the cron schedule.
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PairTimeout <= 0 {
		c.PairTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Admitter validates and stores a signal.
type Admitter interface {
	Admit(ctx context.Context, sig liveness.Signal) (liveness.Record, error)
}

// Dispatcher delivers one decided notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg delivery.Message) (delivery.Result, error)
}

type Deps struct {
	Validator  Admitter
	Liveness   liveness.Store
	Tracker    *alert.Tracker
	Relations  relation.Provider
	Dispatcher Dispatcher
	Templates  *alert.Templates
	Policy     alert.PolicySet
	Clock      clock.Clock
	Bus        eventbus.Bus
	Log        logx.Logger
}

// Engine owns the poll scheduler and the signal entry point.
type Engine struct {
	clock      clock.Clock
	log        logx.Logger
	bus        eventbus.Bus
	validator  Admitter
	live       liveness.Store
	tracker    *alert.Tracker
	relations  relation.Provider
	dispatcher Dispatcher

	mu        sync.RWMutex
	cfg       Config
	policy    alert.PolicySet
	templates *alert.Templates

	tickets *ticketBook
	runs    *runSet

	cycleMu  sync.Mutex
	lastTick atomic.Int64
	known    map[alert.Key]struct{}

	cronMu  sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Validator == nil || deps.Liveness == nil || deps.Tracker == nil || deps.Relations == nil || deps.Dispatcher == nil {
		return nil, errors.New("monitor: validator, liveness store, tracker, relations and dispatcher are required")
	}
	cfg.applyDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	tpl := deps.Templates
	if tpl == nil {
		var err error
		if tpl, err = alert.NewTemplates(nil); err != nil {
			return nil, err
		}
	}
	pol := deps.Policy
	if len(pol.Default.Thresholds()) == 0 {
		pol.Default = alert.DefaultPolicy()
	}
	return &Engine{
		clock:      clock.OrReal(deps.Clock),
		log:        log,
		bus:        deps.Bus,
		validator:  deps.Validator,
		live:       deps.Liveness,
		tracker:    deps.Tracker,
		relations:  deps.Relations,
		dispatcher: deps.Dispatcher,
		cfg:        cfg,
		policy:     pol,
		templates:  tpl,
		tickets:    newTicketBook(),
		runs:       newRunSet(),
		known:      map[alert.Key]struct{}{},
	}, nil
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) policyFor(subjectID string) alert.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.PolicyFor(subjectID)
}

func (e *Engine) currentTemplates() *alert.Templates {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.templates
}

// ApplyPolicy swaps the policy set. Every ticket is dropped so the next cycle
// re-evaluates all pairs under the new thresholds.
func (e *Engine) ApplyPolicy(p alert.PolicySet) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	n := e.tickets.reset()
	e.log.Info("policy applied", logx.Int("tickets_dropped", n), logx.Int("overrides", len(p.Overrides)))
}

func (e *Engine) SetTemplates(t *alert.Templates) {
	if t == nil {
		return
	}
	e.mu.Lock()
	e.templates = t
	e.mu.Unlock()
}

// IngestOutcome is what happened to an admitted signal.
type IngestOutcome string

const (
	IngestAccepted IngestOutcome = "accepted"
	IngestStale    IngestOutcome = "stale"
)

type IngestResult struct {
	Outcome IngestOutcome   `json:"outcome"`
	Record  liveness.Record `json:"record"`
}

// Ingest validates sig and stores it. A signal older than the stored record
// is reported as IngestStale with a nil error. Rejections (future timestamp,
// rate limit, replay, malformed) are returned as errors wrapping the
// liveness sentinels.
func (e *Engine) Ingest(ctx context.Context, sig liveness.Signal) (IngestResult, error) {
	rec, err := e.validator.Admit(ctx, sig)
	switch {
	case err == nil:
		metrics.Signal(string(IngestAccepted))
		eventbus.Emit(e.bus, eventbus.SignalAccepted, "subject", rec.SubjectID, "source", string(rec.Source))
		e.OnActivity(ctx, rec.SubjectID)
		return IngestResult{Outcome: IngestAccepted, Record: rec}, nil

	case errors.Is(err, liveness.ErrStaleSignal):
		metrics.Signal(string(IngestStale))
		e.log.Debug("stale signal dropped", logx.Subject(sig.SubjectID), logx.Time("ts", sig.Timestamp))
		return IngestResult{Outcome: IngestStale, Record: rec}, nil
	}

	reason := rejectReason(err)
	metrics.Signal(reason)
	eventbus.Emit(e.bus, eventbus.SignalRejected, "subject", sig.SubjectID, "reason", reason)
	if reason == "store_unavailable" || reason == "error" {
		e.log.Warn("signal not stored", logx.Subject(sig.SubjectID), logx.Err(err))
	} else {
		e.log.Debug("signal rejected", logx.Subject(sig.SubjectID), logx.String("reason", reason), logx.Err(err))
	}
	return IngestResult{}, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, liveness.ErrInvalidTimestamp):
		return "future"
	case errors.Is(err, liveness.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, liveness.ErrReplayedSignal):
		return "replayed"
	case errors.Is(err, liveness.ErrInvalidSignal):
		return "invalid"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

// OnActivity drops the subject's tickets and re-evaluates each of its pairs
// right away, so a fresh signal resets any open episode without waiting for
// the next tick. A pair already being evaluated is marked for one more run.
func (e *Engine) OnActivity(ctx context.Context, subjectID string) {
	// A decision committed here must not lose its delivery when the caller's
	// request ends.
	ctx = context.WithoutCancel(ctx)
	pairs, err := relation.PairsOf(ctx, e.relations, subjectID)
	if err != nil {
		e.log.Warn("list pairs for activity failed", logx.Subject(subjectID), logx.Err(err))
		return
	}
	e.tickets.dropSubject(subjectID)
	for _, p := range pairs {
		if err := e.runPair(ctx, p, true); err != nil && !errors.Is(err, errPairBusy) {
			e.log.Warn("re-evaluate after activity failed", logx.Pair(p.SubjectID, p.ObserverID), logx.Err(err))
		}
	}
}

// Status is a point-in-time view of one pair for the status API.
type Status struct {
	SubjectID  string          `json:"subject_id"`
	ObserverID string          `json:"observer_id"`
	Record     liveness.Record `json:"record"`
	Signalled  bool            `json:"signalled"`
	Level      alert.Level     `json:"level"`
	State      alert.State     `json:"state"`
	NextDue    time.Time       `json:"next_due,omitempty"`
}

// SubjectStatus reports the live level of every pair of subjectID.
func (e *Engine) SubjectStatus(ctx context.Context, subjectID string) ([]Status, error) {
	if _, err := e.relations.Subject(ctx, subjectID); err != nil {
		return nil, err
	}
	pairs, err := relation.PairsOf(ctx, e.relations, subjectID)
	if err != nil {
		return nil, err
	}
	rec, found, err := e.live.Get(ctx, subjectID)
	if err != nil {
		return nil, storeErr(err)
	}
	now := e.clock.Now()
	pol := e.policyFor(subjectID)
	out := make([]Status, 0, len(pairs))
	for _, p := range pairs {
		st, err := e.tracker.Get(ctx, p.Key())
		if err != nil {
			return nil, storeErr(err)
		}
		s := Status{SubjectID: p.SubjectID, ObserverID: p.ObserverID, Record: rec, Signalled: found, State: st}
		if found {
			s.Level = alert.Classify(elapsedSince(now, rec.LastActivityAt), pol)
			s.NextDue = alert.NextDue(st, rec.LastActivityAt, pol)
		}
		out = append(out, s)
	}
	return out, nil
}

func storeErr(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func elapsedSince(now, at time.Time) time.Duration {
	if d := now.Sub(at); d > 0 {
		return d
	}
	return 0
}
