package liveness

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lifeguard/internal/clock"
)

// ValidatorConfig tunes signal admission. Zero fields take defaults: 60s
// future skew, one signal per subject per 10s window, a 10m nonce replay
// window, and gates idle for an hour are pruned.
type ValidatorConfig struct {
	// FutureSkew is how far ahead of now a timestamp may be.
	FutureSkew time.Duration
	// RateWindow and RateLimit size the per-subject token bucket: RateLimit
	// tokens refilled over RateWindow.
	RateWindow time.Duration
	RateLimit  int
	// ReplayWindow is how long a nonce is remembered.
	ReplayWindow time.Duration
	IdleTTL      time.Duration
}

func (c *ValidatorConfig) applyDefaults() {
	if c.FutureSkew <= 0 {
		c.FutureSkew = 60 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 1
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 10 * time.Minute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Hour
	}
}

const validatorShards = 32

type subjectGate struct {
	limiter  *rate.Limiter
	nonces   map[string]time.Time
	lastSeen time.Time
}

type gateShard struct {
	mu    sync.Mutex
	gates map[string]*subjectGate
}

// Validator admits signals into a Store. Rules run in order: subject and
// source sanity, future skew, staleness against the stored record, per-subject
// rate, nonce replay. Only the rate and replay state live in the validator.
type Validator struct {
	cfg    ValidatorConfig
	clock  clock.Clock
	store  Store
	shards [validatorShards]gateShard
	calls  uint64
	callMu sync.Mutex
}

// NewValidator returns a Validator writing accepted signals to store. A nil
// clock reads the system time.
func NewValidator(cfg ValidatorConfig, store Store, c clock.Clock) *Validator {
	cfg.applyDefaults()
	v := &Validator{cfg: cfg, clock: clock.OrReal(c), store: store}
	for i := range v.shards {
		v.shards[i].gates = map[string]*subjectGate{}
	}
	return v
}

// Config returns the effective settings, defaults applied.
func (v *Validator) Config() ValidatorConfig { return v.cfg }

func (v *Validator) shard(subjectID string) *gateShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return &v.shards[h.Sum32()%validatorShards]
}

// Admit validates sig and, when accepted, writes it to the store. It returns
// the record as stored. ErrStaleSignal is returned both for signals older
// than the stored record and for signals that lose the store's CAS.
func (v *Validator) Admit(ctx context.Context, sig Signal) (Record, error) {
	now := v.clock.Now()
	sig.SubjectID = strings.TrimSpace(sig.SubjectID)
	if sig.SubjectID == "" {
		return Record{}, fmt.Errorf("%w: empty subject id", ErrInvalidSignal)
	}
	if !sig.Source.Valid() {
		return Record{}, fmt.Errorf("%w: unknown source %q", ErrInvalidSignal, sig.Source)
	}
	if sig.Timestamp.IsZero() {
		return Record{}, fmt.Errorf("%w: missing timestamp", ErrInvalidSignal)
	}
	if sig.Timestamp.After(now.Add(v.cfg.FutureSkew)) {
		return Record{}, fmt.Errorf("%w: %s ahead of now", ErrInvalidTimestamp, sig.Timestamp.Sub(now).Round(time.Second))
	}

	cur, found, err := v.store.Get(ctx, sig.SubjectID)
	if err != nil {
		return Record{}, fmt.Errorf("read liveness %s: %w", sig.SubjectID, err)
	}
	if found && sig.Timestamp.Before(cur.LastActivityAt) {
		return cur, ErrStaleSignal
	}

	if err := v.gate(sig, now); err != nil {
		return cur, err
	}

	updated, err := v.store.Update(ctx, sig.SubjectID, sig.Timestamp, sig.Source, now)
	if err != nil {
		return Record{}, fmt.Errorf("update liveness %s: %w", sig.SubjectID, err)
	}
	if !updated {
		return cur, ErrStaleSignal
	}
	v.maybePrune(now)
	return Record{SubjectID: sig.SubjectID, LastActivityAt: sig.Timestamp, Source: sig.Source, ReceivedAt: now}, nil
}

func (v *Validator) gate(sig Signal, now time.Time) error {
	sh := v.shard(sig.SubjectID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g := sh.gates[sig.SubjectID]
	if g == nil {
		every := v.cfg.RateWindow / time.Duration(v.cfg.RateLimit)
		g = &subjectGate{limiter: rate.NewLimiter(rate.Every(every), v.cfg.RateLimit), nonces: map[string]time.Time{}}
		sh.gates[sig.SubjectID] = g
	}
	g.lastSeen = now

	if sig.Nonce != "" {
		if at, seen := g.nonces[sig.Nonce]; seen && now.Sub(at) < v.cfg.ReplayWindow {
			return ErrReplayedSignal
		}
	}
	if !g.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	if sig.Nonce != "" {
		for n, at := range g.nonces {
			if now.Sub(at) >= v.cfg.ReplayWindow {
				delete(g.nonces, n)
			}
		}
		g.nonces[sig.Nonce] = now
	}
	return nil
}

func (v *Validator) maybePrune(now time.Time) {
	v.callMu.Lock()
	v.calls++
	due := v.calls%1024 == 0
	v.callMu.Unlock()
	if due {
		v.Prune(now)
	}
}

// Prune drops rate and nonce state of subjects idle longer than IdleTTL.
func (v *Validator) Prune(now time.Time) int {
	n := 0
	for i := range v.shards {
		sh := &v.shards[i]
		sh.mu.Lock()
		for id, g := range sh.gates {
			if now.Sub(g.lastSeen) >= v.cfg.IdleTTL {
				delete(sh.gates, id)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Tracked returns the number of subjects with live rate state.
func (v *Validator) Tracked() int {
	n := 0
	for i := range v.shards {
		v.shards[i].mu.Lock()
		n += len(v.shards[i].gates)
		v.shards[i].mu.Unlock()
	}
	return n
}
