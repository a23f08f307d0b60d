package alert

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Key identifies one (subject, observer) pair.
type Key struct {
	SubjectID  string
	ObserverID string
}

func (k Key) String() string { return k.SubjectID + "/" + k.ObserverID }

// StateStore persists AlertState per pair. LoadState reports found=false for
// pairs never classified.
type StateStore interface {
	LoadState(ctx context.Context, key Key) (State, bool, error)
	SaveState(ctx context.Context, key Key, st State) error
	DeleteState(ctx context.Context, key Key) error
}

const trackerStripes = 64

// Tracker owns the mutation of AlertState. Pairs hash onto a fixed set of
// mutex stripes, so unrelated pairs rarely contend and there is no global lock.
type Tracker struct {
	store StateStore
	locks [trackerStripes]sync.Mutex
}

func NewTracker(store StateStore) *Tracker {
	return &Tracker{store: store}
}

func (t *Tracker) stripe(k Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.SubjectID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.ObserverID))
	return &t.locks[h.Sum32()%trackerStripes]
}

// Evaluate runs Decide for key and persists the result. A notification that
// would fall inside quiet hours for a non-emergency level is returned as
// OutcomeDeferred and nothing is persisted, so the next cycle after the
// window retries it.
func (t *Tracker) Evaluate(ctx context.Context, key Key, level Level, p Policy, quiet QuietHours, now time.Time) (Decision, error) {
	mu := t.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	prev, _, err := t.store.LoadState(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("load alert state %s: %w", key, err)
	}
	d := Decide(prev, level, p, now)
	if d.Notify && level < Emergency && quiet.Contains(now) {
		d.Outcome, d.Notify, d.Next = OutcomeDeferred, false, prev
		return d, nil
	}
	if !d.Changed() {
		return d, nil
	}
	if d.Next == (State{}) {
		err = t.store.DeleteState(ctx, key)
	} else {
		err = t.store.SaveState(ctx, key, d.Next)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("save alert state %s: %w", key, err)
	}
	return d, nil
}

// Get returns the current state of key (zero State when never classified).
func (t *Tracker) Get(ctx context.Context, key Key) (State, error) {
	st, _, err := t.store.LoadState(ctx, key)
	return st, err
}

// Forget drops the stored state of a pair whose relationship was removed.
func (t *Tracker) Forget(ctx context.Context, key Key) error {
	mu := t.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	if err := t.store.DeleteState(ctx, key); err != nil {
		return fmt.Errorf("forget alert state %s: %w", key, err)
	}
	return nil
}
