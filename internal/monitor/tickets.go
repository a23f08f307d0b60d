package monitor

import (
	"errors"
	"sync"
	"time"

	"lifeguard/internal/alert"
)

var errPairBusy = errors.New("pair evaluation already running")

// ticket tells the scheduler a pair needs no classification before NotBefore.
type ticket struct {
	NotBefore time.Time
	Reason    string
}

type ticketBook struct {
	mu sync.Mutex
	m  map[alert.Key]ticket
}

func newTicketBook() *ticketBook { return &ticketBook{m: map[alert.Key]ticket{}} }

func (b *ticketBook) due(k alert.Key, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.m[k]
	return !ok || !now.Before(t.NotBefore)
}

func (b *ticketBook) set(k alert.Key, t ticket) {
	b.mu.Lock()
	b.m[k] = t
	b.mu.Unlock()
}

func (b *ticketBook) get(k alert.Key) (ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.m[k]
	return t, ok
}

func (b *ticketBook) drop(k alert.Key) {
	b.mu.Lock()
	delete(b.m, k)
	b.mu.Unlock()
}

func (b *ticketBook) dropSubject(subjectID string) {
	b.mu.Lock()
	for k := range b.m {
		if k.SubjectID == subjectID {
			delete(b.m, k)
		}
	}
	b.mu.Unlock()
}

func (b *ticketBook) reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.m)
	b.m = map[alert.Key]ticket{}
	return n
}

func (b *ticketBook) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

// runSet is the skip-if-running gate. A caller that finds the pair busy may
// ask for a rerun; the running evaluator then loops once more before it
// releases the pair.
type runSet struct {
	mu      sync.Mutex
	running map[alert.Key]bool
	again   map[alert.Key]bool
}

func newRunSet() *runSet {
	return &runSet{running: map[alert.Key]bool{}, again: map[alert.Key]bool{}}
}

func (r *runSet) begin(k alert.Key, rerun bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[k] {
		if rerun {
			r.again[k] = true
		}
		return false
	}
	r.running[k] = true
	return true
}

// end releases k, or keeps it and returns true when a rerun was requested.
func (r *runSet) end(k alert.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.again[k] {
		delete(r.again, k)
		return true
	}
	delete(r.running, k)
	return false
}
