// Package relation answers who watches whom: the active (subject, observer)
// pairs and the contact details the engine needs to address a notification.
package relation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/config"
	"lifeguard/internal/delivery"
)

var ErrNotFound = errors.New("relation: not found")

type Pair struct {
	SubjectID  string
	ObserverID string
}

func (p Pair) Key() alert.Key { return alert.Key{SubjectID: p.SubjectID, ObserverID: p.ObserverID} }

type Subject struct {
	delivery.Contact
}

type Observer struct {
	delivery.Contact
	Quiet alert.QuietHours
}

// Provider is the source of relationships. Implementations must be safe for
// concurrent use.
type Provider interface {
	ListActivePairs(ctx context.Context) ([]Pair, error)
	Subject(ctx context.Context, id string) (Subject, error)
	Observer(ctx context.Context, id string) (Observer, error)
}

// Static serves relationships from the settings document. Replace swaps the
// whole set atomically on reload.
type Static struct {
	mu        sync.RWMutex
	subjects  map[string]Subject
	observers map[string]Observer
	pairs     []Pair
}

func NewStatic() *Static {
	return &Static{subjects: map[string]Subject{}, observers: map[string]Observer{}}
}

// FromConfig builds a Static from the relations section. defLoc is used for
// quiet hours of observers without a timezone.
func FromConfig(rc config.RelationsConfig, defLoc *time.Location) (*Static, error) {
	s := NewStatic()
	if err := s.Replace(rc, defLoc); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) Replace(rc config.RelationsConfig, defLoc *time.Location) error {
	if defLoc == nil {
		defLoc = time.Local
	}
	subjects := make(map[string]Subject, len(rc.Subjects))
	for _, sc := range rc.Subjects {
		id := strings.TrimSpace(sc.ID)
		subjects[id] = Subject{Contact: delivery.Contact{ID: id, Name: sc.Name, Phone: sc.Phone, Address: sc.Address}}
	}
	observers := make(map[string]Observer, len(rc.Observers))
	for _, oc := range rc.Observers {
		id := strings.TrimSpace(oc.ID)
		loc := defLoc
		if tz := strings.TrimSpace(oc.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("observer %s: timezone: %w", id, err)
			}
			loc = l
		}
		q, err := alert.ParseQuietHours(oc.QuietStart, oc.QuietEnd, loc)
		if err != nil {
			return fmt.Errorf("observer %s: %w", id, err)
		}
		observers[id] = Observer{
			Contact: delivery.Contact{ID: id, Name: oc.Name, Phone: oc.Phone, ChatID: oc.ChatID},
			Quiet:   q,
		}
	}
	pairs := make([]Pair, 0, len(rc.Pairs))
	seen := make(map[Pair]bool, len(rc.Pairs))
	for _, pc := range rc.Pairs {
		p := Pair{SubjectID: strings.TrimSpace(pc.Subject), ObserverID: strings.TrimSpace(pc.Observer)}
		if _, ok := subjects[p.SubjectID]; !ok {
			return fmt.Errorf("pair %s/%s: unknown subject", p.SubjectID, p.ObserverID)
		}
		if _, ok := observers[p.ObserverID]; !ok {
			return fmt.Errorf("pair %s/%s: unknown observer", p.SubjectID, p.ObserverID)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].SubjectID != pairs[j].SubjectID {
			return pairs[i].SubjectID < pairs[j].SubjectID
		}
		return pairs[i].ObserverID < pairs[j].ObserverID
	})

	s.mu.Lock()
	s.subjects, s.observers, s.pairs = subjects, observers, pairs
	s.mu.Unlock()
	return nil
}

func (s *Static) ListActivePairs(context.Context) ([]Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Pair(nil), s.pairs...), nil
}

func (s *Static) Subject(_ context.Context, id string) (Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return Subject{}, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return sub, nil
}

func (s *Static) Observer(_ context.Context, id string) (Observer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.observers[id]
	if !ok {
		return Observer{}, fmt.Errorf("observer %s: %w", id, ErrNotFound)
	}
	return o, nil
}

// PairsOf returns the active pairs for one subject.
func PairsOf(ctx context.Context, p Provider, subjectID string) ([]Pair, error) {
	all, err := p.ListActivePairs(ctx)
	if err != nil {
		return nil, err
	}
	var out []Pair
	for _, pr := range all {
		if pr.SubjectID == subjectID {
			out = append(out, pr)
		}
	}
	return out, nil
}
