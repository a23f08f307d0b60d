package alert

import (
	"fmt"
	"sort"
	"time"
)

// Delivery tier names. The dispatcher maps each to a configured channel.
const (
	TierPush     = "push"
	TierSMS      = "sms"
	TierDispatch = "dispatch"
)

type Threshold struct {
	Level Level
	After time.Duration
}

// Policy is an immutable set of thresholds, repeat intervals and delivery tiers.
// Build it with NewPolicy or DefaultPolicy.
type Policy struct {
	thresholds []Threshold
	repeat     map[Level]time.Duration
	tiers      map[Level][]string
}

// DefaultPolicy: warning 24h, danger 48h, emergency 72h repeating every 6h.
func DefaultPolicy() Policy {
	p, _ := NewPolicy(
		[]Threshold{{Warning, 24 * time.Hour}, {Danger, 48 * time.Hour}, {Emergency, 72 * time.Hour}},
		map[Level]time.Duration{Emergency: 6 * time.Hour},
		nil,
	)
	return p
}

// DefaultTiers returns the tier order used when a policy does not name one.
func DefaultTiers(l Level) []string {
	switch l {
	case Warning, Danger:
		return []string{TierPush, TierSMS}
	case Emergency:
		return []string{TierPush, TierSMS, TierDispatch}
	default:
		return nil
	}
}

// NewPolicy validates and freezes a policy. Thresholds must be positive and
// strictly increasing with level; a level may appear at most once.
func NewPolicy(thresholds []Threshold, repeat map[Level]time.Duration, tiers map[Level][]string) (Policy, error) {
	th := append([]Threshold(nil), thresholds...)
	sort.Slice(th, func(i, j int) bool { return th[i].Level < th[j].Level })
	for i, t := range th {
		if t.Level <= Normal || t.Level > Emergency {
			return Policy{}, fmt.Errorf("threshold %d: invalid level %s", i, t.Level)
		}
		if t.After <= 0 {
			return Policy{}, fmt.Errorf("threshold %s: duration must be positive", t.Level)
		}
		if i > 0 {
			if th[i-1].Level == t.Level {
				return Policy{}, fmt.Errorf("threshold %s: duplicate level", t.Level)
			}
			if th[i-1].After >= t.After {
				return Policy{}, fmt.Errorf("threshold %s (%s) must be greater than %s (%s)", t.Level, t.After, th[i-1].Level, th[i-1].After)
			}
		}
	}
	rp := make(map[Level]time.Duration, len(repeat))
	for l, d := range repeat {
		if d < 0 {
			return Policy{}, fmt.Errorf("repeat interval for %s must not be negative", l)
		}
		if d > 0 {
			rp[l] = d
		}
	}
	tr := make(map[Level][]string, len(tiers))
	for l, names := range tiers {
		if len(names) > 0 {
			tr[l] = append([]string(nil), names...)
		}
	}
	return Policy{thresholds: th, repeat: rp, tiers: tr}, nil
}

// Thresholds returns a copy of the thresholds in ascending order.
func (p Policy) Thresholds() []Threshold { return append([]Threshold(nil), p.thresholds...) }

// Threshold returns the inactivity duration for l.
func (p Policy) Threshold(l Level) (time.Duration, bool) {
	for _, t := range p.thresholds {
		if t.Level == l {
			return t.After, true
		}
	}
	return 0, false
}

// RepeatInterval is 0 when the level notifies once per episode.
func (p Policy) RepeatInterval(l Level) time.Duration { return p.repeat[l] }

// Tiers returns the ordered delivery tiers for l.
func (p Policy) Tiers(l Level) []string {
	if t, ok := p.tiers[l]; ok {
		return append([]string(nil), t...)
	}
	return DefaultTiers(l)
}

// NextCrossing returns the elapsed duration at which the next level above
// current is reached, or false when current is the highest configured level.
func (p Policy) NextCrossing(current Level) (time.Duration, bool) {
	for _, t := range p.thresholds {
		if t.Level > current {
			return t.After, true
		}
	}
	return 0, false
}

// PolicySet is the default policy plus per-subject overrides.
type PolicySet struct {
	Default   Policy
	Overrides map[string]Policy
}

func (s PolicySet) PolicyFor(subjectID string) Policy {
	if p, ok := s.Overrides[subjectID]; ok {
		return p
	}
	return s.Default
}
