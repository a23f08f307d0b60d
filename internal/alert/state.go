package alert

import "time"

// State is the persisted alert state of one (subject, observer) pair.
type State struct {
	CurrentLevel      Level     `json:"current_level"`
	LastNotifiedLevel Level     `json:"last_notified_level"`
	LastNotifiedAt    time.Time `json:"last_notified_at"`
	EpisodeStartedAt  time.Time `json:"episode_started_at"`
	NotificationCount int       `json:"notification_count"`
}

// InEpisode reports whether the pair is above normal.
func (s State) InEpisode() bool { return s.CurrentLevel > Normal }

type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomeRecovered  Outcome = "recovered"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeRepeated   Outcome = "repeated"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDecreased  Outcome = "decreased"
	OutcomeDeferred   Outcome = "deferred"
)

type Decision struct {
	Outcome Outcome
	Notify  bool
	Level   Level
	Prev    State
	Next    State
}

// Changed reports whether Next differs from Prev and must be persisted.
func (d Decision) Changed() bool { return d.Next != d.Prev }

// Decide applies one evaluation cycle to state. It has no side effects.
func Decide(state State, level Level, p Policy, now time.Time) Decision {
	d := Decision{Outcome: OutcomeNone, Level: level, Prev: state, Next: state}

	switch {
	case level == Normal:
		if state.CurrentLevel != Normal {
			d.Outcome = OutcomeRecovered
			d.Next = State{}
		}

	case level > state.CurrentLevel:
		next := state
		next.CurrentLevel = level
		if next.EpisodeStartedAt.IsZero() {
			next.EpisodeStartedAt = now
		}
		if level > next.LastNotifiedLevel {
			next.LastNotifiedLevel = level
		}
		next.LastNotifiedAt = now
		next.NotificationCount++
		d.Outcome, d.Notify, d.Next = OutcomeEscalated, true, next

	case level == state.CurrentLevel:
		every := p.RepeatInterval(level)
		if every > 0 && now.Sub(state.LastNotifiedAt) >= every {
			next := state
			next.LastNotifiedAt = now
			next.NotificationCount++
			d.Outcome, d.Notify, d.Next = OutcomeRepeated, true, next
		} else {
			d.Outcome = OutcomeSuppressed
		}

	default:
		next := state
		next.CurrentLevel = level
		d.Outcome, d.Next = OutcomeDecreased, next
	}
	return d
}

// NextDue returns when the pair next needs evaluating without new activity:
// the earlier of the next threshold crossing and the next repeat. The zero
// time means no future transition is scheduled.
func NextDue(state State, lastActivity time.Time, p Policy) time.Time {
	var due time.Time
	if after, ok := p.NextCrossing(state.CurrentLevel); ok {
		due = lastActivity.Add(after)
	}
	if every := p.RepeatInterval(state.CurrentLevel); state.InEpisode() && every > 0 && !state.LastNotifiedAt.IsZero() {
		rep := state.LastNotifiedAt.Add(every)
		if due.IsZero() || rep.Before(due) {
			due = rep
		}
	}
	return due
}
