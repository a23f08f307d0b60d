package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideTransitions(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	warned := State{CurrentLevel: Warning, LastNotifiedLevel: Warning, LastNotifiedAt: t0, EpisodeStartedAt: t0, NotificationCount: 1}
	emerg := State{CurrentLevel: Emergency, LastNotifiedLevel: Emergency, LastNotifiedAt: t0, EpisodeStartedAt: t0.Add(-48 * time.Hour), NotificationCount: 3}

	cases := []struct {
		name    string
		state   State
		level   Level
		now     time.Time
		outcome Outcome
		notify  bool
		check   func(t *testing.T, next State)
	}{
		{
			name: "normal stays normal", state: State{}, level: Normal, now: t0,
			outcome: OutcomeNone,
		},
		{
			name: "first escalation opens episode", state: State{}, level: Warning, now: t0,
			outcome: OutcomeEscalated, notify: true,
			check: func(t *testing.T, next State) {
				assert.Equal(t, warned, next)
			},
		},
		{
			name: "unchanged warning is suppressed", state: warned, level: Warning, now: t0.Add(30 * time.Hour),
			outcome: OutcomeSuppressed,
		},
		{
			name: "escalation keeps episode start", state: warned, level: Danger, now: t0.Add(24 * time.Hour),
			outcome: OutcomeEscalated, notify: true,
			check: func(t *testing.T, next State) {
				assert.Equal(t, t0, next.EpisodeStartedAt)
				assert.Equal(t, Danger, next.LastNotifiedLevel)
				assert.Equal(t, 2, next.NotificationCount)
			},
		},
		{
			name: "emergency repeat not yet due", state: emerg, level: Emergency, now: t0.Add(5 * time.Hour),
			outcome: OutcomeSuppressed,
		},
		{
			name: "emergency repeat due", state: emerg, level: Emergency, now: t0.Add(6 * time.Hour),
			outcome: OutcomeRepeated, notify: true,
			check: func(t *testing.T, next State) {
				assert.Equal(t, t0.Add(6*time.Hour), next.LastNotifiedAt)
				assert.Equal(t, 4, next.NotificationCount)
			},
		},
		{
			name: "partial recovery does not notify", state: emerg, level: Warning, now: t0.Add(time.Hour),
			outcome: OutcomeDecreased,
			check: func(t *testing.T, next State) {
				assert.Equal(t, Warning, next.CurrentLevel)
				assert.Equal(t, Emergency, next.LastNotifiedLevel)
				assert.Equal(t, emerg.EpisodeStartedAt, next.EpisodeStartedAt)
			},
		},
		{
			name: "recovery resets", state: emerg, level: Normal, now: t0.Add(time.Hour),
			outcome: OutcomeRecovered,
			check: func(t *testing.T, next State) {
				assert.Equal(t, State{}, next)
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := Decide(tc.state, tc.level, p, tc.now)
			require.Equal(t, tc.outcome, d.Outcome)
			require.Equal(t, tc.notify, d.Notify)
			require.Equal(t, tc.state, d.Prev)
			if tc.check != nil {
				tc.check(t, d.Next)
			}
		})
	}
}

func TestNextDue(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	last := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.Equal(t, last.Add(24*time.Hour), NextDue(State{}, last, p))
	require.Equal(t, last.Add(48*time.Hour), NextDue(State{CurrentLevel: Warning}, last, p))

	emerg := State{CurrentLevel: Emergency, LastNotifiedAt: last.Add(72 * time.Hour)}
	require.Equal(t, last.Add(78*time.Hour), NextDue(emerg, last, p))

	once, err := NewPolicy(p.Thresholds(), nil, nil)
	require.NoError(t, err)
	require.True(t, NextDue(emerg, last, once).IsZero())
}
