package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyThresholds(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	cases := []struct {
		elapsed time.Duration
		want    Level
	}{
		{0, Normal},
		{23*time.Hour + 59*time.Minute, Normal},
		{24 * time.Hour, Warning},
		{47 * time.Hour, Warning},
		{48 * time.Hour, Danger},
		{72 * time.Hour, Emergency},
		{30 * 24 * time.Hour, Emergency},
		{-time.Hour, Normal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.elapsed, p), "elapsed=%s", tc.elapsed)
	}
}

func TestClassifyMonotonicAndPure(t *testing.T) {
	t.Parallel()

	policies := []Policy{DefaultPolicy()}
	custom, err := NewPolicy([]Threshold{{Emergency, 5 * time.Hour}, {Warning, time.Hour}}, nil, nil)
	require.NoError(t, err)
	policies = append(policies, custom, Policy{})

	for _, p := range policies {
		prev := Normal
		for d := time.Duration(0); d <= 100*time.Hour; d += 7 * time.Minute {
			got := Classify(d, p)
			require.GreaterOrEqual(t, got, prev, "elapsed=%s", d)
			require.Equal(t, got, Classify(d, p))
			prev = got
		}
	}
	require.Equal(t, Emergency, Classify(5*time.Hour, custom))
	require.Equal(t, Warning, Classify(4*time.Hour, custom))
}

func TestNewPolicyRejectsBadThresholds(t *testing.T) {
	t.Parallel()

	cases := map[string][]Threshold{
		"not increasing": {{Warning, 48 * time.Hour}, {Danger, 24 * time.Hour}},
		"duplicate":      {{Warning, time.Hour}, {Warning, 2 * time.Hour}},
		"zero":           {{Warning, 0}},
		"normal level":   {{Normal, time.Hour}},
	}
	for name, th := range cases {
		_, err := NewPolicy(th, nil, nil)
		require.Error(t, err, name)
	}
	_, err := NewPolicy(nil, map[Level]time.Duration{Emergency: -time.Hour}, nil)
	require.Error(t, err)
}

func TestPolicyAccessors(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	require.Equal(t, 6*time.Hour, p.RepeatInterval(Emergency))
	require.Zero(t, p.RepeatInterval(Warning))
	require.Equal(t, []string{TierPush, TierSMS}, p.Tiers(Danger))
	require.Equal(t, []string{TierPush, TierSMS, TierDispatch}, p.Tiers(Emergency))

	next, ok := p.NextCrossing(Warning)
	require.True(t, ok)
	require.Equal(t, 48*time.Hour, next)
	_, ok = p.NextCrossing(Emergency)
	require.False(t, ok)

	custom, err := NewPolicy(p.Thresholds(), nil, map[Level][]string{Warning: {TierSMS}})
	require.NoError(t, err)
	set := PolicySet{Default: p, Overrides: map[string]Policy{"s2": custom}}
	require.Equal(t, []string{TierSMS}, set.PolicyFor("s2").Tiers(Warning))
	require.Equal(t, 6*time.Hour, set.PolicyFor("s1").RepeatInterval(Emergency))
}
