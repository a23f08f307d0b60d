package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	require.Equal(t, start, f.Now())
	require.Equal(t, start.Add(90*time.Minute), f.Advance(90*time.Minute))
	require.Equal(t, start.Add(90*time.Minute), f.Now())

	f.Set(start)
	require.Equal(t, start, f.Now())
}

func TestOrReal(t *testing.T) {
	t.Parallel()

	require.IsType(t, Real{}, OrReal(nil))
	f := &Fake{}
	require.Same(t, f, OrReal(f))
	require.Equal(t, time.Unix(0, 0).UTC(), f.Now())
}
