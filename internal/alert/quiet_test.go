package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuietHoursWrapMidnight(t *testing.T) {
	t.Parallel()

	q, err := ParseQuietHours("22:00", "07:00", time.UTC)
	require.NoError(t, err)

	day := func(h, m int) time.Time { return time.Date(2026, 5, 10, h, m, 0, 0, time.UTC) }
	require.True(t, q.Contains(day(23, 0)))
	require.True(t, q.Contains(day(2, 30)))
	require.False(t, q.Contains(day(7, 0)))
	require.False(t, q.Contains(day(12, 0)))
	require.True(t, q.Contains(day(22, 0)))

	require.Equal(t, day(7, 0).AddDate(0, 0, 1), q.End(day(23, 15)))
	require.Equal(t, day(7, 0), q.End(day(3, 0)))
	require.Equal(t, day(12, 0), q.End(day(12, 0)))
}

func TestQuietHoursSameDay(t *testing.T) {
	t.Parallel()

	q, err := ParseQuietHours("13:00", "14:30", time.UTC)
	require.NoError(t, err)
	require.True(t, q.Contains(time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC)))
	require.False(t, q.Contains(time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)))
}

func TestParseQuietHoursErrors(t *testing.T) {
	t.Parallel()

	q, err := ParseQuietHours("", "", nil)
	require.NoError(t, err)
	require.False(t, q.Enabled())
	require.False(t, q.Contains(time.Now()))

	for _, pair := range [][2]string{{"25:00", "07:00"}, {"22:00", "7"}, {"08:00", "08:00"}, {"22:00", ""}} {
		_, err := ParseQuietHours(pair[0], pair[1], time.UTC)
		require.Error(t, err, "%v", pair)
	}
}
