package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a daily window during which non-emergency notifications wait.
// Start after End wraps midnight ("22:00"-"07:00"). The zero value is disabled.
type QuietHours struct {
	start, end int // minutes since midnight
	enabled    bool
	loc        *time.Location
}

// ParseQuietHours parses "HH:MM" bounds. Empty bounds disable quiet hours.
func ParseQuietHours(start, end string, loc *time.Location) (QuietHours, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours end: %w", err)
	}
	if s == e {
		return QuietHours{}, fmt.Errorf("quiet hours start and end are equal (%s)", start)
	}
	if loc == nil {
		loc = time.Local
	}
	return QuietHours{start: s, end: e, enabled: true, loc: loc}, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return hh*60 + mm, nil
}

func (q QuietHours) Enabled() bool { return q.enabled }

func (q QuietHours) Contains(t time.Time) bool {
	if !q.enabled {
		return false
	}
	t = t.In(q.loc)
	m := t.Hour()*60 + t.Minute()
	if q.start < q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}

// End returns the first instant at or after t that is outside the window.
func (q QuietHours) End(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}
	lt := t.In(q.loc)
	end := time.Date(lt.Year(), lt.Month(), lt.Day(), q.end/60, q.end%60, 0, 0, q.loc)
	if !end.After(lt) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
