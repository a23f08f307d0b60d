package alert

import (
	"fmt"
	"strings"
)

// Level is the severity of an inactivity episode. Levels are ordered, so
// comparisons like level > Warning read naturally.
type Level int

const (
	Normal Level = iota
	Warning
	Danger
	Emergency
)

// Levels lists every non-normal level in ascending order.
var Levels = []Level{Warning, Danger, Emergency}

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Danger:
		return "danger"
	case Emergency:
		return "emergency"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts a level name in any case, as written in the settings
// document and in templates.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "warning":
		return Warning, nil
	case "danger":
		return Danger, nil
	case "emergency":
		return Emergency, nil
	default:
		return Normal, fmt.Errorf("unknown alert level %q", s)
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
