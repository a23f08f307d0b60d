package alert

import "time"

// Classify returns the highest level whose threshold elapsed has met, else Normal.
func Classify(elapsed time.Duration, p Policy) Level {
	for i := len(p.thresholds) - 1; i >= 0; i-- {
		if elapsed >= p.thresholds[i].After {
			return p.thresholds[i].Level
		}
	}
	return Normal
}
