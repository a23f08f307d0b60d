// Package liveness validates incoming activity signals and defines the
// per-subject last-activity record.
package liveness

import (
	"context"
	"errors"
	"time"
)

type Source string

const (
	SourceHeartbeat Source = "heartbeat"
	SourceMotion    Source = "motion"
	SourceCheckin   Source = "manual-checkin"
)

func (s Source) Valid() bool {
	switch s {
	case SourceHeartbeat, SourceMotion, SourceCheckin:
		return true
	}
	return false
}

// Signal is one raw activity report from a device or user.
type Signal struct {
	SubjectID string
	Timestamp time.Time
	Source    Source
	Nonce     string
}

// Record is the last known activity of a subject.
type Record struct {
	SubjectID      string    `json:"subject_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Source         Source    `json:"source"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Store keeps one Record per subject. Update is a compare-and-swap on
// LastActivityAt: it writes only when lastActivityAt is strictly newer than
// the stored value (or no record exists) and reports whether it wrote.
type Store interface {
	Update(ctx context.Context, subjectID string, lastActivityAt time.Time, source Source, receivedAt time.Time) (bool, error)
	Get(ctx context.Context, subjectID string) (Record, bool, error)
}

var (
	ErrInvalidTimestamp = errors.New("liveness: timestamp too far in the future")
	ErrStaleSignal      = errors.New("liveness: stale signal")
	ErrRateLimited      = errors.New("liveness: rate limited")
	ErrInvalidSignal    = errors.New("liveness: invalid signal")
	ErrReplayedSignal   = errors.New("liveness: replayed nonce")
)
