package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
)

// ErrStoreUnavailable wraps every failure of the underlying database.
// Callers treat it as "try again next cycle".
var ErrStoreUnavailable = errors.New("store unavailable")

type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

type Backend interface {
	liveness.Store
	alert.StateStore
	delivery.Queue
	delivery.AttemptLog

	// Subjects lists every subject with a liveness record.
	Subjects(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
