package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveryFailed wraps a single failed attempt.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrDeliveryExhausted means every tier failed.
	ErrDeliveryExhausted = errors.New("delivery exhausted")
	// ErrUnreachable means the transport has no connectivity.
	ErrUnreachable = errors.New("transport unreachable")
	// ErrUnknownChannel is returned for a tier with no configured channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Permanent marks a channel error as not worth retrying on the same tier
// (bad recipient, rejected payload).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Unreachable wraps err so it matches ErrUnreachable.
func Unreachable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}
