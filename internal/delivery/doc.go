// Package delivery sends alert messages through ordered channel tiers.
//
// A Message names its tiers (push, sms, dispatch). Each tier is tried with
// bounded retries and jittered exponential backoff; a tier that exhausts its
// retries falls through to the next one. Every attempt is written to an
// AttemptLog, which also backs idempotency: a message whose key already has a
// sent attempt inside its dedup window is not resent.
//
// A channel error wrapping ErrUnreachable means the transport is offline.
// The message then goes to the durable offline Queue and is sent by Flush,
// in FIFO order, once connectivity returns. Only one Flush drains at a time.
package delivery
