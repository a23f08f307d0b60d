package delivery

import (
	"context"
	"time"

	"lifeguard/internal/alert"
)

// Contact is the addressable identity of a subject or observer.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// Recipient is what a channel needs to address one notification.
type Recipient struct {
	Observer Contact     `json:"observer"`
	Subject  Contact     `json:"subject"`
	Level    alert.Level `json:"level"`
}

// Channel is one transport. Send returns nil only when the transport accepted
// the message. Errors wrapping ErrUnreachable signal lost connectivity;
// errors marked Permanent are not retried.
type Channel interface {
	Name() string
	Send(ctx context.Context, to Recipient, text string) error
}

// Message is one notification decided for a (subject, observer) pair.
type Message struct {
	Key              string        `json:"key"`
	// Sequence is the episode's notification count for an escalation, so a
	// later escalation to the same level in one episode gets its own key.
	// Repeats leave it zero and rely on DedupWindow.
	Sequence         int           `json:"sequence,omitempty"`
	ObserverID       string        `json:"observer_id"`
	SubjectID        string        `json:"subject_id"`
	Level            alert.Level   `json:"level"`
	EpisodeStartedAt time.Time     `json:"episode_started_at"`
	Text             string        `json:"text"`
	Tiers            []string      `json:"tiers"`
	DedupWindow      time.Duration `json:"dedup_window"`
	To               Recipient     `json:"to"`
	CreatedAt        time.Time     `json:"created_at"`
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusQueued    Status = "queued"
	StatusDuplicate Status = "duplicate"
	StatusExhausted Status = "exhausted"
)

type Result struct {
	Key      string
	Status   Status
	Channel  string
	Attempts int
}

type AttemptStatus string

const (
	AttemptUnreachable AttemptStatus = "unreachable"
	AttemptSent        AttemptStatus = "sent"
	AttemptFailed      AttemptStatus = "failed"
	AttemptExhausted   AttemptStatus = "exhausted"
)

// Attempt is the audit record of one send try.
type Attempt struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	Channel       string        `json:"channel"`
	Payload       string        `json:"payload"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
	// MessageAt is the CreatedAt of the message this attempt carried.
	MessageAt time.Time `json:"message_at"`
}

// AttemptLog stores attempts. LastSent returns the newest sent attempt for key.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	LastSent(ctx context.Context, key string) (Attempt, bool, error)
	Attempts(ctx context.Context, key string) ([]Attempt, error)
}

type Reason string

const (
	ReasonUnreachable        Reason = "unreachable"
	ReasonExhaustedEmergency Reason = "exhausted-emergency"
	ReasonOrdered            Reason = "ordered"
)

// QueueEntry is one message waiting in the offline queue.
type QueueEntry struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Reason     Reason    `json:"reason"`
	// Retries counts flush passes that did not deliver the entry.
	Retries int `json:"retries"`
	// NotBefore holds the entry back from flushing until then.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Queue is the durable offline queue. Enqueue assigns Seq; Peek returns the
// oldest entries in Seq order. Defer updates an entry in place, keeping its
// position. HasPending ignores ReasonExhaustedEmergency entries: they do not
// hold back the pair's later messages.
type Queue interface {
	Enqueue(ctx context.Context, e QueueEntry) (QueueEntry, error)
	Peek(ctx context.Context, limit int) ([]QueueEntry, error)
	Defer(ctx context.Context, id string, retries int, notBefore time.Time) error
	Ack(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	HasPending(ctx context.Context, observerID, subjectID string) (bool, error)
}
