// Package channels holds the delivery transports: Telegram push, an HTTP SMS
// gateway, the emergency dispatch report and a log-only channel.
//
// Channels make one attempt per Send. Retries, pacing and fallthrough belong
// to the dispatcher, so every error here is classified instead of retried:
//   - no connectivity (dial or DNS failure) wraps delivery.ErrUnreachable
//   - rejected requests (4xx, unknown chat) are delivery.Permanent
//   - anything else (5xx, 429, timeouts) is a plain error and is retried
package channels
