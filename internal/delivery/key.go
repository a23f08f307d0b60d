package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"lifeguard/internal/alert"
)

// IdempotencyKey hashes the (observer, subject, level, episode) tuple. A
// non-zero seq tells escalations to the same level within one episode apart.
func IdempotencyKey(observerID, subjectID string, level alert.Level, episodeStartedAt time.Time, seq int) string {
	h := sha256.New()
	_, _ = h.Write([]byte(observerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subjectID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(level.String()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(episodeStartedAt.UTC().UnixNano(), 10)))
	if seq > 0 {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.Itoa(seq)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
