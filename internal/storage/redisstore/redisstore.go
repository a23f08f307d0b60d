// Package redisstore keeps liveness records in Redis so several engine
// instances and ingest gateways can share them. The compare-and-set on
// last activity runs as a Lua script, so it is atomic per subject.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"lifeguard/internal/liveness"
	"lifeguard/internal/storage"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Store struct {
	rdb    *redis.Client
	prefix string
}

// Timestamps are stored as fixed-width decimal nanoseconds so the script can
// compare them as strings (Lua numbers lose precision above 2^53).
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'at')
if cur and cur >= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'at', ARGV[1], 'source', ARGV[2], 'recv', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

func New(cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "lifeguard:"
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
	}
}

func (s *Store) key(subjectID string) string { return s.prefix + "liveness:" + subjectID }
func (s *Store) setKey() string              { return s.prefix + "subjects" }

func encodeTime(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }

func decodeTime(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func (s *Store) Update(ctx context.Context, subjectID string, at time.Time, src liveness.Source, receivedAt time.Time) (bool, error) {
	n, err := casScript.Run(ctx, s.rdb, []string{s.key(subjectID), s.setKey()},
		encodeTime(at), string(src), encodeTime(receivedAt), subjectID).Int()
	if err != nil {
		return false, fmt.Errorf("redis update liveness: %w: %w", storage.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, subjectID string) (liveness.Record, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(subjectID)).Result()
	if err != nil {
		return liveness.Record{}, false, fmt.Errorf("redis get liveness: %w: %w", storage.ErrStoreUnavailable, err)
	}
	if len(vals) == 0 {
		return liveness.Record{}, false, nil
	}
	at, err := decodeTime(vals["at"])
	if err != nil {
		return liveness.Record{}, false, fmt.Errorf("redis liveness %s: bad timestamp %q", subjectID, vals["at"])
	}
	recv, _ := decodeTime(vals["recv"])
	return liveness.Record{SubjectID: subjectID, LastActivityAt: at, Source: liveness.Source(vals["source"]), ReceivedAt: recv}, true, nil
}

// Subjects lists every subject that has reported at least once.
func (s *Store) Subjects(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list subjects: %w: %w", storage.ErrStoreUnavailable, err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w: %w", storage.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error { return s.rdb.Close() }
