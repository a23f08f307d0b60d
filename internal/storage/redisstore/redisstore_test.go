package redisstore

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeguard/internal/liveness"
	"lifeguard/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(Config{Addr: mr.Addr(), KeyPrefix: "test:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestUpdateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 123, time.UTC)

	ok, err := s.Update(ctx, "s1", at, liveness.SourceMotion, at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(ctx, "s1", at.Add(-time.Nanosecond), liveness.SourceHeartbeat, at)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Update(ctx, "s1", at, liveness.SourceHeartbeat, at)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Update(ctx, "s1", at.Add(time.Nanosecond), liveness.SourceCheckin, at)
	require.NoError(t, err)
	require.True(t, ok)

	rec, found, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.LastActivityAt.Equal(at.Add(time.Nanosecond)))
	assert.Equal(t, liveness.SourceCheckin, rec.Source)
	assert.Equal(t, string(liveness.SourceCheckin), mr.HGet("test:liveness:s1", "source"))
	assert.Equal(t, "01769932800000000124", mr.HGet("test:liveness:s1", "at"))
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, found, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, found)
}

func TestConcurrentUpdatesKeepNewest(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update(ctx, "s1", base.Add(time.Duration(i)*time.Minute), liveness.SourceMotion, base)
		}(i)
	}
	wg.Wait()

	rec, _, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, rec.LastActivityAt.Equal(base.Add(15*time.Minute)))
}

func TestSubjectsAndUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	now := time.Now()
	for _, id := range []string{"b", "a"} {
		_, err := s.Update(ctx, id, now, liveness.SourceHeartbeat, now)
		require.NoError(t, err)
	}
	ids, err := s.Subjects(ctx)
	require.NoError(t, err)
	sort.Strings(ids)
	require.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, s.Ping(ctx))

	mr.Close()
	_, _, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
}
