package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
	logx "lifeguard/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, "postgres", logx.Nop()), mock
}

func TestPostgresRebindsPlaceholders(t *testing.T) {
	t.Parallel()

	s, _ := newMockPostgres(t)
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := newSQLStore(nil, "sqlite", logx.Nop())
	require.Equal(t, "x = ?", lite.q("x = ?"))
}

func TestPostgresUpdateIsConditionalUpsert(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgres(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO liveness (subject_id, last_activity_at, source, received_at)\nVALUES ($1, $2, $3, $4)")).
		WithArgs("s1", at.UnixNano(), "heartbeat", at.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE excluded.last_activity_at > liveness.last_activity_at")).
		WithArgs("s1", at.UnixNano(), "heartbeat", at.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Update(context.Background(), "s1", at, liveness.SourceHeartbeat, at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(context.Background(), "s1", at, liveness.SourceHeartbeat, at)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissingAndFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM liveness WHERE subject_id = $1")).
		WithArgs("s1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM liveness WHERE subject_id = $1")).
		WithArgs("s2").
		WillReturnError(errors.New("connection reset by peer"))

	_, found, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, found)

	_, _, err = s.Get(context.Background(), "s2")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnqueueReturnsSeq(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO offline_queue (id, observer_id, subject_id, reason, enqueued_at, retries, not_before, message)\nVALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq")).
		WithArgs("e1", "o1", "s1", "unreachable", sqlmock.AnyArg(), int64(0), int64(0), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(41)))

	e, err := s.Enqueue(context.Background(), delivery.QueueEntry{
		ID:         "e1",
		Reason:     delivery.ReasonUnreachable,
		EnqueuedAt: time.Now(),
		Message:    delivery.Message{ObserverID: "o1", SubjectID: "s1", Level: alert.Warning},
	})
	require.NoError(t, err)
	require.Equal(t, int64(41), e.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadState(t *testing.T) {
	t.Parallel()

	s, mock := newMockPostgres(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM alert_state WHERE subject_id = $1 AND observer_id = $2")).
		WithArgs("s1", "o1").
		WillReturnRows(sqlmock.NewRows([]string{"current_level", "last_notified_level", "last_notified_at", "episode_started_at", "notification_count"}).
			AddRow(3, 3, at.UnixNano(), at.Add(-72*time.Hour).UnixNano(), 4))

	st, found, err := s.LoadState(context.Background(), alert.Key{SubjectID: "s1", ObserverID: "o1"})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, alert.Emergency, st.CurrentLevel)
	require.Equal(t, 4, st.NotificationCount)
	require.True(t, st.LastNotifiedAt.Equal(at))
	require.NoError(t, mock.ExpectationsWereMet())
}
