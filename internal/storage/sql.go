package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
	logx "lifeguard/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements Backend on database/sql. Queries are written with '?'
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	dialect  string
	numbered bool
}

func newSQLStore(db *sql.DB, dialect string, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, log: log, dialect: dialect, numbered: dialect == "postgres"}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

// q rewrites '?' placeholders to $1..$n for postgres.
func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const upsertLiveness = `INSERT INTO liveness (subject_id, last_activity_at, source, received_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (subject_id) DO UPDATE SET
    last_activity_at = excluded.last_activity_at,
    source = excluded.source,
    received_at = excluded.received_at
WHERE excluded.last_activity_at > liveness.last_activity_at`

func (s *sqlStore) Update(ctx context.Context, subjectID string, at time.Time, src liveness.Source, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(upsertLiveness), subjectID, toNanos(at), string(src), toNanos(receivedAt))
	if err != nil {
		return false, unavailable("update liveness", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("update liveness", err)
	}
	return n > 0, nil
}

func (s *sqlStore) Get(ctx context.Context, subjectID string) (liveness.Record, bool, error) {
	var (
		at, recv int64
		src      string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT last_activity_at, source, received_at FROM liveness WHERE subject_id = ?`), subjectID).
		Scan(&at, &src, &recv)
	if errors.Is(err, sql.ErrNoRows) {
		return liveness.Record{}, false, nil
	}
	if err != nil {
		return liveness.Record{}, false, unavailable("get liveness", err)
	}
	return liveness.Record{SubjectID: subjectID, LastActivityAt: fromNanos(at), Source: liveness.Source(src), ReceivedAt: fromNanos(recv)}, true, nil
}

func (s *sqlStore) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id FROM liveness ORDER BY subject_id`)
	if err != nil {
		return nil, unavailable("list subjects", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("list subjects", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list subjects", err)
	}
	return out, nil
}

func (s *sqlStore) LoadState(ctx context.Context, k alert.Key) (alert.State, bool, error) {
	var (
		cur, lastLvl, count    int
		lastAt, episodeStarted int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT current_level, last_notified_level, last_notified_at, episode_started_at, notification_count
FROM alert_state WHERE subject_id = ? AND observer_id = ?`), k.SubjectID, k.ObserverID).
		Scan(&cur, &lastLvl, &lastAt, &episodeStarted, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.State{}, false, nil
	}
	if err != nil {
		return alert.State{}, false, unavailable("load alert state", err)
	}
	return alert.State{
		CurrentLevel:      alert.Level(cur),
		LastNotifiedLevel: alert.Level(lastLvl),
		LastNotifiedAt:    fromNanos(lastAt),
		EpisodeStartedAt:  fromNanos(episodeStarted),
		NotificationCount: count,
	}, true, nil
}

func (s *sqlStore) SaveState(ctx context.Context, k alert.Key, st alert.State) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO alert_state
    (subject_id, observer_id, current_level, last_notified_level, last_notified_at, episode_started_at, notification_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (subject_id, observer_id) DO UPDATE SET
    current_level = excluded.current_level,
    last_notified_level = excluded.last_notified_level,
    last_notified_at = excluded.last_notified_at,
    episode_started_at = excluded.episode_started_at,
    notification_count = excluded.notification_count`),
		k.SubjectID, k.ObserverID, int(st.CurrentLevel), int(st.LastNotifiedLevel),
		toNanos(st.LastNotifiedAt), toNanos(st.EpisodeStartedAt), st.NotificationCount)
	if err != nil {
		return unavailable("save alert state", err)
	}
	return nil
}

func (s *sqlStore) DeleteState(ctx context.Context, k alert.Key) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM alert_state WHERE subject_id = ? AND observer_id = ?`), k.SubjectID, k.ObserverID); err != nil {
		return unavailable("delete alert state", err)
	}
	return nil
}

func (s *sqlStore) Enqueue(ctx context.Context, e delivery.QueueEntry) (delivery.QueueEntry, error) {
	b, err := json.Marshal(e.Message)
	if err != nil {
		return e, fmt.Errorf("encode queued message: %w", err)
	}
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO offline_queue (id, observer_id, subject_id, reason, enqueued_at, retries, not_before, message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		e.ID, e.Message.ObserverID, e.Message.SubjectID, string(e.Reason), toNanos(e.EnqueuedAt), e.Retries, toNanos(e.NotBefore), string(b)).
		Scan(&e.Seq)
	if err != nil {
		return e, unavailable("enqueue", err)
	}
	return e, nil
}

func (s *sqlStore) Peek(ctx context.Context, limit int) ([]delivery.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT seq, id, reason, enqueued_at, retries, not_before, message FROM offline_queue ORDER BY seq LIMIT ?`), limit)
	if err != nil {
		return nil, unavailable("peek queue", err)
	}
	defer rows.Close()

	var out []delivery.QueueEntry
	for rows.Next() {
		var (
			e         delivery.QueueEntry
			reason    string
			enqueued  int64
			notBefore int64
			raw       string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &reason, &enqueued, &e.Retries, &notBefore, &raw); err != nil {
			return nil, unavailable("peek queue", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Message); err != nil {
			s.log.Error("undecodable queue entry skipped", logx.String("id", e.ID), logx.Err(err))
			continue
		}
		e.Reason = delivery.Reason(reason)
		e.EnqueuedAt = fromNanos(enqueued)
		e.NotBefore = fromNanos(notBefore)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("peek queue", err)
	}
	return out, nil
}

func (s *sqlStore) Defer(ctx context.Context, id string, retries int, notBefore time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE offline_queue SET retries = ?, not_before = ? WHERE id = ?`), retries, toNanos(notBefore), id); err != nil {
		return unavailable("defer queue entry", err)
	}
	return nil
}

func (s *sqlStore) Ack(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM offline_queue WHERE id = ?`), id); err != nil {
		return unavailable("ack queue entry", err)
	}
	return nil
}

func (s *sqlStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, unavailable("queue length", err)
	}
	return n, nil
}

func (s *sqlStore) HasPending(ctx context.Context, observerID, subjectID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM offline_queue WHERE observer_id = ? AND subject_id = ? AND reason <> ? LIMIT 1`),
		observerID, subjectID, string(delivery.ReasonExhaustedEmergency)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("queue lookup", err)
	}
	return true, nil
}

func (s *sqlStore) RecordAttempt(ctx context.Context, a delivery.Attempt) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO delivery_attempts
    (id, key, channel, payload, attempt_number, status, error, at, message_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Key, a.Channel, a.Payload, a.AttemptNumber, string(a.Status), nullStr(a.Error), toNanos(a.At), toNanos(a.MessageAt))
	if err != nil {
		return unavailable("record attempt", err)
	}
	return nil
}

const attemptColumns = `id, key, channel, payload, attempt_number, status, error, at, message_at`

func scanAttempt(sc interface{ Scan(...any) error }) (delivery.Attempt, error) {
	var (
		a         delivery.Attempt
		status    string
		errText   sql.NullString
		at, msgAt int64
	)
	if err := sc.Scan(&a.ID, &a.Key, &a.Channel, &a.Payload, &a.AttemptNumber, &status, &errText, &at, &msgAt); err != nil {
		return a, err
	}
	a.Status = delivery.AttemptStatus(status)
	a.Error = errText.String
	a.At = fromNanos(at)
	a.MessageAt = fromNanos(msgAt)
	return a, nil
}

func (s *sqlStore) LastSent(ctx context.Context, key string) (delivery.Attempt, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+attemptColumns+` FROM delivery_attempts
WHERE key = ? AND status = ? ORDER BY message_at DESC, at DESC LIMIT 1`), key, string(delivery.AttemptSent))
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Attempt{}, false, nil
	}
	if err != nil {
		return delivery.Attempt{}, false, unavailable("last sent attempt", err)
	}
	return a, true, nil
}

func (s *sqlStore) Attempts(ctx context.Context, key string) ([]delivery.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+attemptColumns+` FROM delivery_attempts WHERE key = ? ORDER BY at, attempt_number`), key)
	if err != nil {
		return nil, unavailable("list attempts", err)
	}
	defer rows.Close()
	var out []delivery.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, unavailable("list attempts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list attempts", err)
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
