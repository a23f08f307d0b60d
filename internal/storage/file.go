package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
	logx "lifeguard/pkg/logx"
)

// fileStore is the Memory backend made durable without a database.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// Reads are served from memory. Every mutation is applied in memory and then
// appended to the journal under one lock so the journal order matches the
// applied order.
type fileStore struct {
	*Memory
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalOp struct {
	Op      string               `json:"op"`
	Record  *liveness.Record     `json:"record,omitempty"`
	Key     *alert.Key           `json:"key,omitempty"`
	State   *alert.State         `json:"state,omitempty"`
	Entry   *delivery.QueueEntry `json:"entry,omitempty"`
	ID      string               `json:"id,omitempty"`
	Attempt *delivery.Attempt    `json:"attempt,omitempty"`
}

type stateRow struct {
	Key   alert.Key   `json:"key"`
	State alert.State `json:"state"`
}

type memSnapshot struct {
	Records  []liveness.Record             `json:"records"`
	States   []stateRow                    `json:"states"`
	Queue    []delivery.QueueEntry         `json:"queue"`
	NextSeq  int64                         `json:"next_seq"`
	Attempts map[string][]delivery.Attempt `json:"attempts"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		Memory:       NewMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) append(op journalOp) error {
	if s.journal == nil {
		return unavailable("journal", errors.New("file store closed"))
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return unavailable("journal", err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Update(ctx context.Context, subjectID string, at time.Time, src liveness.Source, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.Memory.Update(ctx, subjectID, at, src, receivedAt)
	if err != nil || !ok {
		return ok, err
	}
	rec := liveness.Record{SubjectID: subjectID, LastActivityAt: at, Source: src, ReceivedAt: receivedAt}
	return true, s.append(journalOp{Op: "liveness", Record: &rec})
}

func (s *fileStore) SaveState(ctx context.Context, k alert.Key, st alert.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.SaveState(ctx, k, st)
	return s.append(journalOp{Op: "state", Key: &k, State: &st})
}

func (s *fileStore) DeleteState(ctx context.Context, k alert.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.DeleteState(ctx, k)
	return s.append(journalOp{Op: "state_del", Key: &k})
}

func (s *fileStore) Enqueue(ctx context.Context, e delivery.QueueEntry) (delivery.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ = s.Memory.Enqueue(ctx, e)
	return e, s.append(journalOp{Op: "enqueue", Entry: &e})
}

func (s *fileStore) Defer(ctx context.Context, id string, retries int, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.Defer(ctx, id, retries, notBefore)
	return s.append(journalOp{Op: "defer", Entry: &delivery.QueueEntry{ID: id, Retries: retries, NotBefore: notBefore}})
}

func (s *fileStore) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.Ack(ctx, id)
	return s.append(journalOp{Op: "ack", ID: id})
}

func (s *fileStore) RecordAttempt(ctx context.Context, a delivery.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.RecordAttempt(ctx, a)
	return s.append(journalOp{Op: "attempt", Attempt: &a})
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.Memory.snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap memSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.Memory.restore(snap)
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		switch {
		case op.Op == "liveness" && op.Record != nil:
			r := op.Record
			_, _ = s.Memory.Update(ctx, r.SubjectID, r.LastActivityAt, r.Source, r.ReceivedAt)
		case op.Op == "state" && op.Key != nil && op.State != nil:
			_ = s.Memory.SaveState(ctx, *op.Key, *op.State)
		case op.Op == "state_del" && op.Key != nil:
			_ = s.Memory.DeleteState(ctx, *op.Key)
		case op.Op == "enqueue" && op.Entry != nil:
			s.Memory.restoreEntry(*op.Entry)
		case op.Op == "defer" && op.Entry != nil:
			_ = s.Memory.Defer(ctx, op.Entry.ID, op.Entry.Retries, op.Entry.NotBefore)
		case op.Op == "ack":
			_ = s.Memory.Ack(ctx, op.ID)
		case op.Op == "attempt" && op.Attempt != nil:
			_ = s.Memory.RecordAttempt(ctx, *op.Attempt)
		}
	}
	return sc.Err()
}

func (m *Memory) snapshot() memSnapshot {
	snap := memSnapshot{Attempts: map[string][]delivery.Attempt{}}
	for i := range m.live {
		sh := &m.live[i]
		sh.mu.Lock()
		for _, r := range sh.records {
			snap.Records = append(snap.Records, r)
		}
		sh.mu.Unlock()
	}
	for i := range m.state {
		sh := &m.state[i]
		sh.mu.Lock()
		for k, st := range sh.states {
			snap.States = append(snap.States, stateRow{Key: k, State: st})
		}
		sh.mu.Unlock()
	}
	m.qmu.Lock()
	snap.Queue = append(snap.Queue, m.queue...)
	snap.NextSeq = m.nextSeq
	m.qmu.Unlock()
	m.amu.Lock()
	for k, v := range m.attempts {
		snap.Attempts[k] = append([]delivery.Attempt(nil), v...)
	}
	m.amu.Unlock()
	return snap
}

func (m *Memory) restore(snap memSnapshot) {
	ctx := context.Background()
	for _, r := range snap.Records {
		_, _ = m.Update(ctx, r.SubjectID, r.LastActivityAt, r.Source, r.ReceivedAt)
	}
	for _, row := range snap.States {
		_ = m.SaveState(ctx, row.Key, row.State)
	}
	m.qmu.Lock()
	m.queue = append(m.queue[:0], snap.Queue...)
	m.nextSeq = snap.NextSeq
	m.qmu.Unlock()
	m.amu.Lock()
	for k, v := range snap.Attempts {
		m.attempts[k] = v
	}
	m.amu.Unlock()
}

// restoreEntry re-adds a journaled entry keeping its original Seq.
func (m *Memory) restoreEntry(e delivery.QueueEntry) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	m.queue = append(m.queue, e)
	if e.Seq > m.nextSeq {
		m.nextSeq = e.Seq
	}
}
