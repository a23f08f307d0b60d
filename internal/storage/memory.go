package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
)

const memShards = 16

type livenessShard struct {
	mu      sync.Mutex
	records map[string]liveness.Record
}

type stateShard struct {
	mu     sync.Mutex
	states map[alert.Key]alert.State
}

// Memory is the in-process backend. Liveness and alert state are sharded by
// key so unrelated subjects never share a lock.
type Memory struct {
	live  [memShards]livenessShard
	state [memShards]stateShard

	qmu     sync.Mutex
	queue   []delivery.QueueEntry
	nextSeq int64

	amu      sync.Mutex
	attempts map[string][]delivery.Attempt
}

func NewMemory() *Memory {
	m := &Memory{attempts: map[string][]delivery.Attempt{}}
	for i := range m.live {
		m.live[i].records = map[string]liveness.Record{}
		m.state[i].states = map[alert.Key]alert.State{}
	}
	return m
}

func shardOf(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum32() % memShards
}

func (m *Memory) Update(_ context.Context, subjectID string, at time.Time, src liveness.Source, receivedAt time.Time) (bool, error) {
	sh := &m.live[shardOf(subjectID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.records[subjectID]; ok && !at.After(cur.LastActivityAt) {
		return false, nil
	}
	sh.records[subjectID] = liveness.Record{SubjectID: subjectID, LastActivityAt: at, Source: src, ReceivedAt: receivedAt}
	return true, nil
}

func (m *Memory) Get(_ context.Context, subjectID string) (liveness.Record, bool, error) {
	sh := &m.live[shardOf(subjectID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.records[subjectID]
	return r, ok, nil
}

func (m *Memory) Subjects(context.Context) ([]string, error) {
	var out []string
	for i := range m.live {
		sh := &m.live[i]
		sh.mu.Lock()
		for id := range sh.records {
			out = append(out, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) LoadState(_ context.Context, k alert.Key) (alert.State, bool, error) {
	sh := &m.state[shardOf(k.SubjectID, k.ObserverID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[k]
	return st, ok, nil
}

func (m *Memory) SaveState(_ context.Context, k alert.Key, st alert.State) error {
	sh := &m.state[shardOf(k.SubjectID, k.ObserverID)]
	sh.mu.Lock()
	sh.states[k] = st
	sh.mu.Unlock()
	return nil
}

func (m *Memory) DeleteState(_ context.Context, k alert.Key) error {
	sh := &m.state[shardOf(k.SubjectID, k.ObserverID)]
	sh.mu.Lock()
	delete(sh.states, k)
	sh.mu.Unlock()
	return nil
}

func (m *Memory) Enqueue(_ context.Context, e delivery.QueueEntry) (delivery.QueueEntry, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	m.nextSeq++
	e.Seq = m.nextSeq
	m.queue = append(m.queue, e)
	return e, nil
}

func (m *Memory) Peek(_ context.Context, limit int) ([]delivery.QueueEntry, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	n := len(m.queue)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]delivery.QueueEntry(nil), m.queue[:n]...), nil
}

func (m *Memory) Defer(_ context.Context, id string, retries int, notBefore time.Time) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	for i := range m.queue {
		if m.queue[i].ID == id {
			m.queue[i].Retries = retries
			m.queue[i].NotBefore = notBefore
			return nil
		}
	}
	return nil
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	for i, e := range m.queue {
		if e.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return len(m.queue), nil
}

func (m *Memory) HasPending(_ context.Context, observerID, subjectID string) (bool, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	for _, e := range m.queue {
		if e.Reason == delivery.ReasonExhaustedEmergency {
			continue
		}
		if e.Message.ObserverID == observerID && e.Message.SubjectID == subjectID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RecordAttempt(_ context.Context, a delivery.Attempt) error {
	m.amu.Lock()
	m.attempts[a.Key] = append(m.attempts[a.Key], a)
	m.amu.Unlock()
	return nil
}

func (m *Memory) LastSent(_ context.Context, key string) (delivery.Attempt, bool, error) {
	m.amu.Lock()
	defer m.amu.Unlock()
	list := m.attempts[key]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == delivery.AttemptSent {
			return list[i], true, nil
		}
	}
	return delivery.Attempt{}, false, nil
}

func (m *Memory) Attempts(_ context.Context, key string) ([]delivery.Attempt, error) {
	m.amu.Lock()
	defer m.amu.Unlock()
	return append([]delivery.Attempt(nil), m.attempts[key]...), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
