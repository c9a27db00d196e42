package taskstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Expired records are dropped lazily and by Prune.
type Memory struct {
	mu        sync.Mutex
	records   map[string]Record
	retention time.Duration
	clock     func() time.Time
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		records:   make(map[string]Record),
		retention: retention,
		clock:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[rec.JobID]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	rec = stamp(rec, m.clock(), m.retention)
	rec.Audio = append([]byte(nil), rec.Audio...)
	m.records[rec.JobID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !m.clock().Before(rec.ExpiresAt) {
		delete(m.records, jobID)
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Prune(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for id, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
