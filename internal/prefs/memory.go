package prefs

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process [Store]. Records do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, participant string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[participant]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Put implements [Store].
func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now()
	m.records[rec.Participant] = rec
	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, participant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, participant)
	return nil
}
