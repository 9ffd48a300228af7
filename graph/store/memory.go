package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// It holds node records and build history in maps. Designed for:
//   - Testing and development
//   - Single-process builds where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for sharing memo tables across hosts
//
// For durable persistence use SQLiteStore or MySQLStore.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]EntryRecord
	builds  []BuildRecord
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	eng, _ := graph.New(graph.WithStore(st))
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]EntryRecord),
	}
}

// SaveEntry persists a node record, overwriting any previous record for the
// same key.
func (m *MemStore) SaveEntry(_ context.Context, rec EntryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[rec.Key] = rec
	return nil
}

// LoadEntry retrieves the record for a key, or ErrNotFound.
func (m *MemStore) LoadEntry(_ context.Context, key string) (EntryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.entries[key]
	if !ok {
		return EntryRecord{}, ErrNotFound
	}
	return rec, nil
}

// LoadAll retrieves every persisted node record.
func (m *MemStore) LoadAll(_ context.Context) ([]EntryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]EntryRecord, 0, len(m.entries))
	for _, rec := range m.entries {
		records = append(records, rec)
	}
	return records, nil
}

// SaveBuild appends a build record to the history.
func (m *MemStore) SaveBuild(_ context.Context, rec BuildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.builds = append(m.builds, rec)
	return nil
}

// LoadLatestBuild returns the build with the most recent FinishedAt.
func (m *MemStore) LoadLatestBuild(_ context.Context) (BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.builds) == 0 {
		return BuildRecord{}, ErrNotFound
	}

	latest := m.builds[0]
	for _, rec := range m.builds[1:] {
		if rec.FinishedAt.After(latest.FinishedAt) {
			latest = rec
		}
	}
	return latest, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}
