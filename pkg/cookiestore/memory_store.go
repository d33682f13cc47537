package cookiestore

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process. Error fields let tests inject failures.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	SaveError   error
	LoadError   error
	DeleteError error
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	if err := rec.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.AccountID] = rec.clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, accountID string) (*Record, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, accountID string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, accountID)
	return nil
}

// Len returns the number of stored records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
