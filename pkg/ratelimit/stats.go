package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Event is one admission decision
type Event struct {
	AccountID string
	Tier      string
	Allowed   bool
	At        time.Time
}

// Recorder receives admission decisions. Errors are logged, never acted on.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Counters holds allowed/denied totals
type Counters struct {
	Allowed int64
	Denied  int64
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// MemoryRecorder keeps counters in process. It never expires anything.
type MemoryRecorder struct {
	mu        sync.Mutex
	total     Counters
	byTier    map[string]Counters
	byAccount map[string]Counters
}

// NewMemoryRecorder creates an empty MemoryRecorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		byTier:    make(map[string]Counters),
		byAccount: make(map[string]Counters),
	}
}

func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total.add(ev.Allowed)

	c := m.byTier[ev.Tier]
	c.add(ev.Allowed)
	m.byTier[ev.Tier] = c

	a := m.byAccount[ev.AccountID]
	a.add(ev.Allowed)
	m.byAccount[ev.AccountID] = a
	return nil
}

func (m *MemoryRecorder) Total() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *MemoryRecorder) ByTier() map[string]Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Counters, len(m.byTier))
	for k, v := range m.byTier {
		out[k] = v
	}
	return out
}

func (m *MemoryRecorder) ByAccount(accountID string) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byAccount[accountID]
}
