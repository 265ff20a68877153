package history

import (
	"container/list"
	"context"
	"sync"

	"github.com/n0madic/go-studioproxy/internal/acquire"
)

// Memory is a bounded in-process store. The oldest record is evicted once
// capacity is reached.
type Memory struct {
	mu       sync.Mutex
	records  *list.List
	capacity int
}

// NewMemory creates a ring holding at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{records: list.New(), capacity: capacity}
}

// Add implements Store.
func (m *Memory) Add(_ context.Context, r Record) error {
	r.Attempts = append([]acquire.Attempt(nil), r.Attempts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.PushFront(r)
	for m.records.Len() > m.capacity {
		m.records.Remove(m.records.Back())
	}
	return nil
}

// Recent implements Store.
func (m *Memory) Recent(_ context.Context, n int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.records.Len() {
		n = m.records.Len()
	}
	out := make([]Record, 0, n)
	for e := m.records.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(Record))
	}
	return out, nil
}

// Len returns the number of retained records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records.Len()
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
