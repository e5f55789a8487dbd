// Package queue provides in-process and Redis implementations of delivery.Queue.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/bissquit/campaign-relay/internal/delivery"
)

// DefaultLockTimeout bounds how long a claimed unit stays invisible.
const DefaultLockTimeout = 2 * time.Minute

// Memory is a delay queue held in process memory. Units do not survive a restart.
type Memory struct {
	mu          sync.Mutex
	ready       unitHeap
	claimed     map[string]claim
	lockTimeout time.Duration
}

type claim struct {
	unit  delivery.Unit
	until time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory(lockTimeout time.Duration) *Memory {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Memory{
		claimed:     make(map[string]claim),
		lockTimeout: lockTimeout,
	}
}

// Enqueue stores a copy of unit.
func (m *Memory) Enqueue(_ context.Context, unit *delivery.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	heap.Push(&m.ready, *unit)
	return nil
}

// FetchDue claims up to limit units due at now, earliest first.
func (m *Memory) FetchDue(_ context.Context, now time.Time, limit int) ([]*delivery.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.claimed {
		if !c.until.After(now) {
			delete(m.claimed, id)
			heap.Push(&m.ready, c.unit)
		}
	}

	var units []*delivery.Unit
	for len(units) < limit && m.ready.Len() > 0 && !m.ready[0].NotBefore.After(now) {
		u := heap.Pop(&m.ready).(delivery.Unit)
		m.claimed[u.ID] = claim{unit: u, until: now.Add(m.lockTimeout)}
		units = append(units, &u)
	}
	return units, nil
}

// Ack forgets a unit, including a copy re-queued after its claim lapsed.
func (m *Memory) Ack(_ context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claimed, unitID)
	m.removeReady(unitID)
	return nil
}

// Retry moves a claimed unit back to the ready set at notBefore.
func (m *Memory) Retry(_ context.Context, unit *delivery.Unit, cause error, notBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claimed, unit.ID)
	m.removeReady(unit.ID)
	u := *unit
	u.Attempts++
	u.NotBefore = notBefore
	if cause != nil {
		u.LastError = cause.Error()
	}
	heap.Push(&m.ready, u)
	return nil
}

// Depth counts ready and claimed units.
func (m *Memory) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(m.ready.Len() + len(m.claimed)), nil
}

func (m *Memory) removeReady(unitID string) {
	for i := range m.ready {
		if m.ready[i].ID == unitID {
			heap.Remove(&m.ready, i)
			return
		}
	}
}

// unitHeap orders units by NotBefore.
type unitHeap []delivery.Unit

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *unitHeap) Push(x any) { *h = append(*h, x.(delivery.Unit)) }

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	*h = old[:n-1]
	return u
}
