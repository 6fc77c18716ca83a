package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	task       Task
	due        time.Time
	inflight   bool
	deadline   time.Time
	receipt    string
	deliveries int
	seq        uint64
}

// Memory is an in-process Queue with the same semantics as the Redis one.
type Memory struct {
	mu         sync.Mutex
	visibility time.Duration
	now        func() time.Time
	seq        uint64
	entries    map[string]map[string]*memEntry
}

// NewMemory returns an empty queue with the given visibility timeout.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		visibility: visibility,
		now:        time.Now,
		entries:    make(map[string]map[string]*memEntry),
	}
}

// SetClock replaces the queue clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Enqueue(_ context.Context, task Task, delay time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := m.entries[task.Type]
	if byKey == nil {
		byKey = make(map[string]*memEntry)
		m.entries[task.Type] = byKey
	}
	if _, ok := byKey[task.Key]; ok {
		return false, nil
	}
	m.seq++
	byKey[task.Key] = &memEntry{
		task: Task{Type: task.Type, Key: task.Key, Payload: append([]byte(nil), task.Payload...)},
		due:  m.now().Add(delay),
		seq:  m.seq,
	}
	return true, nil
}

func (m *Memory) Consume(_ context.Context, taskType string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*memEntry
	for _, e := range m.entries[taskType] {
		if e.inflight && !now.Before(e.deadline) {
			e.inflight = false
			e.receipt = ""
			e.due = now
		}
		if !e.inflight && !now.Before(e.due) {
			ready = append(ready, e)
		}
	}
	if len(ready) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].due.Equal(ready[j].due) {
			return ready[i].seq < ready[j].seq
		}
		return ready[i].due.Before(ready[j].due)
	})

	e := ready[0]
	e.inflight = true
	e.deadline = now.Add(m.visibility)
	e.receipt = uuid.NewString()
	e.deliveries++
	return &Delivery{Task: e.task, Deliveries: e.deliveries, Receipt: e.receipt}, nil
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(d)
	if err != nil {
		return err
	}
	delete(m.entries[d.Task.Type], e.task.Key)
	return nil
}

func (m *Memory) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(d)
	if err != nil {
		return err
	}
	e.inflight = false
	e.receipt = ""
	e.due = m.now().Add(delay)
	return nil
}

// Len returns the number of queued or in-flight tasks of taskType.
func (m *Memory) Len(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[taskType])
}

func (m *Memory) leased(d *Delivery) (*memEntry, error) {
	e, ok := m.entries[d.Task.Type][d.Task.Key]
	if !ok || !e.inflight || e.receipt != d.Receipt {
		return nil, ErrLeaseLost
	}
	return e, nil
}
