package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by explicit Advance calls. Due tasks run
// synchronously on the goroutine calling Advance, in due-time order.
type Manual struct {
	mu    sync.Mutex
	now   time.Duration
	seq   uint64
	tasks map[uint64]*manualTask
}

type manualTask struct {
	id    uint64
	at    time.Duration
	every time.Duration
	fn    func()
}

// NewManual returns a Manual scheduler at virtual time zero.
func NewManual() *Manual {
	return &Manual{tasks: make(map[uint64]*manualTask)}
}

func (m *Manual) After(d time.Duration, fn func()) Handle {
	return m.add(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Handle {
	if d <= 0 {
		d = time.Nanosecond
	}
	return m.add(d, d, fn)
}

func (m *Manual) add(d, every time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{id: m.seq, at: m.now + d, every: every, fn: fn}
	m.tasks[t.id] = t
	return &manualHandle{m: m, id: t.id}
}

// Advance moves virtual time forward by d, running every task that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		if next.every > 0 {
			next.at += next.every
		} else {
			delete(m.tasks, next.id)
		}
		fn := next.fn
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) nextDue(target time.Duration) *manualTask {
	due := make([]*manualTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.at <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at == due[j].at {
			return due[i].id < due[j].id
		}
		return due[i].at < due[j].at
	})
	return due[0]
}

// Pending returns the number of live tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type manualHandle struct {
	m  *Manual
	id uint64
}

func (h *manualHandle) Cancel() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if _, ok := h.m.tasks[h.id]; !ok {
		return false
	}
	delete(h.m.tasks, h.id)
	return true
}
