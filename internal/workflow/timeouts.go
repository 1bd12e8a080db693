package workflow

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// FireFunc is invoked by the Monitor once for every deadline that comes due.
type FireFunc func(messageID string, deadline time.Time)

// Monitor tracks armed deadlines in a min-heap and fires each exactly once
// from a single sweep goroutine. Arm and Disarm wake the sweep early.
type Monitor struct {
	mu    sync.Mutex
	queue deadlineHeap
	index map[string]*deadlineEntry
	wake  chan struct{}
	fire  FireFunc
	now   func() time.Time
}

type deadlineEntry struct {
	messageID string
	at        time.Time
	pos       int
}

// NewMonitor returns an idle Monitor. Call Run to start sweeping.
func NewMonitor(fire FireFunc, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		index: make(map[string]*deadlineEntry),
		wake:  make(chan struct{}, 1),
		fire:  fire,
		now:   now,
	}
}

// Arm registers a deadline for messageID. A record may hold only one armed
// deadline; arming twice is a PolicyViolation.
func (m *Monitor) Arm(messageID string, at time.Time) error {
	m.mu.Lock()
	if _, ok := m.index[messageID]; ok {
		m.mu.Unlock()
		return &PolicyViolation{MessageID: messageID, Rule: "deadline already armed"}
	}
	e := &deadlineEntry{messageID: messageID, at: at}
	heap.Push(&m.queue, e)
	m.index[messageID] = e
	m.mu.Unlock()

	m.signal()
	return nil
}

// Disarm removes the deadline for messageID. It reports whether one was armed.
func (m *Monitor) Disarm(messageID string) bool {
	m.mu.Lock()
	e, ok := m.index[messageID]
	if ok {
		heap.Remove(&m.queue, e.pos)
		delete(m.index, messageID)
	}
	m.mu.Unlock()

	if ok {
		m.signal()
	}
	return ok
}

// Armed returns the deadline currently armed for messageID.
func (m *Monitor) Armed(messageID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[messageID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of armed deadlines.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Drain removes and returns every armed message id.
func (m *Monitor) Drain() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.index))
	for id := range m.index {
		ids = append(ids, id)
	}
	m.queue = nil
	m.index = make(map[string]*deadlineEntry)
	return ids
}

// Run sweeps until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait, hasNext := m.popDue()
		for _, e := range due {
			m.fire(e.messageID, e.at)
		}

		var timerC <-chan time.Time
		if hasNext {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}

// popDue removes every entry at or before now and reports how long until the next.
func (m *Monitor) popDue() (due []*deadlineEntry, wait time.Duration, hasNext bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for m.queue.Len() > 0 && !m.queue[0].at.After(now) {
		e := heap.Pop(&m.queue).(*deadlineEntry) //nolint:errcheck // heap holds only *deadlineEntry
		delete(m.index, e.messageID)
		due = append(due, e)
	}
	if m.queue.Len() == 0 {
		return due, 0, false
	}
	return due, m.queue[0].at.Sub(now), true
}

func (m *Monitor) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// deadlineHeap orders entries by deadline, earliest first.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry) //nolint:errcheck // heap holds only *deadlineEntry
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
