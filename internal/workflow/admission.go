package workflow

import (
	"context"
	"sync"
	"time"
)

// MemoryAdmitter is an in-process Admitter. Ids are remembered for the
// retention window, or for the process lifetime when retention is zero.
type MemoryAdmitter struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	order     []admission
	retention time.Duration
	now       func() time.Time
}

type admission struct {
	id string
	at time.Time
}

// NewMemoryAdmitter returns an empty MemoryAdmitter.
func NewMemoryAdmitter(retention time.Duration) *MemoryAdmitter {
	return &MemoryAdmitter{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Admit records id and reports whether it was new.
func (a *MemoryAdmitter) Admit(_ context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expireLocked(now)

	if _, ok := a.seen[id]; ok {
		return false, nil
	}
	a.seen[id] = now
	a.order = append(a.order, admission{id: id, at: now})
	return true, nil
}

// Len returns the number of remembered ids.
func (a *MemoryAdmitter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// Prune forgets ids admitted before the given time.
func (a *MemoryAdmitter) Prune(_ context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pruneLocked(before), nil
}

func (a *MemoryAdmitter) expireLocked(now time.Time) {
	if a.retention <= 0 {
		return
	}
	a.pruneLocked(now.Add(-a.retention))
}

// pruneLocked relies on order being sorted by admission time.
func (a *MemoryAdmitter) pruneLocked(before time.Time) int64 {
	var n int64
	i := 0
	for ; i < len(a.order) && a.order[i].at.Before(before); i++ {
		delete(a.seen, a.order[i].id)
		n++
	}
	if i > 0 {
		a.order = append(a.order[:0:0], a.order[i:]...)
	}
	return n
}
