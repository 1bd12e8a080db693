// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/herald/internal/workflow"
)

// Store holds workflow records in memory. Suitable for dev/testing; records
// do not survive a restart.
type Store struct {
	mu      sync.RWMutex
	records map[string]*workflow.Record // message ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*workflow.Record)}
}

// Get retrieves a record by message ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*workflow.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Put stores a copy of the record.
func (s *Store) Put(_ context.Context, r *workflow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.MessageID] = r.Clone()
	return nil
}

// ListActive returns copies of every non-terminal record, oldest first.
func (s *Store) ListActive(_ context.Context) ([]*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Record
	for _, r := range s.records {
		if !r.Status.Terminal() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// List returns copies of the most recent records, newest first, optionally
// filtered by status.
func (s *Store) List(_ context.Context, status workflow.Status, limit int) ([]*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Record, 0, len(s.records))
	for _, r := range s.records {
		if status == "" || r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
