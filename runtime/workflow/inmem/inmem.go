// Package inmem provides an in-memory implementation of workflow.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/weave/runtime/workflow"
)

// Store implements workflow.Store in memory. Snapshots are deep-copied on
// both write and read so callers never share run state with the store.
type Store struct {
	mu   sync.Mutex
	runs map[string]*workflow.Run
}

var _ workflow.Store = (*Store)(nil)

// New returns a new in-memory run store.
func New() *Store {
	return &Store{runs: make(map[string]*workflow.Run)}
}

// SaveRun implements workflow.Store.
func (s *Store) SaveRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements workflow.Store.
func (s *Store) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return run.Clone(), nil
}

// ListActive implements workflow.Store. Runs come back oldest first so
// recovery resumes parents before the children they spawned.
func (s *Store) ListActive(_ context.Context) ([]*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*workflow.Run
	for _, run := range s.runs {
		if !run.Terminal() {
			active = append(active, run.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].StartedAt.Before(active[j].StartedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}
