// Package inmem provides an in-memory implementation of stream.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
)

type (
	// Store implements stream.Store in memory.
	Store struct {
		mu       sync.Mutex
		counters map[string]stream.Counters
		// persisted rows per stream, keyed by seq for idempotent insert.
		events map[string]map[uint64]*event.Event
		traces map[string]map[uint64]*event.TraceEvent
		// write-ahead windows per stream.
		pendingEvents map[string][]*event.Event
		pendingTraces map[string][]*event.TraceEvent
	}
)

var _ stream.Store = (*Store)(nil)

// New returns a new in-memory stream store.
func New() *Store {
	return &Store{
		counters:      make(map[string]stream.Counters),
		events:        make(map[string]map[uint64]*event.Event),
		traces:        make(map[string]map[uint64]*event.TraceEvent),
		pendingEvents: make(map[string][]*event.Event),
		pendingTraces: make(map[string][]*event.TraceEvent),
	}
}

// LoadCounters implements stream.Store.
func (s *Store) LoadCounters(_ context.Context, streamID string) (stream.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[streamID], nil
}

// SaveCounters implements stream.Store.
func (s *Store) SaveCounters(_ context.Context, streamID string, c stream.Counters) error {
	if streamID == "" {
		return fmt.Errorf("stream_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[streamID] = c
	return nil
}

// AppendPendingEvent implements stream.Store.
func (s *Store) AppendPendingEvent(_ context.Context, streamID string, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.pendingEvents[streamID] = append(s.pendingEvents[streamID], &copied)
	return nil
}

// AppendPendingTrace implements stream.Store.
func (s *Store) AppendPendingTrace(_ context.Context, streamID string, t *event.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.pendingTraces[streamID] = append(s.pendingTraces[streamID], &copied)
	return nil
}

// LoadPending implements stream.Store.
func (s *Store) LoadPending(_ context.Context, streamID string) (stream.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := stream.Pending{
		Events: append([]*event.Event(nil), s.pendingEvents[streamID]...),
		Traces: append([]*event.TraceEvent(nil), s.pendingTraces[streamID]...),
	}
	return p, nil
}

// ClearPendingEvents implements stream.Store.
func (s *Store) ClearPendingEvents(_ context.Context, streamID string, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pendingEvents[streamID][:0]
	for _, e := range s.pendingEvents[streamID] {
		if e.Seq > upTo {
			kept = append(kept, e)
		}
	}
	s.pendingEvents[streamID] = kept
	return nil
}

// ClearPendingTraces implements stream.Store.
func (s *Store) ClearPendingTraces(_ context.Context, streamID string, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pendingTraces[streamID][:0]
	for _, t := range s.pendingTraces[streamID] {
		if t.Seq > upTo {
			kept = append(kept, t)
		}
	}
	s.pendingTraces[streamID] = kept
	return nil
}

// InsertEvents implements stream.Store. Inserts are idempotent on
// (stream, seq).
func (s *Store) InsertEvents(_ context.Context, events []*event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		rows, ok := s.events[e.StreamID]
		if !ok {
			rows = make(map[uint64]*event.Event)
			s.events[e.StreamID] = rows
		}
		if _, exists := rows[e.Seq]; exists {
			continue
		}
		copied := *e
		rows[e.Seq] = &copied
	}
	return nil
}

// InsertTraces implements stream.Store. Inserts are idempotent on
// (stream, seq).
func (s *Store) InsertTraces(_ context.Context, traces []*event.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range traces {
		rows, ok := s.traces[t.StreamID]
		if !ok {
			rows = make(map[uint64]*event.TraceEvent)
			s.traces[t.StreamID] = rows
		}
		if _, exists := rows[t.Seq]; exists {
			continue
		}
		copied := *t
		rows[t.Seq] = &copied
	}
	return nil
}

// ListEvents implements stream.Store.
func (s *Store) ListEvents(_ context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Event
	for seq, e := range s.events[streamID] {
		if seq > sinceSeq {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTraces implements stream.Store.
func (s *Store) ListTraces(_ context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.TraceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.TraceEvent
	for seq, t := range s.traces[streamID] {
		if seq > sinceSeq {
			copied := *t
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
