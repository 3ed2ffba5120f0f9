package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/weave/features/store/mongo/clients/mongo"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
)

// StreamStore implements stream.Store by delegating to the Mongo client.
type StreamStore struct {
	client clientsmongo.Streams
}

var _ stream.Store = (*StreamStore)(nil)

// NewStreamStore builds a StreamStore using the provided client.
func NewStreamStore(client clientsmongo.Streams) (*StreamStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &StreamStore{client: client}, nil
}

// LoadCounters returns the persisted sequence watermarks for the stream.
func (s *StreamStore) LoadCounters(ctx context.Context, streamID string) (stream.Counters, error) {
	return s.client.LoadCounters(ctx, streamID)
}

// SaveCounters persists the counters write-through.
func (s *StreamStore) SaveCounters(ctx context.Context, streamID string, c stream.Counters) error {
	return s.client.SaveCounters(ctx, streamID, c)
}

// AppendPendingEvent adds one row to the stream's write-ahead window.
func (s *StreamStore) AppendPendingEvent(ctx context.Context, streamID string, e *event.Event) error {
	return s.client.AppendPendingEvent(ctx, streamID, e)
}

// AppendPendingTrace adds one trace row to the write-ahead window.
func (s *StreamStore) AppendPendingTrace(ctx context.Context, streamID string, t *event.TraceEvent) error {
	return s.client.AppendPendingTrace(ctx, streamID, t)
}

// LoadPending returns the write-ahead window in seq order.
func (s *StreamStore) LoadPending(ctx context.Context, streamID string) (stream.Pending, error) {
	return s.client.LoadPending(ctx, streamID)
}

// ClearPendingEvents removes write-ahead event rows with Seq <= upTo.
func (s *StreamStore) ClearPendingEvents(ctx context.Context, streamID string, upTo uint64) error {
	return s.client.ClearPendingEvents(ctx, streamID, upTo)
}

// ClearPendingTraces removes write-ahead trace rows with Seq <= upTo.
func (s *StreamStore) ClearPendingTraces(ctx context.Context, streamID string, upTo uint64) error {
	return s.client.ClearPendingTraces(ctx, streamID, upTo)
}

// InsertEvents persists a chunk of event rows.
func (s *StreamStore) InsertEvents(ctx context.Context, events []*event.Event) error {
	return s.client.InsertEvents(ctx, events)
}

// InsertTraces persists a chunk of trace rows.
func (s *StreamStore) InsertTraces(ctx context.Context, traces []*event.TraceEvent) error {
	return s.client.InsertTraces(ctx, traces)
}

// ListEvents returns persisted events with Seq > sinceSeq in seq order.
func (s *StreamStore) ListEvents(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	return s.client.ListEvents(ctx, streamID, sinceSeq, limit)
}

// ListTraces returns persisted traces with Seq > sinceSeq in seq order.
func (s *StreamStore) ListTraces(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.TraceEvent, error) {
	return s.client.ListTraces(ctx, streamID, sinceSeq, limit)
}
