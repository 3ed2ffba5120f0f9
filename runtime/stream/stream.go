// Package stream implements the event and trace streaming layer. One actor
// per stream key allocates monotonic sequence numbers, write-ahead buffers
// every record before broadcast, flushes batches to the store, and fans out
// wire envelopes to in-process subscribers and external sinks.
//
// # Ordering guarantees
//
// Sequences are allocated on the stream actor goroutine and the counter is
// persisted write-through before any delivery, so a crash never reissues a
// sequence number. Event and trace counters are independent. Subscribers see
// records for a stream key in sequence order; replay stitches persisted rows,
// the unflushed write-ahead window, and the live feed without gaps or
// duplicates.
package stream

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/event"
)

// Tuning constants for the streamer actors.
const (
	// BatchSize is the buffered row count that forces a flush.
	BatchSize = 50
	// FlushInterval is the age of the oldest unflushed row that forces a
	// flush.
	FlushInterval = 50 * time.Millisecond
	// RowsPerInsert caps rows per store insert call during a flush.
	RowsPerInsert = 7
	// MaxRetryAttempts bounds insert attempts per chunk before the chunk
	// is dropped.
	MaxRetryAttempts = 3
	// SubscriberBuffer is the per-subscriber channel capacity. A
	// subscriber that falls this far behind is dropped.
	SubscriberBuffer = 256

	// retryBackoff is the initial delay between insert attempts; it
	// doubles per attempt.
	retryBackoff = 25 * time.Millisecond
)

// ErrDirectoryClosed is returned when publishing through a closed Directory.
var ErrDirectoryClosed = errors.New("stream directory closed")

type (
	// Counters holds the persisted sequence watermarks for a stream key.
	Counters struct {
		// EventSeq is the last allocated event sequence.
		EventSeq uint64
		// TraceSeq is the last allocated trace sequence.
		TraceSeq uint64
	}

	// Pending is the recoverable write-ahead window of a stream key: rows
	// sequenced but not yet flushed to their table.
	Pending struct {
		Events []*event.Event
		Traces []*event.TraceEvent
	}

	// Store is the persistence contract for the streaming layer. Row
	// inserts are idempotent on (stream, seq): re-inserting an existing
	// row is a no-op, which makes crash-replay of the write-ahead window
	// safe.
	Store interface {
		// LoadCounters returns the persisted counters for the stream,
		// zero-valued when the stream is new.
		LoadCounters(ctx context.Context, streamID string) (Counters, error)
		// SaveCounters persists the counters write-through.
		SaveCounters(ctx context.Context, streamID string, c Counters) error

		// AppendPendingEvent adds one row to the stream's write-ahead
		// window.
		AppendPendingEvent(ctx context.Context, streamID string, e *event.Event) error
		// AppendPendingTrace adds one trace row to the write-ahead
		// window.
		AppendPendingTrace(ctx context.Context, streamID string, t *event.TraceEvent) error
		// LoadPending returns the write-ahead window in seq order.
		LoadPending(ctx context.Context, streamID string) (Pending, error)
		// ClearPendingEvents removes write-ahead event rows with
		// Seq <= upTo.
		ClearPendingEvents(ctx context.Context, streamID string, upTo uint64) error
		// ClearPendingTraces removes write-ahead trace rows with
		// Seq <= upTo.
		ClearPendingTraces(ctx context.Context, streamID string, upTo uint64) error

		// InsertEvents persists a chunk of event rows.
		InsertEvents(ctx context.Context, events []*event.Event) error
		// InsertTraces persists a chunk of trace rows.
		InsertTraces(ctx context.Context, traces []*event.TraceEvent) error

		// ListEvents returns persisted events with Seq > sinceSeq in
		// seq order, up to limit (0 means no limit).
		ListEvents(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error)
		// ListTraces returns persisted traces with Seq > sinceSeq in
		// seq order, up to limit (0 means no limit).
		ListTraces(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.TraceEvent, error)
	}

	// Sink mirrors broadcast envelopes to an external transport, e.g. a
	// Pulse stream on Redis. Sink failures are logged, never fatal.
	Sink interface {
		// Deliver publishes one envelope.
		Deliver(ctx context.Context, env event.Envelope) error
		// Close releases sink resources.
		Close(ctx context.Context) error
	}

	// Subscription is a live feed of envelopes for one stream key. Close
	// it when done; the channel also closes if the subscriber falls more
	// than SubscriberBuffer envelopes behind.
	Subscription struct {
		id     string
		ch     chan event.Envelope
		cancel func()
	}
)

// Events returns the subscription channel. The channel closes when the
// subscription is cancelled, the stream actor stops, or the subscriber lags
// beyond SubscriberBuffer.
func (s *Subscription) Events() <-chan event.Envelope { return s.ch }

// Close cancels the subscription and eventually closes the channel.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewSubscription builds a subscription over a caller-owned channel. Stream
// actors build their own subscriptions; this constructor exists for fakes
// standing in for the Directory in transport tests.
func NewSubscription(ch chan event.Envelope, cancel func()) *Subscription {
	return &Subscription{ch: ch, cancel: cancel}
}
