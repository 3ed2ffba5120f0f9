package stream

import (
	"context"
	"fmt"
	"sync"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/telemetry"
)

type (
	// Directory routes records to per-stream-key actors, spawning them
	// lazily on first use. It is the single entry point for publishing
	// and subscribing.
	Directory struct {
		store   Store
		sinks   []Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
		sys     *actor.System

		mu     sync.Mutex
		closed bool
	}

	// DirectoryOption customizes Directory construction.
	DirectoryOption func(*directoryOptions)

	directoryOptions struct {
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		sinks       []Sink
		mailboxSize int
	}
)

// WithLogger sets the directory logger.
func WithLogger(l telemetry.Logger) DirectoryOption {
	return func(o *directoryOptions) { o.logger = l }
}

// WithMetrics sets the directory metrics recorder.
func WithMetrics(m telemetry.Metrics) DirectoryOption {
	return func(o *directoryOptions) { o.metrics = m }
}

// WithSink registers an external broadcast sink. May be repeated.
func WithSink(s Sink) DirectoryOption {
	return func(o *directoryOptions) { o.sinks = append(o.sinks, s) }
}

// WithMailboxSize overrides the per-stream actor mailbox capacity.
func WithMailboxSize(n int) DirectoryOption {
	return func(o *directoryOptions) { o.mailboxSize = n }
}

// NewDirectory constructs a Directory over the given store.
func NewDirectory(ctx context.Context, store Store, opts ...DirectoryOption) *Directory {
	options := directoryOptions{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	actorOpts := []actor.Option{
		actor.WithLogger(options.logger),
		actor.WithMetrics(options.metrics),
	}
	if options.mailboxSize > 0 {
		actorOpts = append(actorOpts, actor.WithMailboxSize(options.mailboxSize))
	}
	return &Directory{
		store:   store,
		sinks:   options.sinks,
		logger:  options.logger,
		metrics: options.metrics,
		sys:     actor.NewSystem(ctx, actorOpts...),
	}
}

// Publish sequences and broadcasts an event on its stream key, returning the
// allocated sequence number once the counter and write-ahead row are
// persisted.
func (d *Directory) Publish(ctx context.Context, ev *event.Event) (uint64, error) {
	if ev.StreamID == "" {
		return 0, fmt.Errorf("event stream id is required")
	}
	ref, err := d.streamerFor(ev.StreamID)
	if err != nil {
		return 0, err
	}
	return actor.Ask(ctx, ref, func(f *actor.Future[uint64]) any {
		return publishEventMsg{ev: ev, reply: f}
	})
}

// PublishTrace sequences and broadcasts a trace on its stream key.
func (d *Directory) PublishTrace(ctx context.Context, tr *event.TraceEvent) (uint64, error) {
	if tr.StreamID == "" {
		return 0, fmt.Errorf("trace stream id is required")
	}
	ref, err := d.streamerFor(tr.StreamID)
	if err != nil {
		return 0, err
	}
	return actor.Ask(ctx, ref, func(f *actor.Future[uint64]) any {
		return publishTraceMsg{tr: tr, reply: f}
	})
}

// Subscribe attaches a filtered subscription to the stream key. When the
// filter requests replay, history is delivered before the live feed with no
// gap or duplicate at the stitch point.
func (d *Directory) Subscribe(ctx context.Context, streamID string, f event.Filter) (*Subscription, error) {
	ref, err := d.streamerFor(streamID)
	if err != nil {
		return nil, err
	}
	return actor.Ask(ctx, ref, func(fut *actor.Future[*Subscription]) any {
		return subscribeMsg{filter: f, reply: fut}
	})
}

// ListEvents reads persisted events directly from the store. Used by
// transports serving one-shot history queries.
func (d *Directory) ListEvents(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	return d.store.ListEvents(ctx, streamID, sinceSeq, limit)
}

// Shutdown flushes every live streamer, persists counters, closes
// subscribers and sinks, and stops the stream actors.
func (d *Directory) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	for _, id := range d.sys.IDs() {
		if ref, ok := d.sys.Lookup(id); ok {
			if _, err := actor.Ask(ctx, ref, func(f *actor.Future[struct{}]) any {
				return drainMsg{reply: f}
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := d.sys.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, sink := range d.sinks {
		if err := sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// streamerFor returns the actor owning streamID, spawning it if needed.
func (d *Directory) streamerFor(streamID string) (*actor.Ref, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDirectoryClosed
	}
	d.mu.Unlock()
	if ref, ok := d.sys.Lookup(streamID); ok {
		return ref, nil
	}
	return d.sys.Spawn(streamID, func(self *actor.Ref) actor.Handler {
		st := newStreamer(streamID, d.store, d.sinks, d.logger, d.metrics)
		return st.handler(self)
	})
}
