package stream

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/telemetry"
)

type (
	// Emitter is the facade components use to emit events and traces
	// without knowing the streamer topology. It is bound to one stream
	// key, stamps scope identifiers onto every record, and is carried
	// through contexts so store adapters can emit sql traces from deep
	// call paths.
	//
	// Emission failures are logged, never returned: by the time a
	// component emits, its own state change is already persisted.
	Emitter struct {
		dir            *Directory
		streamID       string
		runID          string
		conversationID string
		suppressTraces bool
		logger         telemetry.Logger
	}

	// EmitterOption customizes an Emitter.
	EmitterOption func(*Emitter)

	emitterCtxKey struct{}
)

// WithRunScope stamps runID onto every emitted record.
func WithRunScope(runID string) EmitterOption {
	return func(e *Emitter) { e.runID = runID }
}

// WithConversationScope stamps conversationID onto every emitted record.
func WithConversationScope(conversationID string) EmitterOption {
	return func(e *Emitter) { e.conversationID = conversationID }
}

// WithTraceSuppression discards traces emitted through this Emitter. Events
// are unaffected.
func WithTraceSuppression() EmitterOption {
	return func(e *Emitter) { e.suppressTraces = true }
}

// WithEmitterLogger sets the logger receiving emission failures.
func WithEmitterLogger(l telemetry.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// Emitter constructs an Emitter bound to the given stream key.
func (d *Directory) Emitter(streamID string, opts ...EmitterOption) *Emitter {
	e := &Emitter{dir: d, streamID: streamID, logger: d.logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NoopEmitter returns an Emitter that discards everything. EmitterFrom hands
// it out when a context carries no emitter.
func NoopEmitter() *Emitter {
	return &Emitter{logger: telemetry.NewNoopLogger()}
}

// WithEmitter binds an Emitter into the context.
func WithEmitter(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, emitterCtxKey{}, e)
}

// EmitterFrom extracts the Emitter bound to ctx, or a noop Emitter when none
// is bound.
func EmitterFrom(ctx context.Context) *Emitter {
	if e, ok := ctx.Value(emitterCtxKey{}).(*Emitter); ok && e != nil {
		return e
	}
	return NoopEmitter()
}

// StreamID returns the stream key this emitter publishes to.
func (e *Emitter) StreamID() string { return e.streamID }

// Event emits a domain event, returning its allocated sequence. The emitter
// fills StreamID and scope identifiers; ID and Timestamp are stamped by the
// streamer when empty.
func (e *Emitter) Event(ctx context.Context, ev event.Event) uint64 {
	if e.dir == nil {
		return 0
	}
	ev.StreamID = e.streamID
	if ev.RunID == "" {
		ev.RunID = e.runID
	}
	if ev.ConversationID == "" {
		ev.ConversationID = e.conversationID
	}
	seq, err := e.dir.Publish(ctx, &ev)
	if err != nil {
		e.logger.Error(ctx, "event emission failed",
			"stream_id", e.streamID, "type", ev.Type, "err", err)
		return 0
	}
	return seq
}

// Trace emits a diagnostic trace, returning its allocated sequence. Zero when
// traces are suppressed.
func (e *Emitter) Trace(ctx context.Context, tr event.TraceEvent) uint64 {
	if e.dir == nil || e.suppressTraces {
		return 0
	}
	tr.StreamID = e.streamID
	if tr.RunID == "" {
		tr.RunID = e.runID
	}
	if tr.ConversationID == "" {
		tr.ConversationID = e.conversationID
	}
	seq, err := e.dir.PublishTrace(ctx, &tr)
	if err != nil {
		e.logger.Error(ctx, "trace emission failed",
			"stream_id", e.streamID, "name", tr.Name, "err", err)
		return 0
	}
	return seq
}

// Decision emits a decision trace with a JSON-encoded detail payload.
func (e *Emitter) Decision(ctx context.Context, name string, detail any) {
	e.Trace(ctx, event.TraceEvent{
		Category: event.CategoryDecision,
		Name:     name,
		Input:    marshalDetail(detail),
	})
}

// Dispatch emits a dispatch trace carrying the correlation identifier.
func (e *Emitter) Dispatch(ctx context.Context, name, operationID string, detail any) {
	payload := map[string]any{"operationId": operationID}
	if detail != nil {
		payload["detail"] = detail
	}
	e.Trace(ctx, event.TraceEvent{
		Category: event.CategoryDispatch,
		Name:     name,
		Input:    marshalDetail(payload),
	})
}

// SQL emits a store round-trip trace with its duration.
func (e *Emitter) SQL(ctx context.Context, name string, start time.Time, detail any) {
	e.Trace(ctx, event.TraceEvent{
		Category:   event.CategorySQL,
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Input:      marshalDetail(detail),
	})
}

func marshalDetail(detail any) json.RawMessage {
	if detail == nil {
		return nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return raw
}
