package weave

import (
	"context"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
)

// Subscribe attaches a live subscription to a stream ("run/<id>" or
// "conversation/<id>"). The filter selects types and categories; with
// Replay set, history with Seq > SinceSeq is stitched in before the live
// feed with no gaps or duplicates. Slow subscribers are dropped, not
// blocked on.
func (e *Engine) Subscribe(ctx context.Context, streamID string, f event.Filter) (*stream.Subscription, error) {
	return e.streams.Subscribe(ctx, streamID, f)
}

// Replay returns persisted events with Seq > sinceSeq in ascending order.
// limit <= 0 means no limit.
func (e *Engine) Replay(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	return e.streams.ListEvents(ctx, streamID, sinceSeq, limit)
}
