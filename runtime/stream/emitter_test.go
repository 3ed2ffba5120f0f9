package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/stream/inmem"
)

func TestEmitterStampsScope(t *testing.T) {
	store := inmem.New()
	dir := newDirectory(t, store)
	streamID := event.RunStream("run-emit")

	em := dir.Emitter(streamID, stream.WithRunScope("run-emit"))
	seq := em.Event(context.Background(), event.Event{
		Type:    event.TypeWorkflowStarted,
		Payload: map[string]any{"defId": "def-1"},
	})
	require.Equal(t, uint64(1), seq)

	require.Eventually(t, func() bool {
		rows, err := store.ListEvents(context.Background(), streamID, 0, 0)
		return err == nil && len(rows) == 1
	}, time.Second, 10*time.Millisecond)

	rows, err := store.ListEvents(context.Background(), streamID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, "run-emit", rows[0].RunID)
	require.NotEmpty(t, rows[0].ID)
	require.False(t, rows[0].Timestamp.IsZero())
}

func TestEmitterTraceSuppression(t *testing.T) {
	store := inmem.New()
	dir := newDirectory(t, store)
	streamID := event.RunStream("run-suppress")

	em := dir.Emitter(streamID, stream.WithTraceSuppression())
	require.Zero(t, em.Trace(context.Background(), event.TraceEvent{
		Category: event.CategoryDebug, Name: "probe",
	}))

	// Events still flow.
	require.Equal(t, uint64(1), em.Event(context.Background(), event.Event{Type: event.TypeTokenCreated}))
}

func TestEmitterHelpers(t *testing.T) {
	store := inmem.New()
	dir := newDirectory(t, store)
	streamID := event.ConversationStream("conv-emit")

	em := dir.Emitter(streamID, stream.WithConversationScope("conv-emit"))
	em.Decision(context.Background(), "route.token", map[string]any{"transition": "t1"})
	em.Dispatch(context.Background(), "executor.task", "op-1", nil)
	em.SQL(context.Background(), "mongo.insert", time.Now().Add(-5*time.Millisecond), nil)

	require.Eventually(t, func() bool {
		rows, err := store.ListTraces(context.Background(), streamID, 0, 0)
		return err == nil && len(rows) == 3
	}, time.Second, 10*time.Millisecond)

	rows, err := store.ListTraces(context.Background(), streamID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, event.CategoryDecision, rows[0].Category)
	require.Equal(t, event.CategoryDispatch, rows[1].Category)
	require.Equal(t, event.CategorySQL, rows[2].Category)
	require.GreaterOrEqual(t, rows[2].DurationMs, int64(5))
	require.Equal(t, "conv-emit", rows[0].ConversationID)
}

func TestEmitterFromContext(t *testing.T) {
	// A bare context yields a noop emitter that swallows everything.
	em := stream.EmitterFrom(context.Background())
	require.NotNil(t, em)
	require.Zero(t, em.Event(context.Background(), event.Event{Type: event.TypeTokenCreated}))

	dir := newDirectory(t, inmem.New())
	bound := dir.Emitter(event.RunStream("run-ctx"))
	ctx := stream.WithEmitter(context.Background(), bound)
	require.Same(t, bound, stream.EmitterFrom(ctx))
}
