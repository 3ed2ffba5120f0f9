package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/stream/inmem"
)

// Sequences must be dense from 1 regardless of how publishes interleave
// between the two record families.
func TestSequenceAllocationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("event and trace sequences are dense and independent", prop.ForAll(
		func(eventCount, traceCount int) bool {
			store := inmem.New()
			dir := stream.NewDirectory(context.Background(), store)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = dir.Shutdown(ctx)
			}()
			streamID := event.RunStream(ids.Run())

			var lastEvent, lastTrace uint64
			e, tr := eventCount, traceCount
			for e > 0 || tr > 0 {
				if e > 0 {
					seq, err := dir.Publish(context.Background(), &event.Event{
						StreamID: streamID, Type: event.TypeTokenCreated,
					})
					if err != nil || seq != lastEvent+1 {
						return false
					}
					lastEvent = seq
					e--
				}
				if tr > 0 {
					seq, err := dir.PublishTrace(context.Background(), &event.TraceEvent{
						StreamID: streamID, Category: event.CategoryDebug, Name: "probe",
					})
					if err != nil || seq != lastTrace+1 {
						return false
					}
					lastTrace = seq
					tr--
				}
			}
			return lastEvent == uint64(eventCount) && lastTrace == uint64(traceCount)
		},
		gen.IntRange(0, 60),
		gen.IntRange(0, 60),
	))

	properties.Property("persisted rows carry no duplicate sequences", prop.ForAll(
		func(count int) bool {
			store := inmem.New()
			dir := stream.NewDirectory(context.Background(), store)
			streamID := event.RunStream(ids.Run())
			for i := 0; i < count; i++ {
				if _, err := dir.Publish(context.Background(), &event.Event{
					StreamID: streamID, Type: event.TypeTokenCreated,
				}); err != nil {
					return false
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := dir.Shutdown(ctx); err != nil {
				return false
			}
			rows, err := store.ListEvents(context.Background(), streamID, 0, 0)
			if err != nil || len(rows) != count {
				return false
			}
			for i, row := range rows {
				if row.Seq != uint64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 120),
	))

	properties.TestingRun(t)
}
