package pulse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/weave/runtime/event"
)

func TestNewStreamsRequiresClient(t *testing.T) {
	_, err := NewStreams(StreamsOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestStreamsSinkPublishes(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: str}

	streams, err := NewStreams(StreamsOptions{Client: cli})
	require.NoError(t, err)

	env := event.Envelope{Stream: event.RunStream("run-9"), Type: event.TypeWorkflowCompleted}
	require.NoError(t, streams.Sink().Deliver(context.Background(), env))
	require.Len(t, str.added, 1)
	require.Equal(t, "weave.run.run-9", str.added[0].topic)
}

func TestStreamsSubscriberReusesClient(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event)}
	str := &fakeStream{sink: sinkFake}
	cli := &fakeClient{stream: str}

	streams, err := NewStreams(StreamsOptions{Client: cli})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{})
	require.NoError(t, err)
	_, _, cancel, err := sub.Subscribe(context.Background(), "")
	require.NoError(t, err)
	defer cancel()

	// One open for the publishing sink, one for the subscriber, same client.
	require.Equal(t, []string{"weave", "weave"}, cli.opened)
}

func TestStreamsCloseDelegates(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	streams, err := NewStreams(StreamsOptions{Client: cli})
	require.NoError(t, err)
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, cli.closes)
}
