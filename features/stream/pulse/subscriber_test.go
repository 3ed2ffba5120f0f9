package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/weave/runtime/event"
)

type fakeSink struct {
	ch     chan *streaming.Event
	ackErr error
	acked  []string
	closes int
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closes++ }

func marshalEnvelope(t *testing.T, env event.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestSubscribeEmitsEnvelopes(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{sink: sinkFake}
	cli := &fakeClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), event.RunStream("run-123"))
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, []string{"weave"}, cli.opened)
	require.Equal(t, []string{"weave_subscriber"}, str.sinkNames)

	want := event.Envelope{
		V:         event.EnvelopeVersion,
		Stream:    event.RunStream("run-123"),
		Kind:      event.KindEvent,
		Seq:       3,
		Timestamp: time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC),
		Type:      event.TypeTokenCreated,
		Payload:   map[string]any{"tokenId": "tok-1"},
	}
	sinkFake.ch <- &streaming.Event{ID: "1-0", Payload: marshalEnvelope(t, want)}
	close(sinkFake.ch)

	got := <-envs
	require.Equal(t, want, got)
	_, more := <-envs
	require.False(t, more)
	require.Equal(t, []string{"1-0"}, sinkFake.acked)
	require.Empty(t, errs)
}

func TestSubscribeFiltersByStreamKey(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event, 2)}
	cli := &fakeClient{stream: &fakeStream{sink: sinkFake}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	envs, _, cancel, err := sub.Subscribe(context.Background(), event.RunStream("run-1"))
	require.NoError(t, err)
	defer cancel()

	other := event.Envelope{Stream: event.RunStream("run-2"), Type: event.TypeWorkflowStarted}
	match := event.Envelope{Stream: event.RunStream("run-1"), Type: event.TypeWorkflowStarted}
	sinkFake.ch <- &streaming.Event{ID: "1-0", Payload: marshalEnvelope(t, other)}
	sinkFake.ch <- &streaming.Event{ID: "2-0", Payload: marshalEnvelope(t, match)}
	close(sinkFake.ch)

	var received []event.Envelope
	for env := range envs {
		received = append(received, env)
	}
	require.Len(t, received, 1)
	require.Equal(t, event.RunStream("run-1"), received[0].Stream)
	require.Equal(t, []string{"1-0", "2-0"}, sinkFake.acked)
}

func TestSubscribeEmptyKeyEmitsEverything(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event, 2)}
	cli := &fakeClient{stream: &fakeStream{sink: sinkFake}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	envs, _, cancel, err := sub.Subscribe(context.Background(), "")
	require.NoError(t, err)
	defer cancel()

	sinkFake.ch <- &streaming.Event{ID: "1-0", Payload: marshalEnvelope(t, event.Envelope{Stream: "run/a"})}
	sinkFake.ch <- &streaming.Event{ID: "2-0", Payload: marshalEnvelope(t, event.Envelope{Stream: "conversation/b"})}
	close(sinkFake.ch)

	var streams []string
	for env := range envs {
		streams = append(streams, env.Stream)
	}
	require.Equal(t, []string{"run/a", "conversation/b"}, streams)
}

func TestSubscribeDecoderError(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event, 1)}
	cli := &fakeClient{stream: &fakeStream{sink: sinkFake}}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (event.Envelope, error) {
			return event.Envelope{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()

	sinkFake.ch <- &streaming.Event{Payload: []byte("{}")}
	close(sinkFake.ch)

	require.Empty(t, envs)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeAckError(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event, 1), ackErr: errors.New("ack-failed")}
	cli := &fakeClient{stream: &fakeStream{sink: sinkFake}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), "")
	require.NoError(t, err)
	defer cancel()

	sinkFake.ch <- &streaming.Event{ID: "1-0", Payload: marshalEnvelope(t, event.Envelope{Stream: "run/r"})}
	close(sinkFake.ch)

	<-envs
	require.EqualError(t, <-errs, "pulse ack: ack-failed")
}

func TestSubscribeCancelClosesSink(t *testing.T) {
	sinkFake := &fakeSink{ch: make(chan *streaming.Event)}
	cli := &fakeClient{stream: &fakeStream{sink: sinkFake}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	envs, _, cancel, err := sub.Subscribe(context.Background(), "")
	require.NoError(t, err)

	cancel()
	_, more := <-envs
	require.False(t, more)
	require.Equal(t, 1, sinkFake.closes)
}

func TestSubscribeSinkCreationError(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{sinkErr: errors.New("no sink")}}
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "")
	require.EqualError(t, err, "no sink")
}
