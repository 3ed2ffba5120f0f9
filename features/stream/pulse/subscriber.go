package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/weave/features/stream/pulse/clients/pulse"
	"goa.design/weave/runtime/event"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse back into wire
	// envelopes. Custom decoders can be provided to handle non-standard
	// serialization.
	EnvelopeDecoder func([]byte) (event.Envelope, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume envelopes. Required.
		Client clientspulse.Client
		// Stream names the shared Pulse stream to consume. Defaults to DefaultStream.
		Stream string
		// SinkName identifies the Pulse consumer group. Defaults to "weave_subscriber".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes entry payloads. Defaults to the built-in JSON decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes the shared Pulse stream and emits wire envelopes.
	// It wraps a Pulse sink (consumer group) and decodes incoming payloads
	// back into event.Envelope values, optionally filtered to one Weave
	// stream key.
	Subscriber struct {
		client clientspulse.Client
		stream string
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in opts
// is required; Stream, SinkName, Buffer, and Decoder default to sensible
// values if not provided (see SubscriberOptions field documentation).
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamName := opts.Stream
	if streamName == "" {
		streamName = DefaultStream
	}
	name := opts.SinkName
	if name == "" {
		name = "weave_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		stream: streamName,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the shared stream and returns channels for
// envelopes and errors. It spawns a goroutine that consumes from the sink,
// decodes payloads, and emits envelopes whose stream key matches streamKey
// (an empty streamKey emits everything). The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, event.RunStream("run-1"))
//	defer cancel()
//	for env := range envs {
//	    // process envelope
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamKey string,
	opts ...streamopts.Sink,
) (<-chan event.Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.stream)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan event.Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, streamKey, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink channel, decodes them, and emits
// matching envelopes on the out channel. It acks each entry after handling,
// including entries filtered out by stream key, so the consumer group never
// accumulates a pending backlog. Closes both channels when ctx is canceled or
// when the sink channel closes. Sends errors on the errs channel if decoding
// or acking fails, then returns.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, streamKey string, out chan<- event.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			if streamKey == "" || env.Stream == streamKey {
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON wire form. Returns an error if
// the payload is malformed.
func decodeEnvelope(payload []byte) (event.Envelope, error) {
	var env event.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return event.Envelope{}, err
	}
	return env, nil
}
