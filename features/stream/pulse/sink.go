// Package pulse exposes a stream.Sink implementation that mirrors broadcast
// envelopes onto goa.design/pulse streams. It follows the layering used by
// existing Pulse deployments: services build a Redis client, pass it to the
// Pulse client, and hand the resulting sink to the engine via
// weave.WithStreamSink. Envelopes from every Weave stream share one Pulse
// stream and are told apart by topic, e.g. "weave.run.<id>", so cross-process
// subscribers can follow a single run without opening per-run streams.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	clientspulse "goa.design/weave/features/stream/pulse/clients/pulse"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
)

// DefaultStream is the shared Pulse stream carrying all Weave envelopes.
const DefaultStream = "weave"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client clientspulse.Client
		// Stream names the shared Pulse stream. Defaults to DefaultStream.
		Stream string
		// Topic derives the Pulse topic from an envelope. Defaults to the
		// dotted stream key prefixed with "weave.", e.g. "weave.run.<id>".
		Topic func(event.Envelope) string
		// Marshal allows overriding the envelope serialization (primarily for tests).
		Marshal func(event.Envelope) ([]byte, error)
	}

	// Sink publishes broadcast envelopes onto a shared Pulse stream. The
	// stream handle is opened once at construction; Deliver is safe for
	// concurrent use.
	Sink struct {
		client  clientspulse.Client
		handle  clientspulse.Stream
		topic   func(event.Envelope) string
		marshal func(event.Envelope) ([]byte, error)
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed envelope sink. The Client field in opts is
// required; Stream, Topic, and Marshal default to the built-in implementations
// if not provided. The shared stream is opened (and created if needed) before
// NewSink returns.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	handle, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	s := &Sink{
		client:  opts.Client,
		handle:  handle,
		topic:   defaultTopic,
		marshal: defaultMarshal,
	}
	if opts.Topic != nil {
		s.topic = opts.Topic
	}
	if opts.Marshal != nil {
		s.marshal = opts.Marshal
	}
	return s, nil
}

// Deliver publishes the envelope onto the shared Pulse stream under its
// derived topic. Thread-safe for concurrent calls.
func (s *Sink) Deliver(ctx context.Context, env event.Envelope) error {
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.handle.Add(ctx, s.topic(env), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultTopic renders the envelope's stream key as a dotted Pulse topic:
// "run/run-1" becomes "weave.run.run-1".
func defaultTopic(env event.Envelope) string {
	return "weave." + strings.ReplaceAll(env.Stream, "/", ".")
}

// defaultMarshal serializes an envelope to JSON wire form.
func defaultMarshal(env event.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
