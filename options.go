package weave

import (
	"net/http"
	"time"

	"goa.design/weave/runtime/conversation"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/telemetry"
	"goa.design/weave/runtime/workflow"
)

type (
	// Option customizes engine construction. Every option has a working
	// default: a zero-option engine runs fully in memory with no model
	// providers registered.
	Option func(*options)

	options struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		definitions   definition.Store
		runs          workflow.Store
		conversations conversation.Store
		streams       stream.Store
		sinks         []stream.Sink

		models map[string]model.Client
		tasks  dispatch.TaskClient

		workers     int
		queueDepth  int
		mailboxSize int
		llmTimeout  time.Duration
		httpClient  *http.Client
	}
)

// WithLogger sets the structured logger shared by every subsystem.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder shared by every subsystem.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer handed to transports.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithDefinitionStore persists definitions somewhere other than memory.
func WithDefinitionStore(s definition.Store) Option {
	return func(o *options) { o.definitions = s }
}

// WithRunStore persists workflow run snapshots somewhere other than memory.
func WithRunStore(s workflow.Store) Option {
	return func(o *options) { o.runs = s }
}

// WithConversationStore persists conversations, turns, messages, and moves
// somewhere other than memory.
func WithConversationStore(s conversation.Store) Option {
	return func(o *options) { o.conversations = s }
}

// WithStreamStore persists events, traces, and stream counters somewhere
// other than memory.
func WithStreamStore(s stream.Store) Option {
	return func(o *options) { o.streams = s }
}

// WithStreamSink mirrors every published envelope onto an external sink in
// addition to local subscribers. May be repeated.
func WithStreamSink(s stream.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithModelClient registers a model provider client under the name that
// model_profile definitions select with their provider field. May be
// repeated.
func WithModelClient(provider string, c model.Client) Option {
	return func(o *options) {
		if o.models == nil {
			o.models = make(map[string]model.Client)
		}
		o.models[provider] = c
	}
}

// WithTaskClient replaces the built-in executor with an external task
// dispatcher. The client must settle every accepted operation through the
// engine's correlators.
func WithTaskClient(c dispatch.TaskClient) Option {
	return func(o *options) { o.tasks = c }
}

// WithExecutorWorkers sets the built-in executor's pool size. Ignored when
// WithTaskClient is given.
func WithExecutorWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithExecutorQueueDepth bounds the built-in executor's accepted-but-unstarted
// tasks. Ignored when WithTaskClient is given.
func WithExecutorQueueDepth(n int) Option {
	return func(o *options) { o.queueDepth = n }
}

// WithHTTPClient sets the HTTP client used by http task actions. Ignored
// when WithTaskClient is given.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithMailboxSize overrides the actor mailbox capacity for runs,
// conversations, and streamers.
func WithMailboxSize(n int) Option {
	return func(o *options) { o.mailboxSize = n }
}

// WithLLMTimeout bounds individual model completion calls made by
// conversation turns.
func WithLLMTimeout(d time.Duration) Option {
	return func(o *options) { o.llmTimeout = d }
}
