// Package weave wires the orchestration engine: a definition store feeding
// per-run workflow coordinators and per-conversation agent runners, all
// exchanging results through dispatch correlators and publishing ordered
// event streams.
//
// The Engine owns one actor system shared by runs, conversations, and
// streamers. Task work executes on a local worker pool unless an external
// dispatcher is supplied; workflow runs and conversations address each other
// only through the dispatch client contracts, so either side can be swapped
// for a remote implementation without touching the other.
//
// A zero-option engine runs fully in memory:
//
//	eng, err := weave.New(ctx,
//		weave.WithModelClient("anthropic", anthropicClient),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Shutdown(ctx)
//
//	res, _ := eng.PutDefinition(ctx, definition.NewDraft(
//		definition.KindWorkflow, "triage", owner, content))
//	runID, _ := eng.StartRun(ctx, workflow.StartRequest{
//		DefinitionID: res.Definition.ID, Input: input})
package weave

import (
	"context"
	"errors"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/conversation"
	convmem "goa.design/weave/runtime/conversation/inmem"
	"goa.design/weave/runtime/definition"
	definmem "goa.design/weave/runtime/definition/inmem"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/executor"
	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/schema"
	"goa.design/weave/runtime/stream"
	streaminmem "goa.design/weave/runtime/stream/inmem"
	"goa.design/weave/runtime/telemetry"
	"goa.design/weave/runtime/workflow"
	wfinmem "goa.design/weave/runtime/workflow/inmem"
)

// Engine is the facade over the orchestration runtime. All methods are safe
// for concurrent use.
type Engine struct {
	sys     *actor.System
	defs    *definition.Service
	streams *stream.Directory
	corr    *dispatch.Correlators
	models  *model.Registry
	tasks   dispatch.TaskClient
	exec    *executor.Executor // nil when an external task client is supplied
	coords  *workflow.Coordinators
	runners *conversation.Runners

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs an engine. ctx is the base context for actor loops and
// executor workers; cancelling it hard-stops background work, so prefer
// Shutdown for orderly draining.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	if o.definitions == nil {
		o.definitions = definmem.New()
	}
	if o.runs == nil {
		o.runs = wfinmem.New()
	}
	if o.conversations == nil {
		o.conversations = convmem.New()
	}
	if o.streams == nil {
		o.streams = streaminmem.New()
	}

	sysOpts := []actor.Option{actor.WithLogger(o.logger), actor.WithMetrics(o.metrics)}
	if o.mailboxSize > 0 {
		sysOpts = append(sysOpts, actor.WithMailboxSize(o.mailboxSize))
	}
	sys := actor.NewSystem(ctx, sysOpts...)

	dirOpts := []stream.DirectoryOption{stream.WithLogger(o.logger), stream.WithMetrics(o.metrics)}
	for _, s := range o.sinks {
		dirOpts = append(dirOpts, stream.WithSink(s))
	}
	if o.mailboxSize > 0 {
		dirOpts = append(dirOpts, stream.WithMailboxSize(o.mailboxSize))
	}
	dir := stream.NewDirectory(ctx, o.streams, dirOpts...)

	// One evaluator and one schema cache serve puts and execution alike, so
	// expressions and schemas compiled at put time stay warm for dispatch.
	ev := exprs.New()
	sv := schema.NewValidator()
	corr := dispatch.NewCorrelators()

	defs := definition.NewService(o.definitions,
		definition.WithLogger(o.logger),
		definition.WithEvaluator(ev),
		definition.WithSchemaValidator(sv),
	)

	models := model.NewRegistry()
	for provider, c := range o.models {
		models.Register(provider, c)
	}

	eng := &Engine{
		sys:     sys,
		defs:    defs,
		streams: dir,
		corr:    corr,
		models:  models,
		log:     o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
	fail := func(err error) (*Engine, error) {
		_ = sys.Shutdown(ctx)
		_ = dir.Shutdown(ctx)
		if eng.exec != nil {
			_ = eng.exec.Shutdown(ctx)
		}
		return nil, err
	}

	eng.tasks = o.tasks
	if eng.tasks == nil {
		execOpts := []executor.Option{executor.WithLogger(o.logger), executor.WithMetrics(o.metrics)}
		if o.workers > 0 {
			execOpts = append(execOpts, executor.WithWorkers(o.workers))
		}
		if o.queueDepth > 0 {
			execOpts = append(execOpts, executor.WithQueueDepth(o.queueDepth))
		}
		if o.httpClient != nil {
			execOpts = append(execOpts, executor.WithHTTPClient(o.httpClient))
		}
		exec, err := executor.New(ctx, executor.Config{
			Correlators: corr,
			Definitions: defs,
			Models:      models,
		}, execOpts...)
		if err != nil {
			return fail(err)
		}
		eng.exec = exec
		eng.tasks = exec
	}

	coords, err := workflow.NewCoordinators(workflow.Config{
		System:      sys,
		Store:       o.runs,
		Definitions: defs,
		Streams:     dir,
		Correlators: corr,
		Tasks:       eng.tasks,
	},
		workflow.WithLogger(o.logger),
		workflow.WithMetrics(o.metrics),
		workflow.WithEvaluator(ev),
		workflow.WithSchemaValidator(sv),
	)
	if err != nil {
		return fail(err)
	}
	eng.coords = coords

	runnerOpts := []conversation.Option{
		conversation.WithLogger(o.logger),
		conversation.WithMetrics(o.metrics),
		conversation.WithSchemaValidator(sv),
	}
	if o.llmTimeout > 0 {
		runnerOpts = append(runnerOpts, conversation.WithLLMTimeout(o.llmTimeout))
	}
	runners, err := conversation.NewRunners(conversation.Config{
		System:      sys,
		Store:       o.conversations,
		Definitions: defs,
		Streams:     dir,
		Correlators: corr,
		Tasks:       eng.tasks,
		Workflows:   coords,
		Models:      models,
	}, runnerOpts...)
	if err != nil {
		return fail(err)
	}
	eng.runners = runners
	return eng, nil
}

// Shutdown drains actors, stops the executor, and flushes stream batches.
// It returns the combined error of the stages; the engine is unusable after.
func (e *Engine) Shutdown(ctx context.Context) error {
	errs := []error{e.sys.Shutdown(ctx)}
	if e.exec != nil {
		errs = append(errs, e.exec.Shutdown(ctx))
	}
	errs = append(errs, e.streams.Shutdown(ctx))
	return errors.Join(errs...)
}

// Logger returns the engine's logger for transports to share.
func (e *Engine) Logger() telemetry.Logger { return e.log }

// Metrics returns the engine's metrics recorder.
func (e *Engine) Metrics() telemetry.Metrics { return e.metrics }

// Tracer returns the engine's tracer.
func (e *Engine) Tracer() telemetry.Tracer { return e.tracer }
