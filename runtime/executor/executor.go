// Package executor runs task actions on a local worker pool. It implements
// dispatch.TaskClient for the built-in action kinds (mock, http, llm,
// assemble_prompt) and reports outcomes through the dispatch correlators, so
// coordinators observe local executions exactly as they would remote ones.
package executor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/telemetry"
)

const (
	// DefaultWorkers is the pool size when WithWorkers is not given.
	DefaultWorkers = 8
	// DefaultQueueDepth bounds accepted-but-unstarted tasks. Execute rejects
	// work beyond it rather than blocking the calling actor.
	DefaultQueueDepth = 256
	// DefaultHTTPTimeout caps http actions whose task carries no timeoutMs.
	DefaultHTTPTimeout = 30 * time.Second
)

type (
	// Config carries the executor's collaborators. Correlators is required;
	// Definitions and Models are needed only by llm and assemble_prompt
	// actions and may be nil when those actions are never used.
	Config struct {
		// Correlators receives task outcomes keyed by operation id.
		Correlators *dispatch.Correlators
		// Definitions resolves model profiles for llm and assembly actions.
		Definitions *definition.Service
		// Models supplies provider clients for llm actions.
		Models *model.Registry
	}

	// Executor is a bounded worker pool executing local task actions.
	Executor struct {
		cfg     Config
		httpc   *http.Client
		log     telemetry.Logger
		metrics telemetry.Metrics
		workers int
		depth   int

		base   context.Context
		cancel context.CancelFunc
		jobs   chan dispatch.TaskRequest
		wg     sync.WaitGroup
	}

	// Option tunes the executor.
	Option func(*Executor)
)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(x *Executor) {
		if n > 0 {
			x.workers = n
		}
	}
}

// WithQueueDepth bounds how many tasks may wait for a worker.
func WithQueueDepth(n int) Option {
	return func(x *Executor) {
		if n > 0 {
			x.depth = n
		}
	}
}

// WithHTTPClient replaces the client used by http actions.
func WithHTTPClient(c *http.Client) Option {
	return func(x *Executor) {
		if c != nil {
			x.httpc = c
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l telemetry.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.log = l
		}
	}
}

// WithMetrics sets the executor metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(x *Executor) {
		if m != nil {
			x.metrics = m
		}
	}
}

// New starts the worker pool. Workers run until Shutdown; ctx bounds the
// lifetime of every task the pool executes.
func New(ctx context.Context, cfg Config, opts ...Option) (*Executor, error) {
	if cfg.Correlators == nil {
		return nil, fault.Validation("correlators", "executor requires dispatch correlators")
	}
	x := &Executor{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: DefaultHTTPTimeout},
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		workers: DefaultWorkers,
		depth:   DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(x)
	}
	x.base, x.cancel = context.WithCancel(ctx)
	x.jobs = make(chan dispatch.TaskRequest, x.depth)
	for i := 0; i < x.workers; i++ {
		x.wg.Add(1)
		go x.worker()
	}
	return x, nil
}

// Compile-time check that Executor implements dispatch.TaskClient.
var _ dispatch.TaskClient = (*Executor)(nil)

// Execute queues one task for the pool. It never blocks the caller: a full
// queue rejects the task and the dispatching coordinator fails the token.
func (x *Executor) Execute(ctx context.Context, req dispatch.TaskRequest) error {
	select {
	case <-x.base.Done():
		return fault.New(fault.KindDispatch, "executor is shut down")
	default:
	}
	select {
	case x.jobs <- req:
		return nil
	default:
		x.metrics.IncCounter("executor.rejected", 1, "action", req.Action)
		return fault.Newf(fault.KindDispatch, "executor queue is full (depth %d)", cap(x.jobs))
	}
}

// Shutdown stops accepting work, waits for in-flight tasks, and fails any
// still-queued tasks so their correlators do not dangle.
func (x *Executor) Shutdown(ctx context.Context) error {
	x.cancel()
	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		for {
			select {
			case req := <-x.jobs:
				x.cfg.Correlators.Fail(req.OperationID, fault.New(fault.KindDispatch, "executor shut down"))
			default:
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Executor) worker() {
	defer x.wg.Done()
	for {
		select {
		case <-x.base.Done():
			return
		case req := <-x.jobs:
			x.run(req)
		}
	}
}

// run executes one task under its timeout and settles the correlator. Late
// or withdrawn correlators are logged and dropped; the pool never blocks on
// result delivery.
func (x *Executor) run(req dispatch.TaskRequest) {
	ctx := x.base
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()
	out, err := x.perform(ctx, req)
	x.metrics.RecordTimer("executor.task", time.Since(start), "action", req.Action)
	if err != nil {
		if ctx.Err() != nil && fault.KindOf(err) != fault.KindTimeout {
			err = fault.Timeout("task %s timed out after %dms", req.TaskID, req.TimeoutMs)
		}
		x.metrics.IncCounter("executor.failed", 1, "action", req.Action, "kind", string(fault.KindOf(err)))
		if !x.cfg.Correlators.Fail(req.OperationID, err) {
			x.log.Debug(ctx, "task failure dropped", "operation_id", req.OperationID, "action", req.Action)
		}
		return
	}
	x.metrics.IncCounter("executor.completed", 1, "action", req.Action)
	if !x.cfg.Correlators.Resolve(req.OperationID, dispatch.Result{Output: out}) {
		x.log.Debug(ctx, "task result dropped", "operation_id", req.OperationID, "action", req.Action)
	}
}

func (x *Executor) perform(ctx context.Context, req dispatch.TaskRequest) (map[string]any, error) {
	switch req.Action {
	case definition.TaskActionMock:
		return x.runMock(ctx, req)
	case definition.TaskActionHTTP:
		return x.runHTTP(ctx, req)
	case definition.TaskActionLLM:
		return x.runLLM(ctx, req)
	case definition.TaskActionAssemblePrompt:
		return x.runAssemble(ctx, req)
	default:
		return nil, fault.Newf(fault.KindValidation, "unknown task action %q", req.Action)
	}
}
