package workflow

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/schema"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/telemetry"
)

type (
	// Config carries the collaborators shared by every run coordinator.
	Config struct {
		// System hosts the per-run actors.
		System *actor.System
		// Store persists run snapshots.
		Store Store
		// Definitions resolves workflow and task definitions.
		Definitions *definition.Service
		// Streams allocates per-run emitters.
		Streams *stream.Directory
		// Correlators tracks outstanding dispatches.
		Correlators *dispatch.Correlators
		// Tasks executes task nodes.
		Tasks dispatch.TaskClient
	}

	// Option customizes Coordinators construction.
	Option func(*Coordinators)

	// Coordinators spawns and addresses the per-run coordinator actors.
	// It also implements dispatch.WorkflowClient so conversation tooling
	// starts and cancels runs through the same door as parent runs.
	Coordinators struct {
		cfg     Config
		ev      *exprs.Evaluator
		sv      *schema.Validator
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// StartRequest describes a run to start.
	StartRequest struct {
		// RunID pins the run identifier; empty mints one.
		RunID string
		// DefinitionID identifies the workflow definition.
		DefinitionID string
		// DefinitionVersion pins the version; 0 selects the latest.
		DefinitionVersion int
		// Input is the run's immutable input document.
		Input map[string]any
		// Parent links a sub-workflow run to the token awaiting it.
		Parent *ParentRef
		// Conversation links an agent-dispatched run to the move
		// awaiting it.
		Conversation *ConversationRef
	}
)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Coordinators) { c.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Coordinators) { c.metrics = m }
}

// WithEvaluator shares an expression program cache across components.
func WithEvaluator(ev *exprs.Evaluator) Option {
	return func(c *Coordinators) { c.ev = ev }
}

// WithSchemaValidator shares a schema compilation cache.
func WithSchemaValidator(sv *schema.Validator) Option {
	return func(c *Coordinators) { c.sv = sv }
}

// NewCoordinators validates cfg and constructs the coordinator manager.
func NewCoordinators(cfg Config, opts ...Option) (*Coordinators, error) {
	switch {
	case cfg.System == nil:
		return nil, errors.New("workflow: actor system is required")
	case cfg.Store == nil:
		return nil, errors.New("workflow: run store is required")
	case cfg.Definitions == nil:
		return nil, errors.New("workflow: definition service is required")
	case cfg.Streams == nil:
		return nil, errors.New("workflow: stream directory is required")
	case cfg.Correlators == nil:
		return nil, errors.New("workflow: correlator registry is required")
	case cfg.Tasks == nil:
		return nil, errors.New("workflow: task client is required")
	}
	c := &Coordinators{
		cfg:     cfg,
		ev:      exprs.New(),
		sv:      schema.NewValidator(),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartRun resolves the definition, validates the input, persists the
// pending snapshot, and spawns the run's coordinator actor. The run executes
// asynchronously; the returned id addresses it.
func (c *Coordinators) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if req.DefinitionID == "" {
		return "", fault.Validation("definitionId", "workflow definition id is required")
	}
	def, err := c.cfg.Definitions.Get(ctx, req.DefinitionID, req.DefinitionVersion)
	if err != nil {
		return "", err
	}
	wf, err := definition.DecodeWorkflow(def)
	if err != nil {
		return "", fault.Wrap(fault.KindValidation, "decode workflow definition", err)
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if err := c.sv.Validate(input, wf.InputSchema); err != nil {
		return "", err
	}
	runID := req.RunID
	if runID == "" {
		runID = ids.Run()
	}
	now := time.Now().UTC()
	run := &Run{
		ID:                runID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            RunPending,
		Context: &RunContext{
			Input:    input,
			State:    map[string]any{},
			Output:   map[string]any{},
			Branches: map[string]map[string]any{},
		},
		Joins:        map[string]*JoinState{},
		Parent:       req.Parent,
		Conversation: req.Conversation,
		StartedAt:    now,
	}
	if err := c.cfg.Store.SaveRun(ctx, run); err != nil {
		return "", fault.Wrap(fault.KindStorage, "persist run", err)
	}
	ref, err := c.spawn(run, wf)
	if err != nil {
		return "", err
	}
	if err := ref.Post(ctx, startMsg{}); err != nil {
		return "", fault.Internal("start run "+runID, err)
	}
	c.metrics.IncCounter("workflow.runs_started", 1)
	return runID, nil
}

// Start implements dispatch.WorkflowClient for callers outside this package.
func (c *Coordinators) Start(ctx context.Context, req dispatch.WorkflowStart) error {
	sr := StartRequest{
		RunID:             req.RunID,
		DefinitionID:      req.DefinitionID,
		DefinitionVersion: req.DefinitionVersion,
		Input:             req.Input,
	}
	if req.ParentRunID != "" {
		sr.Parent = &ParentRef{
			RunID:       req.ParentRunID,
			NodeID:      req.ParentNodeID,
			TokenID:     req.ParentTokenID,
			OperationID: req.OperationID,
		}
	}
	if req.ConversationID != "" {
		sr.Conversation = &ConversationRef{
			ConversationID: req.ConversationID,
			TurnID:         req.TurnID,
			MoveID:         req.MoveID,
			OperationID:    req.OperationID,
		}
	}
	_, err := c.StartRun(ctx, sr)
	return err
}

// Cancel requests the run stop. Active tokens are cancelled, outstanding
// sub-workflows are cancelled in turn, and the run ends in cancelled status.
// Cancelling a terminal run is a no-op.
func (c *Coordinators) Cancel(ctx context.Context, runID string) error {
	if ref, ok := c.cfg.System.Lookup(runActorID(runID)); ok {
		_, err := actor.Ask(ctx, ref, func(f *actor.Future[struct{}]) any {
			return cancelMsg{fut: f}
		})
		if err == nil || !errors.Is(err, actor.ErrStopped) {
			return err
		}
	}
	run, wf, err := c.load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}
	ref, err := c.spawn(run, wf)
	if err != nil {
		return err
	}
	_, err = actor.Ask(ctx, ref, func(f *actor.Future[struct{}]) any {
		return cancelMsg{fut: f}
	})
	return err
}

// Inspect returns a deep-copied snapshot of the run. Live runs answer from
// the actor; terminal runs answer from the store.
func (c *Coordinators) Inspect(ctx context.Context, runID string) (*Run, error) {
	if ref, ok := c.cfg.System.Lookup(runActorID(runID)); ok {
		snap, err := actor.Ask(ctx, ref, func(f *actor.Future[*Run]) any {
			return inspectMsg{fut: f}
		})
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, actor.ErrStopped) {
			return nil, err
		}
	}
	run, err := c.cfg.Store.GetRun(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("run %s not found", runID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "load run", err)
	}
	return run.Clone(), nil
}

// Recover respawns coordinator actors for every non-terminal run in the
// store. In-flight dispatches were lost with the previous process, so
// dispatched tokens re-enter pending and their nodes execute again
// (at-least-once). Returns the number of runs resumed.
func (c *Coordinators) Recover(ctx context.Context) (int, error) {
	runs, err := c.cfg.Store.ListActive(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindStorage, "list active runs", err)
	}
	resumed := 0
	for _, run := range runs {
		wf, err := c.decode(ctx, run)
		if err != nil {
			c.log.Error(ctx, "recovery skipped run", "run_id", run.ID, "err", err)
			continue
		}
		ref, err := c.spawn(run, wf)
		if err != nil {
			c.log.Error(ctx, "recovery spawn failed", "run_id", run.ID, "err", err)
			continue
		}
		if err := ref.Post(ctx, recoverMsg{}); err != nil {
			c.log.Error(ctx, "recovery post failed", "run_id", run.ID, "err", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// load reads a run snapshot and its pinned workflow definition.
func (c *Coordinators) load(ctx context.Context, runID string) (*Run, *definition.Workflow, error) {
	run, err := c.cfg.Store.GetRun(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, fault.NotFound("run %s not found", runID)
	}
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindStorage, "load run", err)
	}
	wf, err := c.decode(ctx, run)
	if err != nil {
		return nil, nil, err
	}
	return run, wf, nil
}

func (c *Coordinators) decode(ctx context.Context, run *Run) (*definition.Workflow, error) {
	def, err := c.cfg.Definitions.Get(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	wf, err := definition.DecodeWorkflow(def)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode workflow definition", err)
	}
	return wf, nil
}

// spawn starts the run's coordinator actor, handing it ownership of the
// snapshot. Spawning an already-live run returns the existing actor.
func (c *Coordinators) spawn(run *Run, wf *definition.Workflow) (*actor.Ref, error) {
	return c.cfg.System.Spawn(runActorID(run.ID), func(self *actor.Ref) actor.Handler {
		co := newCoordinator(c, self, run, wf)
		return co.handle
	})
}

// runActorID namespaces run actors within the shared system.
func runActorID(runID string) string { return "run/" + runID }
