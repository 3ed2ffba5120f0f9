package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/stream"
)

// Coordinator mailbox messages. Results carry the full correlation tuple so
// stale replies are detected against the token's current position.
type (
	startMsg   struct{}
	recoverMsg struct{}

	cancelMsg struct {
		fut *actor.Future[struct{}]
	}

	inspectMsg struct {
		fut *actor.Future[*Run]
	}

	resultMsg struct {
		kind        string
		operationID string
		tokenID     string
		nodeID      string
		attempt     int
		childRunID  string
		result      dispatch.Result
	}

	joinTimerMsg struct {
		joinKey string
	}
)

// pendingOp is the in-memory record of one outstanding dispatch, keyed by
// token id in coordinator.outstanding.
type pendingOp struct {
	operationID string
	kind        string
	childRunID  string
}

// tick buffers the events produced while a mailbox message mutates the run.
// Events are emitted only after the snapshot persists, so subscribers never
// observe state the store could still lose.
type tick struct {
	events []event.Event
}

func (t *tick) add(ev event.Event) {
	t.events = append(t.events, ev)
}

// coordinator owns one run. All fields are touched only on the actor
// goroutine.
type coordinator struct {
	co   *Coordinators
	self *actor.Ref
	run  *Run
	wf   *definition.Workflow
	emit *stream.Emitter

	// outstanding maps token id to its in-flight dispatch.
	outstanding map[string]pendingOp
	// taskDefs caches decoded task definitions by node id.
	taskDefs map[string]*definition.Task
	// delivered guards the one-shot terminal delivery to parent or
	// conversation correlators.
	delivered bool
}

func newCoordinator(co *Coordinators, self *actor.Ref, run *Run, wf *definition.Workflow) *coordinator {
	return &coordinator{
		co:   co,
		self: self,
		run:  run,
		wf:   wf,
		emit: co.cfg.Streams.Emitter(event.RunStream(run.ID),
			stream.WithRunScope(run.ID),
			stream.WithEmitterLogger(co.log)),
		outstanding: make(map[string]pendingOp),
		taskDefs:    make(map[string]*definition.Task),
	}
}

// handle is the actor handler: one message, one atomic tick.
func (c *coordinator) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case inspectMsg:
		m.fut.Resolve(c.run.Clone())
	case startMsg:
		c.handleStart(ctx)
	case recoverMsg:
		c.handleRecover(ctx)
	case resultMsg:
		c.handleResult(ctx, m)
	case joinTimerMsg:
		c.handleJoinTimer(ctx, m)
	case cancelMsg:
		c.handleCancel(ctx, m)
	default:
		c.co.log.Warn(ctx, "unknown coordinator message", "run_id", c.run.ID)
	}
}

func (c *coordinator) handleStart(ctx context.Context) {
	if c.run.Status != RunPending {
		return
	}
	t := &tick{}
	c.run.Status = RunRunning
	c.evRun(t, event.TypeWorkflowStarted, map[string]any{
		"definitionId":      c.run.DefinitionID,
		"definitionVersion": c.run.DefinitionVersion,
	})
	tok := c.initialToken()
	c.run.Tokens = append(c.run.Tokens, tok)
	c.run.Record("spawn_tokens", map[string]any{"tokenIds": []string{tok.ID}, "initial": true})
	c.evToken(t, event.TypeTokenCreated, tok, map[string]any{
		"branchIndex": tok.BranchIndex,
		"branchTotal": tok.BranchTotal,
	})
	c.dispatchToken(ctx, t, tok)
	c.checkRunDone(ctx, t)
	c.finishTick(ctx, t)
}

// handleRecover resumes a run restored from the store. In-flight dispatches
// did not survive the previous process, so dispatched tokens re-enter pending
// and execute their node again.
func (c *coordinator) handleRecover(ctx context.Context) {
	if c.run.Status == RunPending {
		c.handleStart(ctx)
		return
	}
	if c.run.Terminal() {
		c.self.Stop()
		return
	}
	t := &tick{}
	requeued := 0
	for _, tok := range c.run.Tokens {
		if tok.Status == TokenDispatched {
			tok.Status = TokenPending
			tok.UpdatedAt = time.Now().UTC()
			requeued++
		}
	}
	c.run.Record("recovered", map[string]any{"requeued": requeued})
	for _, tok := range c.run.ActiveTokens() {
		if c.run.Terminal() {
			break
		}
		if tok.Status == TokenPending {
			c.dispatchToken(ctx, t, tok)
		}
	}
	for key, js := range c.run.Joins {
		if js.Done {
			continue
		}
		tr := c.wf.TransitionByID(js.TransitionID)
		if tr != nil && tr.Sync != nil && tr.Sync.TimeoutMs > 0 {
			c.self.After(joinTimerKey(key), time.Duration(tr.Sync.TimeoutMs)*time.Millisecond,
				joinTimerMsg{joinKey: key})
		}
	}
	c.checkJoins(ctx, t)
	c.checkRunDone(ctx, t)
	c.finishTick(ctx, t)
}

func (c *coordinator) handleCancel(ctx context.Context, m cancelMsg) {
	if !c.run.Terminal() {
		t := &tick{}
		for _, tok := range c.run.ActiveTokens() {
			c.cancelToken(ctx, t, tok, "run_cancelled")
		}
		now := time.Now().UTC()
		c.run.Status = RunCancelled
		c.run.EndedAt = &now
		c.run.Failure = &fault.Failure{Kind: fault.KindDispatch, Code: "cancelled", Message: "run cancelled"}
		c.run.Context.Branches = nil
		c.run.Record("fail_run", map[string]any{"reason": "cancelled"})
		c.evRun(t, event.TypeWorkflowFailed, map[string]any{"reason": "cancelled"})
		c.finishTick(ctx, t)
	}
	if m.fut != nil {
		m.fut.Resolve(struct{}{})
	}
}

// failRun ends the run with a terminal failure: active tokens are cancelled,
// outstanding child runs are cancelled, branch stores drop.
func (c *coordinator) failRun(ctx context.Context, t *tick, err error) {
	if c.run.Terminal() {
		return
	}
	failure := fault.ToFailure(err)
	for _, tok := range c.run.ActiveTokens() {
		c.cancelToken(ctx, t, tok, "run_failed")
	}
	now := time.Now().UTC()
	c.run.Status = RunFailed
	c.run.EndedAt = &now
	c.run.Failure = failure
	c.run.Context.Branches = nil
	c.run.Record("fail_run", map[string]any{"failure": failure.Payload()})
	c.evRun(t, event.TypeWorkflowFailed, map[string]any{"failure": failure.Payload()})
}

// checkRunDone completes the run once no token holds control flow and no
// dispatch is outstanding.
func (c *coordinator) checkRunDone(ctx context.Context, t *tick) {
	if c.run.Terminal() {
		return
	}
	if len(c.run.ActiveTokens()) > 0 || len(c.outstanding) > 0 {
		return
	}
	if len(c.wf.OutputMapping) > 0 {
		env := map[string]any{
			"input":  c.run.Context.Input,
			"state":  c.run.Context.State,
			"output": c.run.Context.Output,
		}
		targets := sortedKeys(c.wf.OutputMapping)
		for _, target := range targets {
			val, err := c.co.ev.Eval(c.wf.OutputMapping[target], env)
			if err != nil {
				c.failRun(ctx, t, err)
				return
			}
			if err := exprs.Set(c.run.Context.Output, target, val); err != nil {
				c.failRun(ctx, t, err)
				return
			}
		}
		c.evRun(t, event.TypeContextOutputApplied, map[string]any{"paths": targets})
	}
	if err := c.co.sv.Validate(c.run.Context.Output, c.wf.OutputSchema); err != nil {
		c.failRun(ctx, t, &fault.Error{
			Kind:    fault.KindValidation,
			Code:    "output_validation",
			Message: "run output does not match output schema",
			Cause:   err,
		})
		return
	}
	now := time.Now().UTC()
	c.run.Status = RunCompleted
	c.run.EndedAt = &now
	c.run.Context.Branches = nil
	c.run.Record("complete_run", map[string]any{"tokens": len(c.run.Tokens)})
	c.evRun(t, event.TypeWorkflowCompleted, map[string]any{"output": c.run.Context.Output})
}

// cancelToken withdraws a token from play: its outstanding dispatch is
// abandoned, child runs are cancelled, and its branch store drops.
func (c *coordinator) cancelToken(ctx context.Context, t *tick, tok *Token, reason string) {
	if op, ok := c.outstanding[tok.ID]; ok {
		delete(c.outstanding, tok.ID)
		c.co.cfg.Correlators.Cancel(op.operationID)
		if op.kind == dispatch.KindWorkflow && op.childRunID != "" {
			c.cancelChild(op.childRunID)
		}
	}
	tok.Status = TokenCancelled
	tok.UpdatedAt = time.Now().UTC()
	c.evToken(t, event.TypeTokenCompleted, tok, map[string]any{"outcome": "cancelled", "reason": reason})
	c.dropBranch(tok.BranchRootID)
}

// cancelChild propagates cancellation to a sub-workflow without blocking the
// parent's loop on the child's tick.
func (c *coordinator) cancelChild(childID string) {
	co := c.co
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := co.Cancel(cctx, childID); err != nil {
			co.log.Warn(cctx, "sub-workflow cancel failed", "run_id", childID, "err", err)
		}
	}()
}

// finishTick persists the snapshot, then emits the tick's events, then
// retires the actor if the run reached a terminal state. Persistence gets one
// retry; a second failure turns the tick into a terminal storage fault.
func (c *coordinator) finishTick(ctx context.Context, t *tick) {
	if err := c.persist(ctx); err != nil {
		if !c.run.Terminal() {
			now := time.Now().UTC()
			c.run.Status = RunFailed
			c.run.EndedAt = &now
			c.run.Failure = fault.ToFailure(fault.Wrap(fault.KindStorage, "persist run snapshot", err))
			t.add(event.Event{Type: event.TypeWorkflowFailed, Payload: map[string]any{"failure": c.run.Failure.Payload()}})
			if perr := c.co.cfg.Store.SaveRun(ctx, c.run); perr != nil {
				c.co.log.Error(ctx, "terminal snapshot lost", "run_id", c.run.ID, "err", perr)
			}
		} else {
			c.co.log.Error(ctx, "terminal snapshot lost", "run_id", c.run.ID, "err", err)
		}
	}
	for i := range t.events {
		c.emit.Event(ctx, t.events[i])
	}
	if c.run.Terminal() {
		c.deliverTerminal(ctx)
		c.self.Stop()
	}
}

func (c *coordinator) persist(ctx context.Context) error {
	start := time.Now()
	err := c.co.cfg.Store.SaveRun(ctx, c.run)
	if err != nil {
		c.co.log.Warn(ctx, "snapshot save retrying", "run_id", c.run.ID, "err", err)
		err = c.co.cfg.Store.SaveRun(ctx, c.run)
	}
	if err != nil {
		return err
	}
	c.emit.SQL(ctx, "run.save_snapshot", start, map[string]any{
		"runId":  c.run.ID,
		"tokens": len(c.run.Tokens),
		"status": string(c.run.Status),
	})
	return nil
}

// deliverTerminal resolves the correlator a parent run or conversation
// registered for this run's result. Exactly once per run.
func (c *coordinator) deliverTerminal(ctx context.Context) {
	if c.delivered {
		return
	}
	c.delivered = true
	var res dispatch.Result
	if c.run.Status == RunCompleted {
		res = dispatch.Result{Output: c.run.Context.Output}
	} else {
		failure := c.run.Failure
		if failure == nil {
			failure = fault.ToFailure(fault.Newf(fault.KindInternal, "run %s ended %s without failure detail", c.run.ID, c.run.Status))
		}
		res = dispatch.Result{Failure: failure}
	}
	if p := c.run.Parent; p != nil && p.OperationID != "" {
		if !c.co.cfg.Correlators.Resolve(p.OperationID, res) {
			c.co.log.Warn(ctx, "parent correlator gone", "run_id", c.run.ID, "operation_id", p.OperationID)
		}
	}
	if cv := c.run.Conversation; cv != nil && cv.OperationID != "" {
		if !c.co.cfg.Correlators.Resolve(cv.OperationID, res) {
			c.co.log.Warn(ctx, "conversation correlator gone", "run_id", c.run.ID, "operation_id", cv.OperationID)
		}
	}
}

func (c *coordinator) initialToken() *Token {
	now := time.Now().UTC()
	tok := &Token{
		ID:          ids.Token(),
		RunID:       c.run.ID,
		NodeID:      c.wf.InitialNodeID,
		BranchIndex: 0,
		BranchTotal: 1,
		Status:      TokenPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tok.BranchRootID = tok.ID
	return tok
}

// evToken buffers a token-scoped event.
func (c *coordinator) evToken(t *tick, typ string, tok *Token, payload map[string]any) {
	t.add(event.Event{Type: typ, TokenID: tok.ID, NodeID: tok.NodeID, Payload: payload})
}

// evRun buffers a run-scoped event.
func (c *coordinator) evRun(t *tick, typ string, payload map[string]any) {
	t.add(event.Event{Type: typ, Payload: payload})
}

// replyFunc builds the correlator callback delivering a dispatch result back
// into this actor's mailbox. It must not block: a full mailbox falls back to
// a goroutine, a stopped actor drops the reply (the run is already terminal).
func (c *coordinator) replyFunc(m resultMsg) func(dispatch.Result) {
	self := c.self
	log := c.co.log
	return func(r dispatch.Result) {
		msg := m
		msg.result = r
		err := self.TryPost(msg)
		if err == nil {
			return
		}
		if errors.Is(err, actor.ErrMailboxFull) {
			go func() { _ = self.Post(context.Background(), msg) }()
			return
		}
		log.Warn(context.Background(), "dispatch result dropped",
			"token_id", m.tokenID, "operation_id", m.operationID, "err", err)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
