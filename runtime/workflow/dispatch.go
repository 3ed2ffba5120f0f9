package workflow

import (
	"context"
	"strings"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
)

// dispatchToken executes the node a pending token sits on. Tasks go to the
// task client, workflow targets start a sub-run; either way the result comes
// back through the correlator as a resultMsg.
func (c *coordinator) dispatchToken(ctx context.Context, t *tick, tok *Token) {
	if c.run.Terminal() || tok.Status != TokenPending {
		return
	}
	node := c.wf.NodeByID(tok.NodeID)
	if node == nil {
		c.failRun(ctx, t, fault.Newf(fault.KindInternal, "token %s references unknown node %s", tok.ID, tok.NodeID))
		return
	}
	input, err := c.evalInputMapping(tok, node)
	if err != nil {
		c.failToken(ctx, t, tok, node, fault.ToFailure(err), false)
		return
	}
	switch node.Target {
	case definition.TargetTask:
		c.dispatchTask(ctx, t, tok, node, input)
	case definition.TargetWorkflow:
		c.dispatchSubworkflow(ctx, t, tok, node, input)
	default:
		c.failRun(ctx, t, fault.Newf(fault.KindValidation, "node %s targets %q, workflows may only invoke tasks and workflows", node.ID, node.Target))
	}
}

func (c *coordinator) dispatchTask(ctx context.Context, t *tick, tok *Token, node *definition.Node, input map[string]any) {
	task, err := c.taskDef(ctx, node)
	if err != nil {
		c.failToken(ctx, t, tok, node, fault.ToFailure(fault.Wrap(fault.KindDispatch, "resolve task definition", err)), false)
		return
	}
	if err := c.co.sv.Validate(input, task.InputSchema); err != nil {
		c.failToken(ctx, t, tok, node, fault.ToFailure(err), false)
		return
	}
	opID := ids.Operation()
	reply := c.replyFunc(resultMsg{
		kind:        dispatch.KindTask,
		operationID: opID,
		tokenID:     tok.ID,
		nodeID:      node.ID,
		attempt:     tok.Attempt,
	})
	err = c.co.cfg.Correlators.Register(opID, dispatch.Pending{
		Kind:    dispatch.KindTask,
		ReplyTo: reply,
		Meta: map[string]string{
			"runId":   c.run.ID,
			"tokenId": tok.ID,
			"nodeId":  node.ID,
		},
	})
	if err != nil {
		c.failRun(ctx, t, err)
		return
	}
	tok.Status = TokenDispatched
	tok.UpdatedAt = time.Now().UTC()
	c.outstanding[tok.ID] = pendingOp{operationID: opID, kind: dispatch.KindTask}
	c.run.Record("dispatch", map[string]any{
		"tokenId": tok.ID, "nodeId": node.ID, "operationId": opID, "attempt": tok.Attempt,
	})
	c.evToken(t, event.TypeTaskDispatched, tok, map[string]any{
		"operationId": opID,
		"taskId":      node.TargetID,
		"action":      task.Action,
		"attempt":     tok.Attempt,
	})
	c.emit.Dispatch(ctx, "task.execute", opID, map[string]any{"nodeId": node.ID, "action": task.Action})
	execErr := c.co.cfg.Tasks.Execute(ctx, dispatch.TaskRequest{
		OperationID: opID,
		TaskID:      node.TargetID,
		TaskVersion: node.TargetVersion,
		Action:      task.Action,
		Config:      task.Config,
		Input:       input,
		TimeoutMs:   task.TimeoutMs,
		Meta:        map[string]string{"runId": c.run.ID, "nodeId": node.ID},
	})
	if execErr != nil {
		c.co.cfg.Correlators.Cancel(opID)
		delete(c.outstanding, tok.ID)
		c.settleFailure(ctx, t, tok, node, resultMsg{
			kind:        dispatch.KindTask,
			operationID: opID,
			tokenID:     tok.ID,
			nodeID:      node.ID,
			attempt:     tok.Attempt,
			result:      dispatch.Result{Failure: fault.ToFailure(fault.Wrap(fault.KindDispatch, "execute task", execErr))},
		})
	}
}

func (c *coordinator) dispatchSubworkflow(ctx context.Context, t *tick, tok *Token, node *definition.Node, input map[string]any) {
	opID := ids.Operation()
	childID := ids.Run()
	reply := c.replyFunc(resultMsg{
		kind:        dispatch.KindWorkflow,
		operationID: opID,
		tokenID:     tok.ID,
		nodeID:      node.ID,
		attempt:     tok.Attempt,
		childRunID:  childID,
	})
	err := c.co.cfg.Correlators.Register(opID, dispatch.Pending{
		Kind:    dispatch.KindWorkflow,
		ReplyTo: reply,
		Meta: map[string]string{
			"runId":      c.run.ID,
			"tokenId":    tok.ID,
			"nodeId":     node.ID,
			"childRunId": childID,
		},
	})
	if err != nil {
		c.failRun(ctx, t, err)
		return
	}
	tok.Status = TokenDispatched
	tok.UpdatedAt = time.Now().UTC()
	c.outstanding[tok.ID] = pendingOp{operationID: opID, kind: dispatch.KindWorkflow, childRunID: childID}
	c.run.Record("dispatch", map[string]any{
		"tokenId": tok.ID, "nodeId": node.ID, "operationId": opID, "childRunId": childID,
	})
	c.evToken(t, event.TypeSubworkflowStarted, tok, map[string]any{
		"operationId":  opID,
		"childRunId":   childID,
		"definitionId": node.TargetID,
	})
	c.emit.Dispatch(ctx, "subworkflow.start", opID, map[string]any{"nodeId": node.ID, "childRunId": childID})
	_, startErr := c.co.StartRun(ctx, StartRequest{
		RunID:             childID,
		DefinitionID:      node.TargetID,
		DefinitionVersion: node.TargetVersion,
		Input:             input,
		Parent: &ParentRef{
			RunID:       c.run.ID,
			NodeID:      node.ID,
			TokenID:     tok.ID,
			OperationID: opID,
		},
	})
	if startErr != nil {
		c.co.cfg.Correlators.Cancel(opID)
		delete(c.outstanding, tok.ID)
		c.settleFailure(ctx, t, tok, node, resultMsg{
			kind:        dispatch.KindWorkflow,
			operationID: opID,
			tokenID:     tok.ID,
			nodeID:      node.ID,
			attempt:     tok.Attempt,
			childRunID:  childID,
			result:      dispatch.Result{Failure: fault.ToFailure(fault.Wrap(fault.KindDispatch, "start sub-workflow", startErr))},
		})
	}
}

// handleResult is the actor entry point for a completed dispatch. Replies
// that no longer match the token's position are logged and dropped.
func (c *coordinator) handleResult(ctx context.Context, m resultMsg) {
	if c.run.Terminal() {
		return
	}
	tok := c.run.Token(m.tokenID)
	op, tracked := c.outstanding[m.tokenID]
	if tok == nil || tok.Status != TokenDispatched || tok.NodeID != m.nodeID ||
		tok.Attempt != m.attempt || !tracked || op.operationID != m.operationID {
		c.co.log.Warn(ctx, "stale dispatch result dropped",
			"run_id", c.run.ID, "token_id", m.tokenID, "operation_id", m.operationID)
		c.emit.Dispatch(ctx, "result.stale_dropped", m.operationID, map[string]any{
			"tokenId": m.tokenID, "nodeId": m.nodeID, "attempt": m.attempt,
		})
		return
	}
	delete(c.outstanding, m.tokenID)
	node := c.wf.NodeByID(m.nodeID)
	t := &tick{}
	if m.result.Failure != nil {
		c.settleFailure(ctx, t, tok, node, m)
	} else {
		c.settleSuccess(ctx, t, tok, node, m)
	}
	c.checkJoins(ctx, t)
	c.checkRunDone(ctx, t)
	c.finishTick(ctx, t)
}

func (c *coordinator) settleSuccess(ctx context.Context, t *tick, tok *Token, node *definition.Node, m resultMsg) {
	evType := event.TypeTaskCompleted
	payload := map[string]any{"operationId": m.operationID}
	if m.kind == dispatch.KindWorkflow {
		evType = event.TypeSubworkflowCompleted
		payload["childRunId"] = m.childRunID
	}
	c.evToken(t, evType, tok, payload)
	if err := c.applyOutputMapping(t, tok, node, m.result.Output); err != nil {
		c.failToken(ctx, t, tok, node, fault.ToFailure(err), false)
		return
	}
	tok.Status = TokenCompleted
	tok.UpdatedAt = time.Now().UTC()
	c.evToken(t, event.TypeTokenCompleted, tok, nil)
	c.route(ctx, t, tok)
}

// settleFailure applies the node's failure policy: retry burns the task's
// attempt budget, continue records the failure and routes on, abort fails
// the run.
func (c *coordinator) settleFailure(ctx context.Context, t *tick, tok *Token, node *definition.Node, m resultMsg) {
	failure := m.result.Failure
	evType := event.TypeTaskFailed
	if m.kind == dispatch.KindWorkflow {
		evType = event.TypeSubworkflowFailed
	}
	policy := definition.OnFailureAbort
	if node != nil && node.OnFailure != "" {
		policy = node.OnFailure
	}
	if policy == definition.OnFailureRetry && m.kind == dispatch.KindTask {
		if task, err := c.taskDef(ctx, node); err == nil && tok.Attempt+1 < task.Retry.Attempts() {
			c.evToken(t, evType, tok, map[string]any{
				"operationId": m.operationID,
				"failure":     failure.Payload(),
				"willRetry":   true,
			})
			tok.Attempt++
			tok.Status = TokenPending
			tok.UpdatedAt = time.Now().UTC()
			c.run.Record("dispatch", map[string]any{"tokenId": tok.ID, "nodeId": node.ID, "retry": tok.Attempt})
			c.dispatchToken(ctx, t, tok)
			return
		}
	}
	payload := map[string]any{"operationId": m.operationID, "failure": failure.Payload()}
	if m.childRunID != "" {
		payload["childRunId"] = m.childRunID
	}
	c.evToken(t, evType, tok, payload)
	c.failToken(ctx, t, tok, node, failure, true)
}

// failToken resolves a token that cannot proceed. Under a continue policy the
// failure lands in state._failures and, when routeOnContinue is set, the
// token still routes onward; loop-limit and mapping faults close the branch
// instead. Any other policy fails the run.
func (c *coordinator) failToken(ctx context.Context, t *tick, tok *Token, node *definition.Node, failure *fault.Failure, routeOnContinue bool) {
	policy := definition.OnFailureAbort
	if node != nil && node.OnFailure != "" {
		policy = node.OnFailure
	}
	if policy == definition.OnFailureContinue {
		if node != nil {
			if err := exprs.Set(c.run.Context.State, "_failures."+node.ID, failure.Payload()); err != nil {
				c.failRun(ctx, t, err)
				return
			}
		}
		tok.Status = TokenCompleted
		tok.UpdatedAt = time.Now().UTC()
		c.run.Record("apply_context", map[string]any{"tokenId": tok.ID, "failureRecorded": true})
		c.evToken(t, event.TypeTokenCompleted, tok, map[string]any{
			"outcome": "failed_continue",
			"failure": failure.Payload(),
		})
		if routeOnContinue {
			c.route(ctx, t, tok)
		} else {
			c.dropBranch(tok.BranchRootID)
		}
		return
	}
	tok.Status = TokenFailed
	tok.UpdatedAt = time.Now().UTC()
	c.evToken(t, event.TypeTokenFailed, tok, map[string]any{"failure": failure.Payload()})
	c.failRun(ctx, t, failure.Err())
}

// evalInputMapping assembles the dispatch input document from the node's
// input mapping, evaluated in the token's environment.
func (c *coordinator) evalInputMapping(tok *Token, node *definition.Node) (map[string]any, error) {
	input := map[string]any{}
	if len(node.InputMapping) == 0 {
		return input, nil
	}
	env := c.tokenEnv(tok)
	for _, target := range sortedKeys(node.InputMapping) {
		val, err := c.co.ev.Eval(node.InputMapping[target], env)
		if err != nil {
			return nil, err
		}
		if err := exprs.Set(input, target, val); err != nil {
			return nil, err
		}
	}
	return input, nil
}

// applyOutputMapping folds a dispatch result into the run context per the
// node's output mapping. Targets write state, output or the token's branch
// store; the result document is visible as "result".
func (c *coordinator) applyOutputMapping(t *tick, tok *Token, node *definition.Node, output map[string]any) error {
	if node == nil || len(node.OutputMapping) == 0 {
		return nil
	}
	if output == nil {
		output = map[string]any{}
	}
	env := c.tokenEnv(tok)
	env["result"] = output
	var statePaths, outputPaths []string
	targets := sortedKeys(node.OutputMapping)
	for _, target := range targets {
		val, err := c.co.ev.Eval(node.OutputMapping[target], env)
		if err != nil {
			return err
		}
		if err := c.setPath(tok, target, val); err != nil {
			return err
		}
		if strings.HasPrefix(target, "output.") {
			outputPaths = append(outputPaths, target)
		} else {
			statePaths = append(statePaths, target)
		}
	}
	c.run.Record("apply_context", map[string]any{"tokenId": tok.ID, "nodeId": node.ID, "paths": targets})
	if len(statePaths) > 0 {
		c.evToken(t, event.TypeContextUpdated, tok, map[string]any{"paths": statePaths})
	}
	if len(outputPaths) > 0 {
		c.evToken(t, event.TypeContextOutputApplied, tok, map[string]any{"paths": outputPaths})
	}
	return nil
}

// taskDef resolves and caches the task definition a node targets.
func (c *coordinator) taskDef(ctx context.Context, node *definition.Node) (*definition.Task, error) {
	if task, ok := c.taskDefs[node.ID]; ok {
		return task, nil
	}
	def, err := c.co.cfg.Definitions.Get(ctx, node.TargetID, node.TargetVersion)
	if err != nil {
		return nil, err
	}
	task, err := definition.DecodeTask(def)
	if err != nil {
		return nil, err
	}
	c.taskDefs[node.ID] = task
	return task, nil
}
