package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/model"
)

// dispatchToolCall resolves one model tool call and dispatches it to its
// target. Unknown tools and schema violations settle immediately as failed
// moves whose error the model reads as the tool result; the loop continues.
func (rn *runner) dispatchToolCall(ctx context.Context, ts *turnState, call model.ToolCall) {
	binding, ok := ts.bundle.actions[call.Name]
	if !ok {
		rn.settleLocalFailure(ctx, ts, call, fault.ToFailure(fault.Newf(fault.KindTool, "unknown tool %q", call.Name)))
		return
	}
	action := binding.action
	if err := rn.rs.sv.Validate(call.Input, action.InputSchema); err != nil {
		rn.settleLocalFailure(ctx, ts, call, fault.ToFailure(err))
		return
	}
	opID := ids.Operation()
	now := time.Now().UTC()
	mv := &Move{
		ID:             ids.Move(),
		ConversationID: rn.conv.ID,
		TurnID:         ts.turn.ID,
		Index:          ts.turn.Moves,
		Kind:           moveKindFor(action.TargetType),
		Name:           call.Name,
		OperationID:    opID,
		ToolCallID:     call.ID,
		Request:        cloneMap(call.Input),
		Status:         MoveDispatched,
		StartedAt:      now,
	}
	ts.turn.Moves++
	if err := rn.saveTurnAndMove(ctx, ts, mv); err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	rn.event(ctx, event.TypeMoveRecorded, ts.turn.ID, map[string]any{
		"moveId": mv.ID,
		"kind":   string(mv.Kind),
		"index":  mv.Index,
	})
	turnID := ts.turn.ID
	err := rn.rs.cfg.Correlators.Register(opID, dispatch.Pending{
		Kind: dispatchKindFor(action.TargetType),
		ReplyTo: rn.postBack(func(r dispatch.Result) any {
			return toolResultMsg{turnID: turnID, operationID: opID, result: r}
		}),
		Meta: map[string]string{
			"conversationId": rn.conv.ID,
			"turnId":         turnID,
			"tool":           call.Name,
		},
	})
	if err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	pt := &pendingTool{
		operationID: opID,
		move:        mv,
		toolCallID:  call.ID,
		toolName:    call.Name,
		sync:        !action.Async,
	}
	ts.pending[opID] = pt
	ts.turn.PendingAsync++
	rn.event(ctx, event.TypeToolDispatched, ts.turn.ID, map[string]any{
		"toolCallId":  call.ID,
		"tool":        call.Name,
		"targetType":  action.TargetType,
		"async":       action.Async,
		"operationId": opID,
	})
	rn.event(ctx, event.TypeOperationAsyncTracked, ts.turn.ID, map[string]any{
		"operationId": opID,
		"tool":        call.Name,
	})
	var dispatchErr error
	switch action.TargetType {
	case definition.TargetTask:
		dispatchErr = rn.dispatchTaskTool(ctx, ts, binding, call, opID)
	case definition.TargetWorkflow:
		dispatchErr = rn.dispatchWorkflowTool(ctx, ts, pt, binding, call, opID)
	case definition.TargetAgent:
		dispatchErr = rn.dispatchAgentTool(ctx, ts, pt, binding, call, opID)
	default:
		dispatchErr = fault.Newf(fault.KindValidation, "unknown tool target type %q", action.TargetType)
	}
	if dispatchErr != nil {
		rn.rs.cfg.Correlators.Cancel(opID)
		delete(ts.pending, opID)
		if ts.turn.PendingAsync > 0 {
			ts.turn.PendingAsync--
		}
		rn.settleToolResult(ctx, ts, pt, mv, dispatch.Result{
			Failure: fault.ToFailure(fault.Wrap(fault.KindDispatch, "dispatch tool "+call.Name, dispatchErr)),
		})
		return
	}
	if pt.sync {
		ts.parked++
		ts.turn.Status = TurnWaiting
		if err := rn.rs.cfg.Store.SaveTurn(ctx, ts.turn); err != nil {
			rn.rs.log.Error(ctx, "turn snapshot lost", "turn_id", ts.turn.ID, "err", err)
		}
		rn.event(ctx, event.TypeOperationAsyncMarkedWaiting, ts.turn.ID, map[string]any{
			"operationId": opID,
		})
		return
	}
	// Async dispatch: a receipt holds the call's transcript slot so the
	// model can keep going; the real result replaces it on arrival.
	ts.messages = append(ts.messages, model.Message{
		Role:       model.RoleTool,
		ToolCallID: call.ID,
		Content:    dispatchReceipt(opID),
	})
}

func (rn *runner) dispatchTaskTool(ctx context.Context, ts *turnState, binding *toolBinding, call model.ToolCall, opID string) error {
	action := binding.action
	td, err := rn.rs.cfg.Definitions.Get(ctx, action.TargetID, action.TargetVersion)
	if err != nil {
		return err
	}
	task, err := definition.DecodeTask(td)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "decode task definition", err)
	}
	return rn.rs.cfg.Tasks.Execute(ctx, dispatch.TaskRequest{
		OperationID: opID,
		TaskID:      td.ID,
		TaskVersion: td.Version,
		Action:      task.Action,
		Config:      task.Config,
		Input:       call.Input,
		TimeoutMs:   task.TimeoutMs,
		Meta: map[string]string{
			"conversationId": rn.conv.ID,
			"turnId":         ts.turn.ID,
		},
	})
}

func (rn *runner) dispatchWorkflowTool(ctx context.Context, ts *turnState, pt *pendingTool, binding *toolBinding, call model.ToolCall, opID string) error {
	action := binding.action
	childRunID := ids.Run()
	pt.childRunID = childRunID
	err := rn.rs.cfg.Workflows.Start(ctx, dispatch.WorkflowStart{
		OperationID:       opID,
		RunID:             childRunID,
		DefinitionID:      action.TargetID,
		DefinitionVersion: action.TargetVersion,
		Input:             call.Input,
		ConversationID:    rn.conv.ID,
		TurnID:            ts.turn.ID,
		MoveID:            pt.move.ID,
	})
	if err != nil {
		pt.childRunID = ""
		return err
	}
	rn.event(ctx, event.TypeDispatchWorkflowQueued, ts.turn.ID, map[string]any{
		"workflowId":  action.TargetID,
		"runId":       childRunID,
		"operationId": opID,
		"async":       action.Async,
	})
	return nil
}

func (rn *runner) dispatchAgentTool(ctx context.Context, ts *turnState, pt *pendingTool, binding *toolBinding, call model.ToolCall, opID string) error {
	action := binding.action
	mode := action.InvocationMode
	if mode == "" {
		mode = definition.InvokeDelegate
	}
	message := agentMessage(call.Input)
	switch mode {
	case definition.InvokeDelegate:
		childConvID, err := rn.rs.startDelegate(ctx, dispatch.AgentPost{
			OperationID:    opID,
			PersonaID:      action.TargetID,
			PersonaVersion: action.TargetVersion,
			Message:        message,
			Mode:           definition.InvokeDelegate,
			Meta:           map[string]string{"title": "delegate: " + call.Name},
		})
		if err != nil {
			return err
		}
		pt.childConvID = childConvID
		rn.event(ctx, event.TypeDispatchAgentQueued, ts.turn.ID, map[string]any{
			"personaId":      action.TargetID,
			"conversationId": childConvID,
			"operationId":    opID,
			"mode":           definition.InvokeDelegate,
			"async":          action.Async,
		})
		return nil
	case definition.InvokeLoopIn:
		// The invoked persona takes a turn on this same conversation.
		_, err := rn.openTurn(ctx, postMsg{
			content:        message,
			callerKind:     CallerAgent,
			operationID:    opID,
			parentTurnID:   ts.turn.ID,
			personaID:      action.TargetID,
			personaVersion: action.TargetVersion,
		})
		if err != nil {
			return err
		}
		rn.event(ctx, event.TypeDispatchAgentQueued, ts.turn.ID, map[string]any{
			"personaId":   action.TargetID,
			"operationId": opID,
			"mode":        definition.InvokeLoopIn,
			"async":       action.Async,
		})
		return nil
	default:
		return fault.Newf(fault.KindValidation, "unknown agent invocation mode %q", mode)
	}
}

func (rn *runner) handleToolResult(ctx context.Context, m toolResultMsg) {
	ts, ok := rn.turns[m.turnID]
	if !ok || ts.turn.Terminal() {
		rn.recordLateResult(ctx, m)
		return
	}
	pt, ok := ts.pending[m.operationID]
	if !ok {
		rn.recordLateResult(ctx, m)
		return
	}
	delete(ts.pending, m.operationID)
	if ts.turn.PendingAsync > 0 {
		ts.turn.PendingAsync--
	}
	rn.settleToolResult(ctx, ts, pt, pt.move, m.result)
	rn.event(ctx, event.TypeOperationAsyncResumed, ts.turn.ID, map[string]any{
		"operationId": m.operationID,
		"tool":        pt.toolName,
	})
	if pt.sync {
		if ts.parked > 0 {
			ts.parked--
		}
		if ts.parked == 0 && !ts.llmInFlight && !ts.turn.Terminal() {
			rn.startLLM(ctx, ts)
		}
		return
	}
	if ts.llmInFlight {
		// The in-flight request predates this result; re-enter after it.
		ts.stale = true
		return
	}
	if ts.modelDone {
		// The model already answered; follow up with the result in view.
		ts.modelDone = false
		rn.startLLM(ctx, ts)
		return
	}
	// Parked on a synchronous sibling; the updated transcript rides the
	// next request.
}

// settleToolResult records an operation outcome: the move settles, the tool
// result joins the persisted transcript, and the model-facing message
// updates in place when a dispatch receipt already holds its slot.
func (rn *runner) settleToolResult(ctx context.Context, ts *turnState, pt *pendingTool, mv *Move, result dispatch.Result) {
	now := time.Now().UTC()
	mv.EndedAt = &now
	var content string
	if result.Failure != nil {
		mv.Status = MoveFailed
		mv.Result = map[string]any{"failure": result.Failure.Payload()}
		content = encodeToolContent(map[string]any{"error": result.Failure.Payload()})
		ts.turn.ToolFailures++
	} else {
		mv.Status = MoveCompleted
		mv.Result = cloneMap(result.Output)
		content = encodeToolContent(result.Output)
	}
	if err := rn.rs.cfg.Store.SaveMove(ctx, mv); err != nil {
		rn.rs.log.Error(ctx, "move snapshot lost", "move_id", mv.ID, "err", err)
	}
	msg := &Message{
		ID:             ids.Message(),
		ConversationID: rn.conv.ID,
		TurnID:         ts.turn.ID,
		Role:           RoleTool,
		Content:        content,
		ToolCallID:     pt.toolCallID,
		CreatedAt:      now,
	}
	if err := rn.rs.cfg.Store.SaveMessage(ctx, msg); err != nil {
		rn.rs.log.Error(ctx, "message snapshot lost", "message_id", msg.ID, "err", err)
	}
	rn.event(ctx, event.TypeMessageCreated, ts.turn.ID, map[string]any{
		"messageId":  msg.ID,
		"role":       RoleTool,
		"toolCallId": pt.toolCallID,
	})
	rn.event(ctx, event.TypeMoveResultRecorded, ts.turn.ID, map[string]any{
		"moveId":     mv.ID,
		"toolCallId": pt.toolCallID,
		"status":     string(mv.Status),
	})
	rn.placeToolMessage(ts, pt.toolCallID, content)
}

// settleLocalFailure records a tool call that never dispatched: the move is
// born failed and the error joins the transcript as the call's result.
func (rn *runner) settleLocalFailure(ctx context.Context, ts *turnState, call model.ToolCall, failure *fault.Failure) {
	now := time.Now().UTC()
	mv := &Move{
		ID:             ids.Move(),
		ConversationID: rn.conv.ID,
		TurnID:         ts.turn.ID,
		Index:          ts.turn.Moves,
		Kind:           MoveToolCall,
		Name:           call.Name,
		ToolCallID:     call.ID,
		Request:        cloneMap(call.Input),
		Result:         map[string]any{"failure": failure.Payload()},
		Status:         MoveFailed,
		StartedAt:      now,
		EndedAt:        &now,
	}
	ts.turn.Moves++
	ts.turn.ToolFailures++
	if err := rn.saveTurnAndMove(ctx, ts, mv); err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	rn.event(ctx, event.TypeMoveRecorded, ts.turn.ID, map[string]any{
		"moveId": mv.ID,
		"kind":   string(mv.Kind),
		"index":  mv.Index,
	})
	rn.event(ctx, event.TypeMoveResultRecorded, ts.turn.ID, map[string]any{
		"moveId":     mv.ID,
		"toolCallId": call.ID,
		"status":     string(MoveFailed),
	})
	content := encodeToolContent(map[string]any{"error": failure.Payload()})
	msg := &Message{
		ID:             ids.Message(),
		ConversationID: rn.conv.ID,
		TurnID:         ts.turn.ID,
		Role:           RoleTool,
		Content:        content,
		ToolCallID:     call.ID,
		CreatedAt:      now,
	}
	if err := rn.rs.cfg.Store.SaveMessage(ctx, msg); err != nil {
		rn.rs.log.Error(ctx, "message snapshot lost", "message_id", msg.ID, "err", err)
	}
	rn.event(ctx, event.TypeMessageCreated, ts.turn.ID, map[string]any{
		"messageId":  msg.ID,
		"role":       RoleTool,
		"toolCallId": call.ID,
	})
	rn.placeToolMessage(ts, call.ID, content)
}

// recordLateResult updates the move of an operation that settled after its
// turn went terminal. The outcome is recorded for the transcript; the turn
// is not resurrected.
func (rn *runner) recordLateResult(ctx context.Context, m toolResultMsg) {
	moves, err := rn.rs.cfg.Store.ListMoves(ctx, m.turnID)
	if err != nil {
		rn.rs.log.Warn(ctx, "late result lookup failed", "turn_id", m.turnID, "err", err)
		return
	}
	for _, mv := range moves {
		if mv.OperationID != m.operationID {
			continue
		}
		now := time.Now().UTC()
		mv.EndedAt = &now
		if m.result.Failure != nil {
			mv.Status = MoveFailed
			mv.Result = map[string]any{"failure": m.result.Failure.Payload()}
		} else {
			mv.Status = MoveCompleted
			mv.Result = cloneMap(m.result.Output)
		}
		if err := rn.rs.cfg.Store.SaveMove(ctx, mv); err != nil {
			rn.rs.log.Error(ctx, "move snapshot lost", "move_id", mv.ID, "err", err)
			return
		}
		rn.event(ctx, event.TypeMoveResultRecorded, m.turnID, map[string]any{
			"moveId": mv.ID,
			"status": string(mv.Status),
			"late":   true,
		})
		return
	}
	rn.rs.log.Debug(ctx, "late result for unknown operation dropped", "turn_id", m.turnID, "operation_id", m.operationID)
}

// placeToolMessage replaces the dispatch receipt holding the call's slot or
// appends when the call settled before any receipt was written.
func (rn *runner) placeToolMessage(ts *turnState, toolCallID, content string) {
	for i := len(ts.messages) - 1; i >= 0; i-- {
		m := &ts.messages[i]
		if m.Role == model.RoleTool && m.ToolCallID == toolCallID {
			m.Content = content
			return
		}
	}
	ts.messages = append(ts.messages, model.Message{
		Role:       model.RoleTool,
		ToolCallID: toolCallID,
		Content:    content,
	})
}

func moveKindFor(targetType string) MoveKind {
	switch targetType {
	case definition.TargetWorkflow:
		return MoveWorkflowDispatch
	case definition.TargetAgent:
		return MoveAgentDispatch
	default:
		return MoveToolCall
	}
}

func dispatchKindFor(targetType string) string {
	switch targetType {
	case definition.TargetWorkflow:
		return dispatch.KindWorkflow
	case definition.TargetAgent:
		return dispatch.KindAgent
	default:
		return dispatch.KindTask
	}
}

// agentMessage extracts the message an agent tool call carries, falling back
// to the serialized input.
func agentMessage(input map[string]any) string {
	if s, ok := input["message"].(string); ok && s != "" {
		return s
	}
	return encodeToolContent(input)
}

// encodeToolContent serializes a tool result document for the transcript.
func encodeToolContent(doc map[string]any) string {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(data)
}

// dispatchReceipt is the placeholder content an async tool call holds until
// its result arrives.
func dispatchReceipt(operationID string) string {
	return encodeToolContent(map[string]any{"dispatched": true, "operationId": operationID})
}
