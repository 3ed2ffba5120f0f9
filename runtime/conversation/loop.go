package conversation

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/executor"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/model"
)

// assemble builds the turn's first model request: through the persona's
// context assembly workflow when one is pinned, otherwise through the
// built-in assembler.
func (rn *runner) assemble(ctx context.Context, ts *turnState) {
	persona := ts.bundle.persona
	history, err := rn.history(ctx, ts)
	if err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	pin := persona.ContextAssemblyWorkflow
	if pin == nil {
		req := executor.AssemblePrompt(ts.bundle.profile, persona.SystemPrompt, history, ts.userContent, ts.bundle.tools)
		ts.messages = req.Messages
		req.Messages = nil
		ts.base = req
		rn.event(ctx, event.TypeContextAssemblyDispatched, ts.turn.ID, map[string]any{"builtin": true})
		rn.event(ctx, event.TypeContextAssemblyCompleted, ts.turn.ID, map[string]any{"builtin": true})
		rn.startLLM(ctx, ts)
		return
	}
	recent, err := encodeMessages(history)
	if err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	toolDocs, err := encodeTools(ts.bundle.tools)
	if err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	opID := ids.Operation()
	childRunID := ids.Run()
	turnID := ts.turn.ID
	err = rn.rs.cfg.Correlators.Register(opID, dispatch.Pending{
		Kind: dispatch.KindWorkflow,
		ReplyTo: rn.postBack(func(r dispatch.Result) any {
			return assemblyDoneMsg{turnID: turnID, operationID: opID, result: r}
		}),
		Meta: map[string]string{"conversationId": rn.conv.ID, "turnId": turnID},
	})
	if err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	ts.assembly = &pendingTool{operationID: opID, childRunID: childRunID}
	input := map[string]any{
		"conversationId": rn.conv.ID,
		"turnId":         turnID,
		"userMessage":    ts.userContent,
		"systemPrompt":   persona.SystemPrompt,
		"recentTurns":    recent,
		"tools":          toolDocs,
	}
	if persona.ModelProfileID != "" {
		input["modelProfileId"] = persona.ModelProfileID
		if persona.ModelProfileVersion > 0 {
			input["modelProfileVersion"] = persona.ModelProfileVersion
		}
	}
	startErr := rn.rs.cfg.Workflows.Start(ctx, dispatch.WorkflowStart{
		OperationID:       opID,
		RunID:             childRunID,
		DefinitionID:      pin.ID,
		DefinitionVersion: pin.Version,
		Input:             input,
		ConversationID:    rn.conv.ID,
		TurnID:            turnID,
	})
	if startErr != nil {
		rn.rs.cfg.Correlators.Cancel(opID)
		ts.assembly = nil
		rn.failTurn(ctx, ts, fault.ToFailure(fault.Wrap(fault.KindDispatch, "start context assembly workflow", startErr)))
		return
	}
	rn.event(ctx, event.TypeContextAssemblyDispatched, turnID, map[string]any{
		"workflowId":  pin.ID,
		"runId":       childRunID,
		"operationId": opID,
	})
}

func (rn *runner) handleAssemblyDone(ctx context.Context, m assemblyDoneMsg) {
	ts, ok := rn.turns[m.turnID]
	if !ok || ts.turn.Terminal() {
		rn.rs.log.Debug(ctx, "assembly result for settled turn dropped", "turn_id", m.turnID)
		return
	}
	if ts.assembly == nil || ts.assembly.operationID != m.operationID {
		return
	}
	ts.assembly = nil
	if m.result.Failure != nil {
		rn.failTurn(ctx, ts, m.result.Failure)
		return
	}
	doc, ok := m.result.Output["llmRequest"].(map[string]any)
	if !ok {
		rn.failTurn(ctx, ts, fault.ToFailure(fault.Newf(fault.KindInternal, "context assembly workflow returned no llmRequest")))
		return
	}
	req, err := executor.RequestFromDoc(doc)
	if err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	if profile := ts.bundle.profile; profile != nil {
		if req.Model == "" {
			req.Model = profile.Model
		}
		if req.Temperature == 0 {
			req.Temperature = profile.Temperature
		}
		if req.MaxTokens == 0 {
			req.MaxTokens = profile.MaxTokens
		}
	}
	ts.messages = req.Messages
	req.Messages = nil
	ts.base = req
	rn.event(ctx, event.TypeContextAssemblyCompleted, ts.turn.ID, map[string]any{"operationId": m.operationID})
	rn.startLLM(ctx, ts)
}

// startLLM records an llm_call move and issues the completion off the actor
// goroutine. The request snapshots the transcript; async results arriving
// during the call mark the turn stale so the loop re-enters.
func (rn *runner) startLLM(ctx context.Context, ts *turnState) {
	limit := ts.bundle.persona.MoveLimit()
	if ts.turn.Moves >= limit {
		rn.failTurn(ctx, ts, fault.ToFailure(fault.Newf(fault.KindLoopLimit, "turn exceeded the move limit of %d", limit)))
		return
	}
	now := time.Now().UTC()
	mv := &Move{
		ID:             ids.Move(),
		ConversationID: rn.conv.ID,
		TurnID:         ts.turn.ID,
		Index:          ts.turn.Moves,
		Kind:           MoveLLMCall,
		Name:           ts.base.Model,
		Status:         MoveDispatched,
		StartedAt:      now,
	}
	ts.turn.Moves++
	ts.turn.Status = TurnCalling
	if err := rn.saveTurnAndMove(ctx, ts, mv); err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(err))
		return
	}
	rn.event(ctx, event.TypeMoveRecorded, ts.turn.ID, map[string]any{
		"moveId": mv.ID,
		"kind":   string(mv.Kind),
		"index":  mv.Index,
	})
	rn.event(ctx, event.TypeLLMCalling, ts.turn.ID, map[string]any{
		"moveId":       mv.ID,
		"model":        ts.base.Model,
		"messageCount": len(ts.messages),
	})
	req := ts.base
	req.Messages = make([]model.Message, len(ts.messages))
	copy(req.Messages, ts.messages)
	ts.llmInFlight = true
	ts.llmMove = mv
	ts.stale = false
	var (
		turnID  = ts.turn.ID
		client  = ts.bundle.client
		timeout = rn.rs.llmTimeout
		metrics = rn.rs.metrics
	)
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		resp, err := client.Complete(cctx, req)
		metrics.RecordTimer("conversation.llm_call", time.Since(start))
		rn.sendSelf(llmDoneMsg{turnID: turnID, moveID: mv.ID, resp: resp, err: err})
	}()
}

func (rn *runner) handleLLMDone(ctx context.Context, m llmDoneMsg) {
	ts, ok := rn.turns[m.turnID]
	if !ok || ts.turn.Terminal() {
		rn.rs.log.Debug(ctx, "model response for settled turn dropped", "turn_id", m.turnID)
		return
	}
	if !ts.llmInFlight || ts.llmMove == nil || ts.llmMove.ID != m.moveID {
		return
	}
	ts.llmInFlight = false
	mv := ts.llmMove
	ts.llmMove = nil
	now := time.Now().UTC()
	mv.EndedAt = &now
	if m.err != nil {
		failure := fault.ToFailure(fault.Wrap(fault.KindLLM, "model completion", m.err))
		mv.Status = MoveFailed
		mv.Result = map[string]any{"failure": failure.Payload()}
		if err := rn.rs.cfg.Store.SaveMove(ctx, mv); err != nil {
			rn.rs.log.Error(ctx, "move snapshot lost", "move_id", mv.ID, "err", err)
		}
		rn.event(ctx, event.TypeMoveResultRecorded, ts.turn.ID, map[string]any{
			"moveId": mv.ID,
			"status": string(MoveFailed),
		})
		rn.failTurn(ctx, ts, failure)
		return
	}
	resp := m.resp
	mv.Status = MoveCompleted
	mv.Result = map[string]any{
		"stopReason":    resp.StopReason,
		"hasText":       resp.Text != "",
		"toolCallCount": len(resp.ToolCalls),
	}
	if err := rn.rs.cfg.Store.SaveMove(ctx, mv); err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(fault.Wrap(fault.KindStorage, "persist move", err)))
		return
	}
	rn.event(ctx, event.TypeMoveResultRecorded, ts.turn.ID, map[string]any{
		"moveId": mv.ID,
		"status": string(MoveCompleted),
	})
	rn.event(ctx, event.TypeLLMResponse, ts.turn.ID, map[string]any{
		"moveId":        mv.ID,
		"toolCallCount": len(resp.ToolCalls),
		"hasText":       resp.Text != "",
		"stopReason":    resp.StopReason,
	})
	ts.messages = append(ts.messages, model.Message{
		Role:      model.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})
	if len(resp.ToolCalls) > 0 {
		ts.turn.Status = TurnActing
		if err := rn.rs.cfg.Store.SaveTurn(ctx, ts.turn); err != nil {
			rn.failTurn(ctx, ts, fault.ToFailure(fault.Wrap(fault.KindStorage, "persist turn", err)))
			return
		}
		for _, call := range resp.ToolCalls {
			rn.dispatchToolCall(ctx, ts, call)
			if ts.turn.Terminal() {
				return
			}
		}
		if ts.parked == 0 {
			rn.startLLM(ctx, ts)
		}
		return
	}
	amsg := &Message{
		ID:             ids.Message(),
		ConversationID: rn.conv.ID,
		TurnID:         ts.turn.ID,
		Role:           RoleAgent,
		Content:        resp.Text,
		CreatedAt:      now,
	}
	if err := rn.rs.cfg.Store.SaveMessage(ctx, amsg); err != nil {
		rn.failTurn(ctx, ts, fault.ToFailure(fault.Wrap(fault.KindStorage, "persist message", err)))
		return
	}
	ts.turn.AgentMessageID = amsg.ID
	ts.finalText = resp.Text
	rn.event(ctx, event.TypeMessageCreated, ts.turn.ID, map[string]any{
		"messageId": amsg.ID,
		"role":      RoleAgent,
	})
	if ts.stale {
		// A tool result landed mid-call; answer again with it in view.
		ts.stale = false
		rn.startLLM(ctx, ts)
		return
	}
	ts.modelDone = true
	if len(ts.pending) > 0 {
		ts.turn.Status = TurnActing
		if err := rn.rs.cfg.Store.SaveTurn(ctx, ts.turn); err != nil {
			rn.rs.log.Error(ctx, "turn snapshot lost", "turn_id", ts.turn.ID, "err", err)
		}
		return
	}
	rn.maybeComplete(ctx, ts)
}

// maybeComplete seals the turn once the loop is idle and every dispatched
// operation settled.
func (rn *runner) maybeComplete(ctx context.Context, ts *turnState) {
	if ts.turn.Terminal() || !ts.modelDone || ts.llmInFlight || ts.assembly != nil || len(ts.pending) > 0 {
		return
	}
	rn.completeTurn(ctx, ts)
}

func (rn *runner) completeTurn(ctx context.Context, ts *turnState) {
	now := time.Now().UTC()
	ts.turn.Status = TurnCompleted
	ts.turn.EndedAt = &now
	if err := rn.rs.cfg.Store.SaveTurn(ctx, ts.turn); err != nil {
		rn.rs.log.Error(ctx, "terminal turn snapshot lost", "turn_id", ts.turn.ID, "err", err)
	}
	rn.event(ctx, event.TypeTurnCompleted, ts.turn.ID, map[string]any{
		"turnId": ts.turn.ID,
		"moves":  ts.turn.Moves,
	})
	rn.rs.metrics.IncCounter("conversation.turns_completed", 1)
	rn.deliverTurn(ctx, ts, dispatch.Result{Output: map[string]any{
		"text":           ts.finalText,
		"conversationId": rn.conv.ID,
		"turnId":         ts.turn.ID,
	}})
	if pin := ts.bundle.persona.MemoryExtractionWorkflow; pin != nil {
		rn.dispatchMemoryExtraction(ctx, ts, pin)
	}
	rn.maybeFinishClose(ctx)
}

// failTurn ends the turn with a terminal failure: outstanding operations are
// abandoned, child runs and delegate conversations are cancelled, and
// awaiting correlators learn the failure.
func (rn *runner) failTurn(ctx context.Context, ts *turnState, failure *fault.Failure) {
	if ts.turn.Terminal() {
		return
	}
	if ts.assembly != nil {
		rn.abandonOp(ts.assembly)
		ts.assembly = nil
	}
	for _, pt := range ts.pending {
		rn.abandonOp(pt)
	}
	ts.pending = make(map[string]*pendingTool)
	ts.parked = 0
	ts.llmInFlight = false
	ts.llmMove = nil
	ts.turn.PendingAsync = 0
	now := time.Now().UTC()
	ts.turn.Status = TurnFailed
	ts.turn.EndedAt = &now
	ts.turn.Failure = failure
	if err := rn.rs.cfg.Store.SaveTurn(ctx, ts.turn); err != nil {
		rn.rs.log.Error(ctx, "terminal turn snapshot lost", "turn_id", ts.turn.ID, "err", err)
	}
	rn.event(ctx, event.TypeTurnFailed, ts.turn.ID, map[string]any{
		"turnId":  ts.turn.ID,
		"failure": failure.Payload(),
	})
	rn.rs.metrics.IncCounter("conversation.turns_failed", 1)
	rn.deliverTurn(ctx, ts, dispatch.Result{Failure: failure})
	rn.maybeFinishClose(ctx)
}

// deliverTurn resolves the correlators awaiting this turn's outcome: the
// loop_in operation on the turn itself and, for a delegate conversation's
// first settled turn, the parent tool operation.
func (rn *runner) deliverTurn(ctx context.Context, ts *turnState, res dispatch.Result) {
	if op := ts.turn.OperationID; op != "" {
		if !rn.rs.cfg.Correlators.Resolve(op, res) {
			rn.rs.log.Warn(ctx, "turn correlator gone", "turn_id", ts.turn.ID, "operation_id", op)
		}
	}
	if op := rn.conv.ParentOperationID; op != "" && !rn.parentResolved {
		rn.parentResolved = true
		if !rn.rs.cfg.Correlators.Resolve(op, res) {
			rn.rs.log.Warn(ctx, "delegate parent correlator gone", "conversation_id", rn.conv.ID, "operation_id", op)
		}
	}
}

// abandonOp cancels one outstanding operation's correlator and whatever
// child work it started.
func (rn *runner) abandonOp(pt *pendingTool) {
	rn.rs.cfg.Correlators.Cancel(pt.operationID)
	if pt.childRunID != "" {
		runID := pt.childRunID
		wf := rn.rs.cfg.Workflows
		log := rn.rs.log
		go func() {
			if err := wf.Cancel(context.Background(), runID); err != nil {
				log.Warn(context.Background(), "child run cancel failed", "run_id", runID, "err", err)
			}
		}()
	}
	if pt.childConvID != "" {
		rn.rs.abandonDelegate(pt.childConvID)
	}
}

func (rn *runner) dispatchMemoryExtraction(ctx context.Context, ts *turnState, pin *definition.PinnedRef) {
	opID := ids.Operation()
	turnID := ts.turn.ID
	err := rn.rs.cfg.Correlators.Register(opID, dispatch.Pending{
		Kind: dispatch.KindWorkflow,
		ReplyTo: rn.postBack(func(r dispatch.Result) any {
			return memoryDoneMsg{turnID: turnID, operationID: opID, result: r}
		}),
		Meta: map[string]string{"conversationId": rn.conv.ID, "turnId": turnID},
	})
	if err != nil {
		rn.rs.log.Error(ctx, "memory extraction register failed", "turn_id", turnID, "err", err)
		return
	}
	startErr := rn.rs.cfg.Workflows.Start(ctx, dispatch.WorkflowStart{
		OperationID:       opID,
		RunID:             ids.Run(),
		DefinitionID:      pin.ID,
		DefinitionVersion: pin.Version,
		Input: map[string]any{
			"conversationId": rn.conv.ID,
			"turnId":         turnID,
			"userMessage":    ts.userContent,
			"agentMessage":   ts.finalText,
		},
		ConversationID: rn.conv.ID,
		TurnID:         turnID,
	})
	if startErr != nil {
		rn.rs.cfg.Correlators.Cancel(opID)
		failure := fault.ToFailure(fault.Wrap(fault.KindDispatch, "start memory extraction workflow", startErr))
		rn.event(ctx, event.TypeMemoryExtractionFailed, turnID, map[string]any{
			"operationId": opID,
			"failure":     failure.Payload(),
		})
		rn.markMemoryFailed(ctx)
		return
	}
	rn.memoryOps[opID] = turnID
	rn.event(ctx, event.TypeMemoryExtractionDispatched, turnID, map[string]any{
		"workflowId":  pin.ID,
		"operationId": opID,
	})
}

func (rn *runner) handleMemoryDone(ctx context.Context, m memoryDoneMsg) {
	if _, ok := rn.memoryOps[m.operationID]; !ok {
		return
	}
	delete(rn.memoryOps, m.operationID)
	if m.result.Failure != nil {
		rn.event(ctx, event.TypeMemoryExtractionFailed, m.turnID, map[string]any{
			"operationId": m.operationID,
			"failure":     m.result.Failure.Payload(),
		})
		rn.markMemoryFailed(ctx)
	} else {
		rn.event(ctx, event.TypeMemoryExtractionCompleted, m.turnID, map[string]any{
			"operationId": m.operationID,
		})
	}
	rn.maybeFinishClose(ctx)
}

// markMemoryFailed flags the conversation; extraction failures never fail
// the turn that triggered them.
func (rn *runner) markMemoryFailed(ctx context.Context) {
	if rn.conv.MemoryExtractionFailed {
		return
	}
	rn.conv.MemoryExtractionFailed = true
	rn.conv.UpdatedAt = time.Now().UTC()
	if err := rn.rs.cfg.Store.SaveConversation(ctx, rn.conv); err != nil {
		rn.rs.log.Error(ctx, "conversation snapshot lost", "conversation_id", rn.conv.ID, "err", err)
	}
}

// history collects the user and agent messages of the most recent completed
// turns, mapped to model roles. Tool transcripts stay out: moves carry that
// detail and providers require strict call pairing.
func (rn *runner) history(ctx context.Context, ts *turnState) ([]model.Message, error) {
	limit := ts.bundle.persona.RecentLimit()
	turns, err := rn.rs.cfg.Store.ListTurns(ctx, rn.conv.ID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "list turns", err)
	}
	completed := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		if t.Status == TurnCompleted {
			completed = append(completed, t)
		}
	}
	if len(completed) > limit {
		completed = completed[len(completed)-limit:]
	}
	if len(completed) == 0 {
		return nil, nil
	}
	keep := make(map[string]bool, len(completed))
	for _, t := range completed {
		keep[t.ID] = true
	}
	msgs, err := rn.rs.cfg.Store.ListMessages(ctx, rn.conv.ID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "list messages", err)
	}
	var history []model.Message
	for _, msg := range msgs {
		if !keep[msg.TurnID] {
			continue
		}
		switch msg.Role {
		case RoleUser:
			history = append(history, model.Message{Role: model.RoleUser, Content: msg.Content})
		case RoleAgent:
			history = append(history, model.Message{Role: model.RoleAssistant, Content: msg.Content})
		}
	}
	return history, nil
}

func (rn *runner) saveTurnAndMove(ctx context.Context, ts *turnState, mv *Move) error {
	if err := rn.rs.cfg.Store.SaveMove(ctx, mv); err != nil {
		return fault.Wrap(fault.KindStorage, "persist move", err)
	}
	if err := rn.rs.cfg.Store.SaveTurn(ctx, ts.turn); err != nil {
		return fault.Wrap(fault.KindStorage, "persist turn", err)
	}
	return nil
}

// encodeMessages renders messages as plain documents for workflow input.
func encodeMessages(msgs []model.Message) ([]any, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode recent turns", err)
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "decode recent turns", err)
	}
	return out, nil
}

// encodeTools renders tool definitions as plain documents for workflow input.
func encodeTools(tools []model.ToolDefinition) ([]any, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode tools", err)
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "decode tools", err)
	}
	return out, nil
}
