package conversation_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/conversation"
	convmem "goa.design/weave/runtime/conversation/inmem"
	"goa.design/weave/runtime/definition"
	definmem "goa.design/weave/runtime/definition/inmem"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/model/modeltest"
	"goa.design/weave/runtime/stream"
	streaminmem "goa.design/weave/runtime/stream/inmem"
)

var testOwner = definition.Owner{ProjectID: "proj-test"}

// env wires runners against in-memory stores, a scripted model client, and
// scripted task/workflow dispatch.
type env struct {
	sys   *actor.System
	defs  *definition.Service
	store *convmem.Store
	dir   *stream.Directory
	corr  *dispatch.Correlators
	llm   *modeltest.Client
	tasks *fakeTasks
	wfs   *fakeWorkflows
	rs    *conversation.Runners
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	sys := actor.NewSystem(ctx)
	defs := definition.NewService(definmem.New())
	store := convmem.New()
	dir := stream.NewDirectory(ctx, streaminmem.New())
	corr := dispatch.NewCorrelators()
	llm := modeltest.New()
	models := model.NewRegistry()
	models.Register(definition.ProviderMock, llm)
	tasks := &fakeTasks{corr: corr}
	wfs := &fakeWorkflows{corr: corr, behaviors: make(map[string]wfBehavior)}
	rs, err := conversation.NewRunners(conversation.Config{
		System:      sys,
		Store:       store,
		Definitions: defs,
		Streams:     dir,
		Correlators: corr,
		Tasks:       tasks,
		Workflows:   wfs,
		Models:      models,
	})
	require.NoError(t, err)
	e := &env{sys: sys, defs: defs, store: store, dir: dir, corr: corr, llm: llm, tasks: tasks, wfs: wfs, rs: rs}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
		_ = dir.Shutdown(ctx)
	})
	return e
}

func (e *env) put(t *testing.T, kind definition.Kind, name string, content map[string]any) definition.PinnedRef {
	t.Helper()
	res, err := e.defs.Put(context.Background(), definition.NewDraft(kind, name, testOwner, content))
	require.NoError(t, err)
	return definition.PinnedRef{ID: res.Definition.ID, Version: res.Definition.Version}
}

func (e *env) putProfile(t *testing.T) {
	t.Helper()
	e.put(t, definition.KindModelProfile, "mock-profile", map[string]any{
		"provider": definition.ProviderMock,
		"model":    "scripted-model",
	})
}

// putPersona fills in the prompt and profile ref so tests only spell out
// what they exercise.
func (e *env) putPersona(t *testing.T, name string, content map[string]any) definition.PinnedRef {
	t.Helper()
	merged := map[string]any{
		"systemPrompt":    "You are " + name + ".",
		"modelProfileRef": "mock-profile",
	}
	for k, v := range content {
		merged[k] = v
	}
	return e.put(t, definition.KindPersona, name, merged)
}

func (e *env) putAction(t *testing.T, name string, content map[string]any) definition.PinnedRef {
	t.Helper()
	merged := map[string]any{"description": name + " tool"}
	for k, v := range content {
		merged[k] = v
	}
	return e.put(t, definition.KindAction, name, merged)
}

// putStubWorkflow registers a minimal one-node workflow so refs pin; the
// scripted workflow client fakes its execution.
func (e *env) putStubWorkflow(t *testing.T, name string) definition.PinnedRef {
	t.Helper()
	e.put(t, definition.KindTask, name+"-step", map[string]any{"action": "mock"})
	return e.put(t, definition.KindWorkflow, name, map[string]any{
		"nodes": []any{
			map[string]any{"ref": "step", "target": "task", "targetRef": name + "-step"},
		},
		"transitions":    []any{},
		"initialNodeRef": "step",
	})
}

func (e *env) start(t *testing.T, personaRef string) string {
	t.Helper()
	convID, err := e.rs.StartConversation(context.Background(), conversation.StartRequest{
		PersonaRef: personaRef,
		Owner:      testOwner,
	})
	require.NoError(t, err)
	return convID
}

func (e *env) post(t *testing.T, convID, content string) string {
	t.Helper()
	turnID, err := e.rs.PostMessage(context.Background(), convID, content, 0)
	require.NoError(t, err)
	return turnID
}

// waitTurn blocks until the turn reaches a terminal status and returns the
// persisted row.
func (e *env) waitTurn(t *testing.T, convID, turnID string) *conversation.Turn {
	t.Helper()
	var turn *conversation.Turn
	require.Eventually(t, func() bool {
		rows, err := e.store.ListTurns(context.Background(), convID)
		if err != nil {
			return false
		}
		for _, row := range rows {
			if row.ID == turnID && row.Terminal() {
				turn = row
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return turn
}

// convEvents waits for the turn's terminal event to flush and returns the
// persisted event log of the conversation's stream.
func (e *env) convEvents(t *testing.T, convID, turnID string) []*event.Event {
	t.Helper()
	streamID := event.ConversationStream(convID)
	var rows []*event.Event
	require.Eventually(t, func() bool {
		var err error
		rows, err = e.dir.ListEvents(context.Background(), streamID, 0, 0)
		if err != nil {
			return false
		}
		for _, row := range rows {
			if row.TurnID != turnID {
				continue
			}
			if row.Type == event.TypeTurnCompleted || row.Type == event.TypeTurnFailed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return rows
}

func (e *env) inspect(t *testing.T, convID string) *conversation.Snapshot {
	t.Helper()
	snap, err := e.rs.Inspect(context.Background(), convID)
	require.NoError(t, err)
	return snap
}

func eventTypes(rows []*event.Event) []string {
	types := make([]string, len(rows))
	for i, row := range rows {
		types[i] = row.Type
	}
	return types
}

// requireOrder asserts that the types appear in the given order; repeated
// types match successive occurrences.
func requireOrder(t *testing.T, rows []*event.Event, types ...string) {
	t.Helper()
	last := -1
	for _, want := range types {
		found := -1
		for i, row := range rows {
			if i > last && row.Type == want {
				found = i
				break
			}
		}
		require.GreaterOrEqual(t, found, 0, "event %s not found after index %d in %v", want, last, eventTypes(rows))
		last = found
	}
}

func findEvent(rows []*event.Event, typ string) *event.Event {
	for _, row := range rows {
		if row.Type == typ {
			return row
		}
	}
	return nil
}

// flatten joins message contents so scripted handlers can route on what the
// model has seen so far.
func flatten(req model.Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// fakeTasks resolves tool task dispatches asynchronously the way the
// executor does, driven by the task's config:
//
//	output:  map merged into the result (the input is echoed on top)
//	delayMs: sleep before resolving
//	fail:    true fails every execution
type fakeTasks struct {
	corr *dispatch.Correlators

	mu       sync.Mutex
	requests []dispatch.TaskRequest
}

func (f *fakeTasks) Execute(_ context.Context, req dispatch.TaskRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	go func() {
		if ms := cfgInt(req.Config, "delayMs"); ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
		if fail, _ := req.Config["fail"].(bool); fail {
			f.corr.Fail(req.OperationID, fault.New(fault.KindTool, "scripted tool failure"))
			return
		}
		out := make(map[string]any)
		if scripted, ok := req.Config["output"].(map[string]any); ok {
			for k, v := range scripted {
				out[k] = v
			}
		}
		for k, v := range req.Input {
			out[k] = v
		}
		f.corr.Resolve(req.OperationID, dispatch.Result{Output: out})
	}()
	return nil
}

func (f *fakeTasks) taskRequests() []dispatch.TaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.TaskRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func cfgInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// wfBehavior scripts how fakeWorkflows settles runs of one workflow
// definition.
type wfBehavior struct {
	delay  time.Duration
	output map[string]any
	fail   error
}

// fakeWorkflows stands in for the workflow coordinators: Start settles the
// operation through the correlators with a result scripted per definition.
type fakeWorkflows struct {
	corr *dispatch.Correlators

	mu        sync.Mutex
	starts    []dispatch.WorkflowStart
	cancels   []string
	behaviors map[string]wfBehavior
}

func (f *fakeWorkflows) script(defID string, b wfBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[defID] = b
}

func (f *fakeWorkflows) Start(_ context.Context, req dispatch.WorkflowStart) error {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	b := f.behaviors[req.DefinitionID]
	f.mu.Unlock()

	go func() {
		if b.delay > 0 {
			time.Sleep(b.delay)
		}
		if b.fail != nil {
			f.corr.Fail(req.OperationID, b.fail)
			return
		}
		out := b.output
		if out == nil {
			out = map[string]any{"done": true}
		}
		f.corr.Resolve(req.OperationID, dispatch.Result{Output: out})
	}()
	return nil
}

func (f *fakeWorkflows) Cancel(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runID)
	return nil
}

func (f *fakeWorkflows) started() []dispatch.WorkflowStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.WorkflowStart, len(f.starts))
	copy(out, f.starts)
	return out
}

func (f *fakeWorkflows) cancelledRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func TestSingleTurnCompletes(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	persona := e.putPersona(t, "helper", map[string]any{"systemPrompt": "You are terse."})

	e.llm.Enqueue(modeltest.Text("Paris."))

	convID := e.start(t, "helper")
	turnID := e.post(t, convID, "Capital of France?")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnCompleted, turn.Status)
	require.Equal(t, conversation.CallerUser, turn.CallerKind)
	require.Equal(t, persona.ID, turn.PersonaDefID)
	require.Equal(t, 0, turn.Index)
	require.Equal(t, 1, turn.Moves)
	require.NotNil(t, turn.EndedAt)
	require.NotEmpty(t, turn.UserMessageID)
	require.NotEmpty(t, turn.AgentMessageID)

	snap := e.inspect(t, convID)
	require.Equal(t, conversation.ConversationActive, snap.Conversation.Status)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, conversation.RoleUser, snap.Messages[0].Role)
	require.Equal(t, "Capital of France?", snap.Messages[0].Content)
	require.Equal(t, conversation.RoleAgent, snap.Messages[1].Role)
	require.Equal(t, "Paris.", snap.Messages[1].Content)
	require.Equal(t, turn.AgentMessageID, snap.Messages[1].ID)

	reqs := e.llm.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "You are terse.", reqs[0].System)
	require.Equal(t, "scripted-model", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	require.Equal(t, model.RoleUser, reqs[0].Messages[0].Role)

	rows := e.convEvents(t, convID, turnID)
	requireOrder(t, rows,
		event.TypeTurnCreated,
		event.TypeMessageCreated,
		event.TypeContextAssemblyDispatched,
		event.TypeContextAssemblyCompleted,
		event.TypeMoveRecorded,
		event.TypeLLMCalling,
		event.TypeMoveResultRecorded,
		event.TypeLLMResponse,
		event.TypeMessageCreated,
		event.TypeTurnCompleted,
	)
}

func TestDelayedPostDefersTurn(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.putPersona(t, "helper", nil)

	e.llm.Enqueue(modeltest.Text("Done."))

	convID := e.start(t, "helper")
	turnID, err := e.rs.PostMessage(context.Background(), convID, "In a moment, please.", 250*time.Millisecond)
	require.NoError(t, err)

	// The turn and its message persist up front; the loop has not run yet.
	snap := e.inspect(t, convID)
	require.Len(t, snap.Turns, 1)
	require.Equal(t, turnID, snap.Turns[0].ID)
	require.Len(t, snap.Messages, 1)
	require.Empty(t, e.llm.Requests())

	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)
	require.Len(t, e.llm.Requests(), 1)
}

func TestDelayedPostCancelledBeforeStart(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.putPersona(t, "helper", nil)

	convID := e.start(t, "helper")
	turnID, err := e.rs.PostMessage(context.Background(), convID, "Never mind.", 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, e.rs.Cancel(context.Background(), convID, turnID))

	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnFailed, turn.Status)

	// The deferred start fires into a terminal turn and must not call the
	// model.
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, e.llm.Requests())
}

func TestHistoryCarriesCompletedTurns(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.putPersona(t, "helper", nil)

	e.llm.Enqueue(modeltest.Text("Hello Ada."), modeltest.Text("Your name is Ada."))

	convID := e.start(t, "helper")
	first := e.post(t, convID, "My name is Ada.")
	e.waitTurn(t, convID, first)
	second := e.post(t, convID, "What is my name?")
	e.waitTurn(t, convID, second)

	reqs := e.llm.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Messages, 1)

	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "My name is Ada.", msgs[0].Content)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello Ada.", msgs[1].Content)
	require.Equal(t, model.RoleUser, msgs[2].Role)
	require.Equal(t, "What is my name?", msgs[2].Content)
}

func TestSyncTaskToolRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.put(t, definition.KindTask, "lookup-task", map[string]any{
		"action": "mock",
		"config": map[string]any{"output": map[string]any{"rows": 3}},
	})
	e.putAction(t, "lookup", map[string]any{
		"targetType": "task",
		"targetRef":  "lookup-task",
	})
	e.putPersona(t, "analyst", map[string]any{"toolRefs": []any{"lookup"}})

	e.llm.Enqueue(
		modeltest.CallTool("lookup", map[string]any{"q": "go"}),
		modeltest.Text("Three rows match."),
	)

	convID := e.start(t, "analyst")
	turnID := e.post(t, convID, "Search for go.")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnCompleted, turn.Status)
	require.Equal(t, 3, turn.Moves)
	require.Zero(t, turn.ToolFailures)
	require.Zero(t, turn.PendingAsync)

	reqs := e.llm.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	require.Equal(t, "lookup", reqs[0].Tools[0].Name)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, model.RoleTool, last.Role)
	require.NotEmpty(t, last.ToolCallID)
	require.Contains(t, last.Content, `"rows":3`)

	treqs := e.tasks.taskRequests()
	require.Len(t, treqs, 1)
	require.Equal(t, map[string]any{"q": "go"}, treqs[0].Input)
	require.Equal(t, convID, treqs[0].Meta["conversationId"])
	require.Equal(t, turnID, treqs[0].Meta["turnId"])

	moves, err := e.store.ListMoves(context.Background(), turnID)
	require.NoError(t, err)
	require.Len(t, moves, 3)
	require.Equal(t, conversation.MoveLLMCall, moves[0].Kind)
	require.Equal(t, conversation.MoveToolCall, moves[1].Kind)
	require.Equal(t, conversation.MoveCompleted, moves[1].Status)
	require.Equal(t, "lookup", moves[1].Name)
	require.NotEmpty(t, moves[1].ToolCallID)
	require.EqualValues(t, 3, moves[1].Result["rows"])
	require.Equal(t, conversation.MoveLLMCall, moves[2].Kind)

	rows := e.convEvents(t, convID, turnID)
	requireOrder(t, rows,
		event.TypeLLMResponse,
		event.TypeToolDispatched,
		event.TypeOperationAsyncTracked,
		event.TypeOperationAsyncMarkedWaiting,
		event.TypeOperationAsyncResumed,
		event.TypeLLMCalling,
		event.TypeLLMResponse,
		event.TypeTurnCompleted,
	)
	dispatched := findEvent(rows, event.TypeToolDispatched)
	require.NotNil(t, dispatched)
	require.Equal(t, "lookup", dispatched.Payload["tool"])
	require.Equal(t, false, dispatched.Payload["async"])
}

func TestSyncWorkflowToolParksTurn(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "report-gen")
	e.putAction(t, "generate_report", map[string]any{
		"targetType": "workflow",
		"targetRef":  "report-gen",
	})
	e.putPersona(t, "reporter", map[string]any{"toolRefs": []any{"generate_report"}})

	e.wfs.script(wf.ID, wfBehavior{delay: 300 * time.Millisecond, output: map[string]any{"report": "done"}})
	e.llm.Enqueue(
		modeltest.CallTool("generate_report", map[string]any{"topic": "sales"}),
		modeltest.Text("Report ready."),
	)

	convID := e.start(t, "reporter")
	turnID := e.post(t, convID, "Generate the sales report.")

	// The turn parks while the child run is in flight.
	require.Eventually(t, func() bool {
		rows, err := e.store.ListTurns(context.Background(), convID)
		if err != nil || len(rows) == 0 {
			return false
		}
		return rows[0].Status == conversation.TurnWaiting
	}, 3*time.Second, 5*time.Millisecond)

	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	starts := e.wfs.started()
	require.Len(t, starts, 1)
	require.Equal(t, wf.ID, starts[0].DefinitionID)
	require.NotEmpty(t, starts[0].OperationID)
	require.NotEmpty(t, starts[0].RunID)
	require.NotEmpty(t, starts[0].MoveID)
	require.Equal(t, convID, starts[0].ConversationID)
	require.Equal(t, turnID, starts[0].TurnID)
	require.Equal(t, map[string]any{"topic": "sales"}, starts[0].Input)

	rows := e.convEvents(t, convID, turnID)
	queued := findEvent(rows, event.TypeDispatchWorkflowQueued)
	require.NotNil(t, queued)
	require.Equal(t, starts[0].RunID, queued.Payload["runId"])
	require.Equal(t, false, queued.Payload["async"])
}

func TestAsyncToolDeliversFollowUp(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "research")
	e.putAction(t, "research", map[string]any{
		"targetType": "workflow",
		"targetRef":  "research",
		"async":      true,
	})
	e.putPersona(t, "researcher", map[string]any{"toolRefs": []any{"research"}})

	e.wfs.script(wf.ID, wfBehavior{delay: 300 * time.Millisecond, output: map[string]any{"findings": "two leads"}})
	e.llm.Handler = func(_ context.Context, req model.Request) (model.Response, error) {
		flat := flatten(req)
		switch {
		case strings.Contains(flat, "two leads"):
			return modeltest.Text("Research done: two leads."), nil
		case strings.Contains(flat, "dispatched"):
			return modeltest.Text("Research started, stand by."), nil
		default:
			return modeltest.CallTool("research", map[string]any{"topic": "market"}), nil
		}
	}

	convID := e.start(t, "researcher")
	turnID := e.post(t, convID, "Research the market.")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnCompleted, turn.Status)

	// The agent answered once on dispatch and again with the findings.
	snap := e.inspect(t, convID)
	var agent []string
	for _, m := range snap.Messages {
		if m.Role == conversation.RoleAgent {
			agent = append(agent, m.Content)
		}
	}
	require.Equal(t, []string{"Research started, stand by.", "Research done: two leads."}, agent)

	// The second request saw the dispatch receipt; the third saw the real
	// result patched over it.
	reqs := e.llm.Requests()
	require.Len(t, reqs, 3)
	receipt := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, model.RoleTool, receipt.Role)
	require.Contains(t, receipt.Content, "dispatched")
	var toolMsgs []model.Message
	for _, m := range reqs[2].Messages {
		if m.Role == model.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 1)
	require.Contains(t, toolMsgs[0].Content, "two leads")

	rows := e.convEvents(t, convID, turnID)
	dispatched := findEvent(rows, event.TypeToolDispatched)
	require.NotNil(t, dispatched)
	require.Equal(t, true, dispatched.Payload["async"])
	requireOrder(t, rows,
		event.TypeOperationAsyncTracked,
		event.TypeOperationAsyncResumed,
		event.TypeTurnCompleted,
	)
}

func TestAsyncResultLandsDuringModelCall(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "research")
	e.putAction(t, "research", map[string]any{
		"targetType": "workflow",
		"targetRef":  "research",
		"async":      true,
	})
	e.putPersona(t, "researcher", map[string]any{"toolRefs": []any{"research"}})

	// The result lands while the model is composing its interim answer.
	e.wfs.script(wf.ID, wfBehavior{delay: 50 * time.Millisecond, output: map[string]any{"findings": "two leads"}})
	e.llm.Handler = func(_ context.Context, req model.Request) (model.Response, error) {
		flat := flatten(req)
		switch {
		case strings.Contains(flat, "two leads"):
			return modeltest.Text("Research done: two leads."), nil
		case strings.Contains(flat, "dispatched"):
			time.Sleep(250 * time.Millisecond)
			return modeltest.Text("Research started, stand by."), nil
		default:
			return modeltest.CallTool("research", map[string]any{"topic": "market"}), nil
		}
	}

	convID := e.start(t, "researcher")
	turnID := e.post(t, convID, "Research the market.")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnCompleted, turn.Status)
	require.Len(t, e.llm.Requests(), 3)

	snap := e.inspect(t, convID)
	final := snap.Messages[len(snap.Messages)-1]
	require.Equal(t, conversation.RoleAgent, final.Role)
	require.Equal(t, "Research done: two leads.", final.Content)
}

func TestParallelTurnsCompleteIndependently(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "research")
	e.putAction(t, "research", map[string]any{
		"targetType": "workflow",
		"targetRef":  "research",
		"async":      true,
	})
	e.putPersona(t, "researcher", map[string]any{"toolRefs": []any{"research"}})

	e.wfs.script(wf.ID, wfBehavior{delay: 500 * time.Millisecond, output: map[string]any{"findings": "two leads"}})
	e.llm.Handler = func(_ context.Context, req model.Request) (model.Response, error) {
		flat := flatten(req)
		switch {
		case strings.Contains(flat, "two leads"):
			return modeltest.Text("Slow job finished."), nil
		case strings.Contains(flat, "dispatched"):
			return modeltest.Text("Slow job started."), nil
		case strings.Contains(flat, "slow job"):
			return modeltest.CallTool("research", map[string]any{"topic": "deep"}), nil
		default:
			return modeltest.Text("Quick answer."), nil
		}
	}

	convID := e.start(t, "researcher")
	slowTurn := e.post(t, convID, "Run the slow job.")
	quickTurn := e.post(t, convID, "Quick question?")

	quick := e.waitTurn(t, convID, quickTurn)
	require.Equal(t, conversation.TurnCompleted, quick.Status)
	slow := e.waitTurn(t, convID, slowTurn)
	require.Equal(t, conversation.TurnCompleted, slow.Status)
	require.Equal(t, 0, slow.Index)
	require.Equal(t, 1, quick.Index)

	// The quick turn finished while the slow one still waited on its tool.
	rows := e.convEvents(t, convID, slowTurn)
	var quickDone, slowDone uint64
	for _, row := range rows {
		if row.Type != event.TypeTurnCompleted {
			continue
		}
		switch row.TurnID {
		case quickTurn:
			quickDone = row.Seq
		case slowTurn:
			slowDone = row.Seq
		}
	}
	require.NotZero(t, quickDone)
	require.NotZero(t, slowDone)
	require.Less(t, quickDone, slowDone)

	// In-flight turns never leak into each other's transcripts.
	for _, req := range e.llm.Requests() {
		if strings.Contains(flatten(req), "slow job") {
			require.NotContains(t, flatten(req), "Quick answer.")
		}
	}
}

func TestDelegateToolSpawnsChildConversation(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	reviewer := e.putPersona(t, "reviewer", map[string]any{"systemPrompt": "You review plans."})
	e.putAction(t, "consult_reviewer", map[string]any{
		"targetType":     "agent",
		"targetRef":      "reviewer",
		"invocationMode": definition.InvokeDelegate,
	})
	e.putPersona(t, "planner", map[string]any{
		"systemPrompt": "You plan projects.",
		"toolRefs":     []any{"consult_reviewer"},
	})

	e.llm.Handler = func(_ context.Context, req model.Request) (model.Response, error) {
		switch {
		case req.System == "You review plans.":
			return modeltest.Text("LGTM with two nits."), nil
		case strings.Contains(flatten(req), "LGTM"):
			return modeltest.Text("Reviewer approved: LGTM with two nits."), nil
		default:
			return modeltest.CallTool("consult_reviewer", map[string]any{"message": "Review my plan."}), nil
		}
	}

	convID := e.start(t, "planner")
	turnID := e.post(t, convID, "Plan the rollout.")
	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	rows := e.convEvents(t, convID, turnID)
	queued := findEvent(rows, event.TypeDispatchAgentQueued)
	require.NotNil(t, queued)
	require.Equal(t, definition.InvokeDelegate, queued.Payload["mode"])
	childID, _ := queued.Payload["conversationId"].(string)
	require.NotEmpty(t, childID)
	require.NotEqual(t, convID, childID)

	// The delegate ran in an isolated conversation under the target persona.
	child := e.inspect(t, childID)
	require.Equal(t, reviewer.ID, child.Conversation.PersonaDefID)
	require.Equal(t, "delegate: consult_reviewer", child.Conversation.Title)
	require.NotEmpty(t, child.Conversation.ParentOperationID)
	require.Len(t, child.Turns, 1)
	require.Equal(t, conversation.CallerAgent, child.Turns[0].CallerKind)
	require.Equal(t, "Review my plan.", child.Messages[0].Content)

	// The child's answer came back as the tool result.
	snap := e.inspect(t, convID)
	final := snap.Messages[len(snap.Messages)-1]
	require.Equal(t, conversation.RoleAgent, final.Role)
	require.Contains(t, final.Content, "LGTM")

	moves, err := e.store.ListMoves(context.Background(), turnID)
	require.NoError(t, err)
	require.Equal(t, conversation.MoveAgentDispatch, moves[1].Kind)
	require.Equal(t, conversation.MoveCompleted, moves[1].Status)
}

func TestLoopInToolTakesTurnOnSameConversation(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	specialist := e.putPersona(t, "specialist", map[string]any{"systemPrompt": "You answer math."})
	e.putAction(t, "ask_specialist", map[string]any{
		"targetType":     "agent",
		"targetRef":      "specialist",
		"invocationMode": definition.InvokeLoopIn,
	})
	e.putPersona(t, "front", map[string]any{
		"systemPrompt": "You coordinate.",
		"toolRefs":     []any{"ask_specialist"},
	})

	e.llm.Handler = func(_ context.Context, req model.Request) (model.Response, error) {
		switch {
		case req.System == "You answer math.":
			return modeltest.Text("The answer is 42."), nil
		case strings.Contains(flatten(req), "42"):
			return modeltest.Text("Specialist says 42."), nil
		default:
			return modeltest.CallTool("ask_specialist", map[string]any{"message": "What is 6 times 7?"}), nil
		}
	}

	convID := e.start(t, "front")
	turnID := e.post(t, convID, "Ask the specialist, please.")
	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	// The specialist took its own turn on the same conversation.
	snap := e.inspect(t, convID)
	require.Len(t, snap.Turns, 2)
	var loopIn *conversation.Turn
	for _, row := range snap.Turns {
		if row.ID != turnID {
			loopIn = row
		}
	}
	require.NotNil(t, loopIn)
	require.Equal(t, conversation.TurnCompleted, loopIn.Status)
	require.Equal(t, conversation.CallerAgent, loopIn.CallerKind)
	require.Equal(t, turnID, loopIn.ParentTurnID)
	require.Equal(t, specialist.ID, loopIn.PersonaDefID)

	rows := e.convEvents(t, convID, turnID)
	queued := findEvent(rows, event.TypeDispatchAgentQueued)
	require.NotNil(t, queued)
	require.Equal(t, definition.InvokeLoopIn, queued.Payload["mode"])

	final := snap.Messages[len(snap.Messages)-1]
	require.Equal(t, conversation.RoleAgent, final.Role)
	require.Contains(t, final.Content, "42")
}

func TestMoveLimitFailsTurn(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.put(t, definition.KindTask, "noop-task", map[string]any{"action": "mock"})
	e.putAction(t, "noop", map[string]any{"targetType": "task", "targetRef": "noop-task"})
	e.putPersona(t, "looper", map[string]any{
		"toolRefs":        []any{"noop"},
		"maxMovesPerTurn": 3,
	})

	e.llm.Handler = func(_ context.Context, _ model.Request) (model.Response, error) {
		return modeltest.CallTool("noop", map[string]any{}), nil
	}

	convID := e.start(t, "looper")
	turnID := e.post(t, convID, "Loop forever.")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnFailed, turn.Status)
	require.NotNil(t, turn.Failure)
	require.Equal(t, fault.KindLoopLimit, turn.Failure.Kind)
	require.Contains(t, turn.Failure.Message, "move limit")
	require.Equal(t, 4, turn.Moves)

	rows := e.convEvents(t, convID, turnID)
	require.NotNil(t, findEvent(rows, event.TypeTurnFailed))
}

func TestUnknownToolReportedToModel(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.putPersona(t, "confused", nil)

	e.llm.Enqueue(
		modeltest.CallTool("time_travel", map[string]any{}),
		modeltest.Text("Sorry, no such tool."),
	)

	convID := e.start(t, "confused")
	turnID := e.post(t, convID, "Go back in time.")
	turn := e.waitTurn(t, convID, turnID)

	// A bogus call settles as a failed move; the loop itself keeps going.
	require.Equal(t, conversation.TurnCompleted, turn.Status)
	require.Equal(t, 1, turn.ToolFailures)

	reqs := e.llm.Requests()
	require.Len(t, reqs, 2)
	var toolMsg *model.Message
	for i := range reqs[1].Messages {
		if reqs[1].Messages[i].Role == model.RoleTool {
			toolMsg = &reqs[1].Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	require.Contains(t, toolMsg.Content, "unknown tool")

	moves, err := e.store.ListMoves(context.Background(), turnID)
	require.NoError(t, err)
	require.Len(t, moves, 3)
	require.Equal(t, conversation.MoveFailed, moves[1].Status)
}

func TestToolArgumentValidation(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.put(t, definition.KindTask, "lookup-task", map[string]any{"action": "mock"})
	e.putAction(t, "lookup", map[string]any{
		"targetType": "task",
		"targetRef":  "lookup-task",
		"inputSchema": map[string]any{
			"type":     "object",
			"required": []any{"q"},
		},
	})
	e.putPersona(t, "analyst", map[string]any{"toolRefs": []any{"lookup"}})

	e.llm.Enqueue(
		modeltest.CallTool("lookup", map[string]any{}),
		modeltest.Text("I need a query."),
	)

	convID := e.start(t, "analyst")
	turnID := e.post(t, convID, "Search.")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnCompleted, turn.Status)
	require.Equal(t, 1, turn.ToolFailures)
	// The bad call never reached the task client.
	require.Empty(t, e.tasks.taskRequests())

	reqs := e.llm.Requests()
	require.Len(t, reqs, 2)
	var toolMsg *model.Message
	for i := range reqs[1].Messages {
		if reqs[1].Messages[i].Role == model.RoleTool {
			toolMsg = &reqs[1].Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	require.Contains(t, toolMsg.Content, "error")
}

func TestModelFailureFailsTurn(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.putPersona(t, "helper", nil)

	e.llm.Handler = func(_ context.Context, _ model.Request) (model.Response, error) {
		return model.Response{}, fault.New(fault.KindLLM, "provider unreachable")
	}

	convID := e.start(t, "helper")
	turnID := e.post(t, convID, "Hello?")
	turn := e.waitTurn(t, convID, turnID)

	require.Equal(t, conversation.TurnFailed, turn.Status)
	require.NotNil(t, turn.Failure)
	require.Equal(t, fault.KindLLM, turn.Failure.Kind)

	moves, err := e.store.ListMoves(context.Background(), turnID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, conversation.MoveFailed, moves[0].Status)

	rows := e.convEvents(t, convID, turnID)
	requireOrder(t, rows,
		event.TypeLLMCalling,
		event.TypeMoveResultRecorded,
		event.TypeTurnFailed,
	)
}

func TestCancelAbandonsOutstandingWork(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "long-job")
	e.putAction(t, "long_job", map[string]any{"targetType": "workflow", "targetRef": "long-job"})
	e.putPersona(t, "operator", map[string]any{"toolRefs": []any{"long_job"}})

	e.wfs.script(wf.ID, wfBehavior{delay: 10 * time.Second})
	e.llm.Enqueue(modeltest.CallTool("long_job", map[string]any{}))

	convID := e.start(t, "operator")
	turnID := e.post(t, convID, "Kick off the long job.")

	require.Eventually(t, func() bool {
		return len(e.wfs.started()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.rs.Cancel(context.Background(), convID, turnID))

	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnFailed, turn.Status)
	require.NotNil(t, turn.Failure)
	require.Equal(t, "cancelled", turn.Failure.Code)

	// The abandoned child run was cancelled too.
	runID := e.wfs.started()[0].RunID
	require.Eventually(t, func() bool {
		for _, id := range e.wfs.cancelledRuns() {
			if id == runID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDrainsLiveTurnsThenRejectsPosts(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	e.put(t, definition.KindTask, "slow-task", map[string]any{
		"action": "mock",
		"config": map[string]any{"delayMs": 200, "output": map[string]any{"ok": true}},
	})
	e.putAction(t, "slow_tool", map[string]any{"targetType": "task", "targetRef": "slow-task"})
	e.putPersona(t, "closer", map[string]any{"toolRefs": []any{"slow_tool"}})

	e.llm.Enqueue(
		modeltest.CallTool("slow_tool", map[string]any{}),
		modeltest.Text("Done after the slow tool."),
	)

	convID := e.start(t, "closer")
	turnID := e.post(t, convID, "Run the slow tool, then stop.")

	require.NoError(t, e.rs.Close(context.Background(), convID))

	// Close waited for the live turn instead of killing it.
	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	_, err := e.rs.PostMessage(context.Background(), convID, "One more thing?", 0)
	require.ErrorIs(t, err, conversation.ErrConversationClosed)

	snap := e.inspect(t, convID)
	require.Equal(t, conversation.ConversationClosed, snap.Conversation.Status)
	require.Len(t, snap.Messages, 3) // user, tool result, agent
}

func TestMemoryExtractionRunsAfterTurn(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "memorize")
	e.putPersona(t, "rememberer", map[string]any{"memoryExtractionWorkflowRef": "memorize"})

	e.wfs.script(wf.ID, wfBehavior{output: map[string]any{"memories": 1}})
	e.llm.Enqueue(modeltest.Text("Noted."))

	convID := e.start(t, "rememberer")
	turnID := e.post(t, convID, "Remember that I like tea.")
	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	require.Eventually(t, func() bool {
		rows, err := e.dir.ListEvents(context.Background(), event.ConversationStream(convID), 0, 0)
		if err != nil {
			return false
		}
		return findEvent(rows, event.TypeMemoryExtractionCompleted) != nil
	}, 5*time.Second, 10*time.Millisecond)

	starts := e.wfs.started()
	require.Len(t, starts, 1)
	require.Equal(t, wf.ID, starts[0].DefinitionID)
	require.Equal(t, "Remember that I like tea.", starts[0].Input["userMessage"])
	require.Equal(t, "Noted.", starts[0].Input["agentMessage"])

	snap := e.inspect(t, convID)
	require.False(t, snap.Conversation.MemoryExtractionFailed)
}

func TestMemoryExtractionFailureFlagsConversation(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "memorize")
	e.putPersona(t, "rememberer", map[string]any{"memoryExtractionWorkflowRef": "memorize"})

	e.wfs.script(wf.ID, wfBehavior{fail: fault.New(fault.KindTool, "extractor crashed")})
	e.llm.Enqueue(modeltest.Text("Noted."))

	convID := e.start(t, "rememberer")
	turnID := e.post(t, convID, "Remember that I like tea.")
	turn := e.waitTurn(t, convID, turnID)

	// Extraction trouble never fails the turn itself.
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	require.Eventually(t, func() bool {
		conv, err := e.store.GetConversation(context.Background(), convID)
		return err == nil && conv.MemoryExtractionFailed
	}, 5*time.Second, 10*time.Millisecond)

	rows, err := e.dir.ListEvents(context.Background(), event.ConversationStream(convID), 0, 0)
	require.NoError(t, err)
	require.NotNil(t, findEvent(rows, event.TypeMemoryExtractionFailed))
}

func TestContextAssemblyWorkflowShapesPrompt(t *testing.T) {
	e := newEnv(t)
	e.putProfile(t)
	wf := e.putStubWorkflow(t, "assemble")
	e.putPersona(t, "curated", map[string]any{
		"systemPrompt":               "fallback prompt",
		"contextAssemblyWorkflowRef": "assemble",
	})

	e.wfs.script(wf.ID, wfBehavior{output: map[string]any{
		"llmRequest": map[string]any{
			"system": "assembled prompt",
			"messages": []any{
				map[string]any{"role": "user", "content": "curated question"},
			},
		},
	}})
	e.llm.Enqueue(modeltest.Text("Curated answer."))

	convID := e.start(t, "curated")
	turnID := e.post(t, convID, "Original question.")
	turn := e.waitTurn(t, convID, turnID)
	require.Equal(t, conversation.TurnCompleted, turn.Status)

	starts := e.wfs.started()
	require.Len(t, starts, 1)
	require.Equal(t, wf.ID, starts[0].DefinitionID)
	require.Equal(t, "Original question.", starts[0].Input["userMessage"])
	require.Equal(t, "fallback prompt", starts[0].Input["systemPrompt"])

	// The workflow's request won; profile defaults filled the gaps.
	reqs := e.llm.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "assembled prompt", reqs[0].System)
	require.Equal(t, "scripted-model", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	require.Equal(t, "curated question", reqs[0].Messages[0].Content)

	rows := e.convEvents(t, convID, turnID)
	requireOrder(t, rows,
		event.TypeContextAssemblyDispatched,
		event.TypeContextAssemblyCompleted,
		event.TypeLLMCalling,
		event.TypeTurnCompleted,
	)
}

func TestStartConversationRequiresPersona(t *testing.T) {
	e := newEnv(t)

	_, err := e.rs.StartConversation(context.Background(), conversation.StartRequest{Owner: testOwner})
	require.Error(t, err)

	_, err = e.rs.StartConversation(context.Background(), conversation.StartRequest{
		PersonaRef: "ghost",
		Owner:      testOwner,
	})
	require.Error(t, err)
}

func TestInspectUnknownConversation(t *testing.T) {
	e := newEnv(t)
	_, err := e.rs.Inspect(context.Background(), "conv-missing")
	require.Error(t, err)
}
