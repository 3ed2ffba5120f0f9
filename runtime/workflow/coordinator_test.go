package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/definition"
	definmem "goa.design/weave/runtime/definition/inmem"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/stream"
	streaminmem "goa.design/weave/runtime/stream/inmem"
	"goa.design/weave/runtime/workflow"
	wfinmem "goa.design/weave/runtime/workflow/inmem"
)

var testOwner = definition.Owner{ProjectID: "proj-test"}

// env wires coordinators against in-memory stores and a scripted task client.
type env struct {
	sys   *actor.System
	defs  *definition.Service
	runs  *wfinmem.Store
	dir   *stream.Directory
	corr  *dispatch.Correlators
	tasks *fakeTasks
	co    *workflow.Coordinators
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	sys := actor.NewSystem(ctx)
	dir := stream.NewDirectory(ctx, streaminmem.New())
	corr := dispatch.NewCorrelators()
	e := &env{
		sys:   sys,
		defs:  definition.NewService(definmem.New()),
		runs:  wfinmem.New(),
		dir:   dir,
		corr:  corr,
		tasks: newFakeTasks(corr),
	}
	co, err := workflow.NewCoordinators(workflow.Config{
		System:      sys,
		Store:       e.runs,
		Definitions: e.defs,
		Streams:     dir,
		Correlators: corr,
		Tasks:       e.tasks,
	})
	require.NoError(t, err)
	e.co = co
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
		_ = dir.Shutdown(ctx)
	})
	return e
}

func (e *env) putTask(t *testing.T, name string, content map[string]any) definition.PinnedRef {
	t.Helper()
	res, err := e.defs.Put(context.Background(), definition.NewDraft(definition.KindTask, name, testOwner, content))
	require.NoError(t, err)
	return definition.PinnedRef{ID: res.Definition.ID, Version: res.Definition.Version}
}

func (e *env) putWorkflow(t *testing.T, name string, content map[string]any) definition.PinnedRef {
	t.Helper()
	res, err := e.defs.Put(context.Background(), definition.NewDraft(definition.KindWorkflow, name, testOwner, content))
	require.NoError(t, err)
	return definition.PinnedRef{ID: res.Definition.ID, Version: res.Definition.Version}
}

func (e *env) start(t *testing.T, pin definition.PinnedRef, input map[string]any) string {
	t.Helper()
	runID, err := e.co.StartRun(context.Background(), workflow.StartRequest{
		RunID:             ids.Run(),
		DefinitionID:      pin.ID,
		DefinitionVersion: pin.Version,
		Input:             input,
	})
	require.NoError(t, err)
	return runID
}

// waitRun blocks until the run reaches a terminal status and returns the
// final snapshot.
func (e *env) waitRun(t *testing.T, runID string) *workflow.Run {
	t.Helper()
	var run *workflow.Run
	require.Eventually(t, func() bool {
		r, err := e.co.Inspect(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

// runEvents waits for the terminal event to flush and returns the persisted
// event log of the run's stream.
func (e *env) runEvents(t *testing.T, runID string) []*event.Event {
	t.Helper()
	streamID := event.RunStream(runID)
	var rows []*event.Event
	require.Eventually(t, func() bool {
		var err error
		rows, err = e.dir.ListEvents(context.Background(), streamID, 0, 0)
		if err != nil {
			return false
		}
		for _, row := range rows {
			if row.Type == event.TypeWorkflowCompleted || row.Type == event.TypeWorkflowFailed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return rows
}

func eventTypes(rows []*event.Event) []string {
	types := make([]string, len(rows))
	for i, row := range rows {
		types[i] = row.Type
	}
	return types
}

// requireOrder asserts that the first occurrence of each type appears in the
// given order.
func requireOrder(t *testing.T, rows []*event.Event, types ...string) {
	t.Helper()
	last := -1
	for _, want := range types {
		found := -1
		for i, row := range rows {
			if row.Type == want {
				found = i
				break
			}
		}
		require.GreaterOrEqual(t, found, 0, "event %s not found in %v", want, eventTypes(rows))
		require.Greater(t, found, last, "event %s out of order in %v", want, eventTypes(rows))
		last = found
	}
}

// fakeTasks resolves task dispatches asynchronously the way the executor
// does, driven by the task's config:
//
//	output:    map merged into the result
//	echo:      true copies the dispatch input into the result
//	delayMs:   sleep before resolving (the input may carry it instead,
//	           letting branches of one task resolve at different speeds)
//	failTimes: fail the first N executions of the task
//	failAlways: fail every execution
type fakeTasks struct {
	corr *dispatch.Correlators

	mu       sync.Mutex
	requests []dispatch.TaskRequest
	fails    map[string]int
	dropped  []string
}

func newFakeTasks(corr *dispatch.Correlators) *fakeTasks {
	return &fakeTasks{corr: corr, fails: make(map[string]int)}
}

func (f *fakeTasks) Execute(_ context.Context, req dispatch.TaskRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := false
	if n := cfgInt(req.Config, "failTimes"); n > 0 && f.fails[req.TaskID] < n {
		f.fails[req.TaskID]++
		fail = true
	}
	if b, _ := req.Config["failAlways"].(bool); b {
		fail = true
	}
	f.mu.Unlock()

	go func() {
		d := cfgInt(req.Config, "delayMs")
		if d == 0 {
			d = cfgInt(req.Input, "delayMs")
		}
		if d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		var delivered bool
		if fail {
			delivered = f.corr.Fail(req.OperationID, fault.New(fault.KindTool, "scripted failure"))
		} else {
			out := map[string]any{}
			if base, ok := req.Config["output"].(map[string]any); ok {
				for k, v := range base {
					out[k] = v
				}
			}
			if b, _ := req.Config["echo"].(bool); b {
				for k, v := range req.Input {
					out[k] = v
				}
			}
			delivered = f.corr.Resolve(req.OperationID, dispatch.Result{Output: out})
		}
		if !delivered {
			f.mu.Lock()
			f.dropped = append(f.dropped, req.OperationID)
			f.mu.Unlock()
		}
	}()
	return nil
}

func (f *fakeTasks) droppedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

func (f *fakeTasks) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// cfgInt reads a numeric config value; JSON round-tripping stores numbers as
// float64.
func cfgInt(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func TestLinearRunCompletes(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "fetch", map[string]any{
		"action": "mock",
		"config": map[string]any{"output": map[string]any{"payload": "raw"}},
	})
	e.putTask(t, "clean", map[string]any{
		"action": "mock",
		"config": map[string]any{"echo": true},
	})
	e.putTask(t, "publish", map[string]any{
		"action": "mock",
		"config": map[string]any{"output": map[string]any{"published": true}},
	})
	wf := e.putWorkflow(t, "pipeline", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "fetch", "target": "task", "targetRef": "fetch",
				"outputMapping": map[string]any{"state.payload": "result.payload"}},
			map[string]any{"ref": "clean", "target": "task", "targetRef": "clean",
				"inputMapping":  map[string]any{"text": "state.payload"},
				"outputMapping": map[string]any{"state.cleaned": "result.text"}},
			map[string]any{"ref": "publish", "target": "task", "targetRef": "publish",
				"outputMapping": map[string]any{"output.published": "result.published"}},
		},
		"transitions": []any{
			map[string]any{"fromNodeRef": "fetch", "toNodeRef": "clean"},
			map[string]any{"fromNodeRef": "clean", "toNodeRef": "publish"},
		},
		"initialNodeRef": "fetch",
		"outputMapping":  map[string]any{"summary": `state.cleaned + "!"`},
	})

	runID := e.start(t, wf, map[string]any{"source": "inbox"})
	run := e.waitRun(t, runID)

	require.Equal(t, workflow.RunCompleted, run.Status)
	require.Equal(t, "raw", run.Context.State["payload"])
	require.Equal(t, "raw", run.Context.State["cleaned"])
	require.Equal(t, true, run.Context.Output["published"])
	require.Equal(t, "raw!", run.Context.Output["summary"])
	require.Empty(t, run.Context.Branches)
	require.Len(t, run.Tokens, 3)
	for _, tok := range run.Tokens {
		require.Equal(t, workflow.TokenCompleted, tok.Status)
	}

	rows := e.runEvents(t, runID)
	requireOrder(t, rows,
		event.TypeWorkflowStarted,
		event.TypeTokenCreated,
		event.TypeTaskDispatched,
		event.TypeTaskCompleted,
		event.TypeTokenCompleted,
		event.TypeWorkflowCompleted,
	)
	// Per-token lifecycle ordering holds for every token.
	for _, tok := range run.Tokens {
		var scoped []*event.Event
		for _, row := range rows {
			if row.TokenID == tok.ID {
				scoped = append(scoped, row)
			}
		}
		requireOrder(t, scoped,
			event.TypeTokenCreated,
			event.TypeTaskDispatched,
			event.TypeTaskCompleted,
			event.TypeTokenCompleted,
		)
	}
	require.Equal(t, event.TypeWorkflowCompleted, rows[len(rows)-1].Type)
}

func TestStartValidatesInput(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "noop", map[string]any{"action": "mock"})
	wf := e.putWorkflow(t, "strict", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "noop", "target": "task", "targetRef": "noop"},
		},
		"transitions":    []any{},
		"initialNodeRef": "noop",
		"inputSchema": map[string]any{
			"type":     "object",
			"required": []any{"city"},
		},
	})

	_, err := e.co.StartRun(context.Background(), workflow.StartRequest{
		DefinitionID: wf.ID,
		Input:        map[string]any{"country": "NL"},
	})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestOutputSchemaViolationFailsRun(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "noop", map[string]any{"action": "mock"})
	wf := e.putWorkflow(t, "typed", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "noop", "target": "task", "targetRef": "noop"},
		},
		"transitions":    []any{},
		"initialNodeRef": "noop",
		"outputMapping":  map[string]any{"answer": "42"},
		"outputSchema": map[string]any{
			"type":       "object",
			"required":   []any{"answer"},
			"properties": map[string]any{"answer": map[string]any{"type": "string"}},
		},
	})

	run := e.waitRun(t, e.start(t, wf, nil))
	require.Equal(t, workflow.RunFailed, run.Status)
	require.Equal(t, fault.KindValidation, run.Failure.Kind)
	require.Equal(t, "output_validation", run.Failure.Code)

	rows := e.runEvents(t, run.ID)
	require.Equal(t, event.TypeWorkflowFailed, rows[len(rows)-1].Type)
}

func TestStartUnknownDefinition(t *testing.T) {
	e := newEnv(t)
	_, err := e.co.StartRun(context.Background(), workflow.StartRequest{DefinitionID: "def-missing"})
	require.Error(t, err)
	require.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestConditionalRoutingPicksFirstMatch(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "probe", map[string]any{"action": "mock", "config": map[string]any{"echo": true}})
	e.putTask(t, "hot", map[string]any{"action": "mock", "config": map[string]any{"output": map[string]any{"lane": "hot"}}})
	e.putTask(t, "cold", map[string]any{"action": "mock", "config": map[string]any{"output": map[string]any{"lane": "cold"}}})
	wf := e.putWorkflow(t, "router", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "probe", "target": "task", "targetRef": "probe",
				"inputMapping":  map[string]any{"level": "input.level"},
				"outputMapping": map[string]any{"state.level": "result.level"}},
			map[string]any{"ref": "hot", "target": "task", "targetRef": "hot",
				"outputMapping": map[string]any{"output.lane": "result.lane"}},
			map[string]any{"ref": "cold", "target": "task", "targetRef": "cold",
				"outputMapping": map[string]any{"output.lane": "result.lane"}},
		},
		"transitions": []any{
			map[string]any{"fromNodeRef": "probe", "toNodeRef": "hot",
				"when": "state.level > 7", "priority": 1},
			map[string]any{"fromNodeRef": "probe", "toNodeRef": "cold", "priority": 2},
		},
		"initialNodeRef": "probe",
	})

	hotRun := e.waitRun(t, e.start(t, wf, map[string]any{"level": 9}))
	require.Equal(t, workflow.RunCompleted, hotRun.Status)
	require.Equal(t, "hot", hotRun.Context.Output["lane"])

	coldRun := e.waitRun(t, e.start(t, wf, map[string]any{"level": 2}))
	require.Equal(t, workflow.RunCompleted, coldRun.Status)
	require.Equal(t, "cold", coldRun.Context.Output["lane"])
}

func TestRetryBudgetRecovers(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "flaky", map[string]any{
		"action": "mock",
		"config": map[string]any{"failTimes": 2, "output": map[string]any{"ok": true}},
		"retry":  map[string]any{"maxAttempts": 3},
	})
	wf := e.putWorkflow(t, "retrying", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "flaky", "target": "task", "targetRef": "flaky",
				"onFailure":     "retry",
				"outputMapping": map[string]any{"output.ok": "result.ok"}},
		},
		"transitions":    []any{},
		"initialNodeRef": "flaky",
	})

	run := e.waitRun(t, e.start(t, wf, nil))
	require.Equal(t, workflow.RunCompleted, run.Status)
	require.Equal(t, true, run.Context.Output["ok"])
	require.Len(t, run.Tokens, 1)
	require.Equal(t, 2, run.Tokens[0].Attempt)

	rows := e.runEvents(t, run.ID)
	failed := 0
	for _, row := range rows {
		if row.Type == event.TypeTaskFailed {
			require.Equal(t, true, row.Payload["willRetry"])
			failed++
		}
	}
	require.Equal(t, 2, failed)
}

func TestRetryBudgetExhausts(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "doomed", map[string]any{
		"action": "mock",
		"config": map[string]any{"failAlways": true},
		"retry":  map[string]any{"maxAttempts": 2},
	})
	wf := e.putWorkflow(t, "doomed-flow", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "doomed", "target": "task", "targetRef": "doomed", "onFailure": "retry"},
		},
		"transitions":    []any{},
		"initialNodeRef": "doomed",
	})

	run := e.waitRun(t, e.start(t, wf, nil))
	require.Equal(t, workflow.RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	require.Equal(t, fault.KindTool, run.Failure.Kind)
	require.Equal(t, workflow.TokenFailed, run.Tokens[0].Status)
}

func TestOnFailureContinueRecordsAndRoutes(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "brittle", map[string]any{
		"action": "mock",
		"config": map[string]any{"failAlways": true},
	})
	e.putTask(t, "wrapup", map[string]any{
		"action": "mock",
		"config": map[string]any{"output": map[string]any{"done": true}},
	})
	wf := e.putWorkflow(t, "tolerant", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "brittle", "target": "task", "targetRef": "brittle", "onFailure": "continue"},
			map[string]any{"ref": "wrapup", "target": "task", "targetRef": "wrapup",
				"outputMapping": map[string]any{"output.done": "result.done"}},
		},
		"transitions": []any{
			map[string]any{"fromNodeRef": "brittle", "toNodeRef": "wrapup"},
		},
		"initialNodeRef": "brittle",
	})

	run := e.waitRun(t, e.start(t, wf, nil))
	require.Equal(t, workflow.RunCompleted, run.Status)
	require.Equal(t, true, run.Context.Output["done"])

	failures, ok := run.Context.State["_failures"].(map[string]any)
	require.True(t, ok, "state._failures not recorded: %v", run.Context.State)
	require.Len(t, failures, 1)
	for _, f := range failures {
		detail, ok := f.(map[string]any)
		require.True(t, ok)
		require.Equal(t, string(fault.KindTool), detail["kind"])
	}
}

func TestCancelRun(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "slow", map[string]any{
		"action": "mock",
		"config": map[string]any{"delayMs": 5000},
	})
	wf := e.putWorkflow(t, "cancellable", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "slow", "target": "task", "targetRef": "slow"},
		},
		"transitions":    []any{},
		"initialNodeRef": "slow",
	})

	runID := e.start(t, wf, nil)
	require.Eventually(t, func() bool { return e.tasks.requestCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.co.Cancel(context.Background(), runID))

	run := e.waitRun(t, runID)
	require.Equal(t, workflow.RunCancelled, run.Status)
	require.Equal(t, workflow.TokenCancelled, run.Tokens[0].Status)
	require.Empty(t, run.Context.Branches)

	rows := e.runEvents(t, runID)
	var cancelled, failed bool
	for _, row := range rows {
		if row.Type == event.TypeTokenCompleted && row.Payload["outcome"] == "cancelled" {
			cancelled = true
		}
		if row.Type == event.TypeWorkflowFailed && row.Payload["reason"] == "cancelled" {
			failed = true
		}
	}
	require.True(t, cancelled, "no cancelled token event in %v", eventTypes(rows))
	require.True(t, failed, "no cancelled workflow event in %v", eventTypes(rows))
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "quick", map[string]any{"action": "mock"})
	wf := e.putWorkflow(t, "quick-flow", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "quick", "target": "task", "targetRef": "quick"},
		},
		"transitions":    []any{},
		"initialNodeRef": "quick",
	})

	runID := e.start(t, wf, nil)
	run := e.waitRun(t, runID)
	require.Equal(t, workflow.RunCompleted, run.Status)

	require.NoError(t, e.co.Cancel(context.Background(), runID))
	again, err := e.co.Inspect(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunCompleted, again.Status)
}

func TestInspectReturnsIsolatedCopy(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "steady", map[string]any{
		"action": "mock",
		"config": map[string]any{"output": map[string]any{"v": 1}},
	})
	wf := e.putWorkflow(t, "inspectable", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "steady", "target": "task", "targetRef": "steady",
				"outputMapping": map[string]any{"state.v": "result.v"}},
		},
		"transitions":    []any{},
		"initialNodeRef": "steady",
	})

	runID := e.start(t, wf, nil)
	run := e.waitRun(t, runID)

	run.Context.State["v"] = "clobbered"
	run.Tokens[0].Status = workflow.TokenFailed

	again, err := e.co.Inspect(context.Background(), runID)
	require.NoError(t, err)
	require.EqualValues(t, 1, again.Context.State["v"])
	require.Equal(t, workflow.TokenCompleted, again.Tokens[0].Status)
}

func TestRecoverResumesDispatchedRun(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "resumable", map[string]any{
		"action": "mock",
		"config": map[string]any{"output": map[string]any{"ok": true}},
	})
	wf := e.putWorkflow(t, "recoverable", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "resumable", "target": "task", "targetRef": "resumable",
				"outputMapping": map[string]any{"output.ok": "result.ok"}},
		},
		"transitions":    []any{},
		"initialNodeRef": "resumable",
	})

	// Snapshot a run caught mid-dispatch, as a crashed process would leave it.
	def, err := e.defs.Get(context.Background(), wf.ID, wf.Version)
	require.NoError(t, err)
	decoded, err := definition.DecodeWorkflow(def)
	require.NoError(t, err)
	now := time.Now().UTC()
	tok := &workflow.Token{
		ID:          ids.Token(),
		RunID:       ids.Run(),
		NodeID:      decoded.InitialNodeID,
		BranchTotal: 1,
		Status:      workflow.TokenDispatched,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tok.BranchRootID = tok.ID
	orphan := &workflow.Run{
		ID:                tok.RunID,
		DefinitionID:      wf.ID,
		DefinitionVersion: wf.Version,
		Status:            workflow.RunRunning,
		Context: &workflow.RunContext{
			Input:    map[string]any{},
			State:    map[string]any{},
			Output:   map[string]any{},
			Branches: map[string]map[string]any{},
		},
		Tokens:    []*workflow.Token{tok},
		Joins:     map[string]*workflow.JoinState{},
		StartedAt: now,
	}
	require.NoError(t, e.runs.SaveRun(context.Background(), orphan))

	resumed, err := e.co.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	run := e.waitRun(t, orphan.ID)
	require.Equal(t, workflow.RunCompleted, run.Status)
	require.Equal(t, true, run.Context.Output["ok"])
}

func TestSubworkflowDeliversOutputToParent(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "inner", map[string]any{
		"action": "mock",
		"config": map[string]any{"echo": true},
	})
	e.putWorkflow(t, "child", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "inner", "target": "task", "targetRef": "inner",
				"inputMapping":  map[string]any{"doubled": "input.n * 2"},
				"outputMapping": map[string]any{"output.doubled": "result.doubled"}},
		},
		"transitions":    []any{},
		"initialNodeRef": "inner",
	})
	parent := e.putWorkflow(t, "parent", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "delegate", "target": "workflow", "targetRef": "child",
				"inputMapping":  map[string]any{"n": "input.n"},
				"outputMapping": map[string]any{"output.result": "result.doubled"}},
		},
		"transitions":    []any{},
		"initialNodeRef": "delegate",
	})

	run := e.waitRun(t, e.start(t, parent, map[string]any{"n": 21}))
	require.Equal(t, workflow.RunCompleted, run.Status)
	require.EqualValues(t, 42, run.Context.Output["result"])

	rows := e.runEvents(t, run.ID)
	requireOrder(t, rows,
		event.TypeSubworkflowStarted,
		event.TypeSubworkflowCompleted,
		event.TypeWorkflowCompleted,
	)

	// The child run recorded its parentage.
	var childRunID string
	for _, row := range rows {
		if row.Type == event.TypeSubworkflowStarted {
			childRunID = row.Payload["childRunId"].(string)
		}
	}
	require.NotEmpty(t, childRunID)
	childRun, err := e.co.Inspect(context.Background(), childRunID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunCompleted, childRun.Status)
	require.NotNil(t, childRun.Parent)
	require.Equal(t, run.ID, childRun.Parent.RunID)
}

func TestSubworkflowFailureAbortsParent(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "bomb", map[string]any{
		"action": "mock",
		"config": map[string]any{"failAlways": true},
	})
	e.putWorkflow(t, "failing-child", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "bomb", "target": "task", "targetRef": "bomb"},
		},
		"transitions":    []any{},
		"initialNodeRef": "bomb",
	})
	parent := e.putWorkflow(t, "fragile-parent", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "delegate", "target": "workflow", "targetRef": "failing-child"},
		},
		"transitions":    []any{},
		"initialNodeRef": "delegate",
	})

	run := e.waitRun(t, e.start(t, parent, nil))
	require.Equal(t, workflow.RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	require.Equal(t, fault.KindTool, run.Failure.Kind)
}

func TestCancelPropagatesToSubworkflow(t *testing.T) {
	e := newEnv(t)
	e.putTask(t, "glacial", map[string]any{
		"action": "mock",
		"config": map[string]any{"delayMs": 5000},
	})
	e.putWorkflow(t, "glacial-child", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "glacial", "target": "task", "targetRef": "glacial"},
		},
		"transitions":    []any{},
		"initialNodeRef": "glacial",
	})
	parent := e.putWorkflow(t, "glacial-parent", map[string]any{
		"nodes": []any{
			map[string]any{"ref": "delegate", "target": "workflow", "targetRef": "glacial-child"},
		},
		"transitions":    []any{},
		"initialNodeRef": "delegate",
	})

	runID := e.start(t, parent, nil)
	require.Eventually(t, func() bool { return e.tasks.requestCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.co.Cancel(context.Background(), runID))

	run := e.waitRun(t, runID)
	require.Equal(t, workflow.RunCancelled, run.Status)

	// The child run winds down too.
	require.Eventually(t, func() bool {
		actives, err := e.runs.ListActive(context.Background())
		return err == nil && len(actives) == 0
	}, 3*time.Second, 10*time.Millisecond)
}
