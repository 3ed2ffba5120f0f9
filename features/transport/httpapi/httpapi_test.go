package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/conversation"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/workflow"
)

// fakeEngine records calls and replays scripted results.
type fakeEngine struct {
	putResult  *definition.PutResult
	putErr     error
	definition *definition.Definition
	defErr     error
	runID      string
	runErr     error
	run        *workflow.Run
	convID     string
	turnID     string
	snapshot   *conversation.Snapshot
	sub        *stream.Subscription
	subErr     error

	startReq  workflow.StartRequest
	posted    string
	postDelay time.Duration
	cancelled string
	closed    string
	streamID  string
	filter    event.Filter
}

func (f *fakeEngine) PutDefinition(_ context.Context, _ definition.Draft) (*definition.PutResult, error) {
	return f.putResult, f.putErr
}

func (f *fakeEngine) GetDefinition(_ context.Context, _ string, _ int) (*definition.Definition, error) {
	return f.definition, f.defErr
}

func (f *fakeEngine) ResolveDefinition(_ context.Context, _ definition.Kind, _ string, _ definition.Owner) (*definition.Definition, error) {
	return f.definition, f.defErr
}

func (f *fakeEngine) ListDefinitions(_ context.Context, _ definition.Kind, _ definition.Owner) ([]*definition.Definition, error) {
	if f.definition == nil {
		return nil, nil
	}
	return []*definition.Definition{f.definition}, nil
}

func (f *fakeEngine) StartRun(_ context.Context, req workflow.StartRequest) (string, error) {
	f.startReq = req
	return f.runID, f.runErr
}

func (f *fakeEngine) CancelRun(_ context.Context, runID string) error {
	f.cancelled = runID
	return nil
}

func (f *fakeEngine) InspectRun(_ context.Context, _ string) (*workflow.Run, error) {
	if f.run == nil {
		return nil, workflow.ErrNotFound
	}
	return f.run, nil
}

func (f *fakeEngine) StartConversation(_ context.Context, _ conversation.StartRequest) (string, error) {
	return f.convID, nil
}

func (f *fakeEngine) PostMessage(_ context.Context, _, content string, delay time.Duration) (string, error) {
	f.posted = content
	f.postDelay = delay
	return f.turnID, nil
}

func (f *fakeEngine) CloseConversation(_ context.Context, id string) error {
	f.closed = id
	return nil
}

func (f *fakeEngine) InspectConversation(_ context.Context, _ string) (*conversation.Snapshot, error) {
	if f.snapshot == nil {
		return nil, conversation.ErrNotFound
	}
	return f.snapshot, nil
}

func (f *fakeEngine) Subscribe(_ context.Context, streamID string, filter event.Filter) (*stream.Subscription, error) {
	f.streamID = streamID
	f.filter = filter
	return f.sub, f.subErr
}

func (f *fakeEngine) Replay(_ context.Context, _ string, _ uint64, _ int) ([]*event.Event, error) {
	return nil, nil
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPutDefinition(t *testing.T) {
	def := &definition.Definition{ID: "def-1", Version: 1, Kind: definition.KindWorkflow, Reference: "triage"}
	eng := &fakeEngine{putResult: &definition.PutResult{Definition: def, LatestVersion: 1}}
	h := New(eng)

	rec := postJSON(t, h, "/v1/definitions", map[string]any{
		"kind":    "workflow",
		"name":    "triage",
		"owner":   map[string]string{"projectId": "p1"},
		"content": map[string]any{"nodes": []any{}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp putDefinitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "def-1", resp.Definition.ID)
	require.False(t, resp.Reused)
}

func TestPutDefinitionReusedReturns200(t *testing.T) {
	def := &definition.Definition{ID: "def-1", Version: 3}
	eng := &fakeEngine{putResult: &definition.PutResult{Definition: def, Reused: true, LatestVersion: 3}}
	h := New(eng)

	rec := postJSON(t, h, "/v1/definitions", map[string]any{"kind": "workflow", "name": "triage"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPutDefinitionRejectsUnknownKind(t *testing.T) {
	h := New(&fakeEngine{})
	rec := postJSON(t, h, "/v1/definitions", map[string]any{"kind": "gadget", "name": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, string(fault.KindValidation), env.Error.Kind)
	require.Equal(t, "kind", env.Error.Field)
}

func TestStartRunByID(t *testing.T) {
	eng := &fakeEngine{runID: "run-1"}
	h := New(eng)

	rec := postJSON(t, h, "/v1/runs", map[string]any{
		"definitionId": "def-1",
		"input":        map[string]any{"city": "Paris"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "def-1", eng.startReq.DefinitionID)
	require.Equal(t, "Paris", eng.startReq.Input["city"])

	var resp startRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "run-1", resp.RunID)
}

func TestStartRunByRefResolvesAndPinsVersion(t *testing.T) {
	eng := &fakeEngine{
		runID:      "run-2",
		definition: &definition.Definition{ID: "def-9", Version: 4, Kind: definition.KindWorkflow},
	}
	h := New(eng)

	rec := postJSON(t, h, "/v1/runs", map[string]any{"definitionRef": "triage"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "def-9", eng.startReq.DefinitionID)
	require.Equal(t, 4, eng.startReq.DefinitionVersion)
}

func TestStartRunRequiresTarget(t *testing.T) {
	h := New(&fakeEngine{})
	rec := postJSON(t, h, "/v1/runs", map[string]any{"input": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	h := New(&fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, string(fault.KindNotFound), env.Error.Kind)
}

func TestFaultStatusMapping(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindValidation, http.StatusBadRequest},
		{fault.KindNotFound, http.StatusNotFound},
		{fault.KindConflict, http.StatusConflict},
		{fault.KindTimeout, http.StatusGatewayTimeout},
		{fault.KindStorage, http.StatusServiceUnavailable},
		{fault.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		eng := &fakeEngine{putErr: fault.New(tc.kind, "boom")}
		h := New(eng)
		rec := postJSON(t, h, "/v1/definitions", map[string]any{"kind": "workflow", "name": "x"})
		require.Equal(t, tc.want, rec.Code, "kind %s", tc.kind)
	}
}

func TestConversationLifecycle(t *testing.T) {
	eng := &fakeEngine{convID: "conv-1", turnID: "turn-1"}
	h := New(eng)

	rec := postJSON(t, h, "/v1/conversations", map[string]any{"personaRef": "support"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, h, "/v1/conversations/conv-1/messages", map[string]any{"content": "Hello"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "Hello", eng.posted)
	require.Zero(t, eng.postDelay)

	var resp postMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "turn-1", resp.TurnID)

	rec = postJSON(t, h, "/v1/conversations/conv-1/messages", map[string]any{"content": "Later", "delayMs": 1500})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1500*time.Millisecond, eng.postDelay)

	rec = postJSON(t, h, "/v1/conversations/conv-1/messages", map[string]any{"content": "Now", "delayMs": -1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/v1/conversations/conv-1/messages", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/v1/conversations/conv-1/close", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "conv-1", eng.closed)
}

func TestSSEStreamsEnvelopes(t *testing.T) {
	ch := make(chan event.Envelope, 4)
	ch <- event.Envelope{
		V:      event.EnvelopeVersion,
		Stream: "run/run-1",
		Kind:   event.KindEvent,
		Seq:    1,
		Type:   event.TypeWorkflowStarted,
	}
	close(ch)

	eng := &fakeEngine{sub: stream.NewSubscription(ch, nil)}
	h := New(eng)

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/runs/run-1/events?streams=events&types=workflow.started&sinceSeq=0", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "run/run-1", eng.streamID)
	require.True(t, eng.filter.Replay)
	require.Equal(t, []string{event.TypeWorkflowStarted}, eng.filter.Types)

	body := rec.Body.String()
	require.Contains(t, body, ": connected\n\n")
	require.Contains(t, body, "event: workflow.started\n")
	require.Contains(t, body, `"stream":"run/run-1"`)
}

func TestSSERejectsUnknownKind(t *testing.T) {
	h := New(&fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/v1/streams/queues/q-1/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEClosesOnClientDisconnect(t *testing.T) {
	ch := make(chan event.Envelope)
	closed := make(chan struct{})
	eng := &fakeEngine{sub: stream.NewSubscription(ch, func() { close(closed) })}
	h := New(eng)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/streams/conversations/conv-1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}
}
