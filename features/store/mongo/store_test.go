package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "goa.design/weave/features/store/mongo/clients/mongo"
	"goa.design/weave/runtime/conversation"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/workflow"
)

func TestNewStoresRequireClient(t *testing.T) {
	_, err := NewDefinitionStore(nil)
	require.EqualError(t, err, "client is required")
	_, err = NewRunStore(nil)
	require.EqualError(t, err, "client is required")
	_, err = NewConversationStore(nil)
	require.EqualError(t, err, "client is required")
	_, err = NewStreamStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestDefinitionStoreDelegates(t *testing.T) {
	client := &fakeDefinitionsClient{}
	store, err := NewDefinitionStore(client)
	require.NoError(t, err)

	def := &definition.Definition{ID: "def-1", Version: 1, Kind: definition.KindTask, Reference: "fetch"}
	require.NoError(t, store.Insert(context.Background(), def, false))
	require.Equal(t, def, client.inserted)

	client.row = def
	got, err := store.GetByReference(context.Background(), definition.KindTask, "fetch", definition.Owner{ProjectID: "p"})
	require.NoError(t, err)
	require.Equal(t, def, got)
}

func TestRunStoreDelegates(t *testing.T) {
	client := &fakeRunsClient{}
	store, err := NewRunStore(client)
	require.NoError(t, err)

	run := &workflow.Run{ID: "run-1", Status: workflow.RunRunning}
	require.NoError(t, store.SaveRun(context.Background(), run))
	require.Equal(t, run, client.saved)

	client.active = []*workflow.Run{run}
	rows, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "run-1", rows[0].ID)
}

func TestConversationStoreDelegates(t *testing.T) {
	client := &fakeConversationsClient{}
	store, err := NewConversationStore(client)
	require.NoError(t, err)

	turn := &conversation.Turn{ID: "turn-1", ConversationID: "conv-1"}
	require.NoError(t, store.SaveTurn(context.Background(), turn))
	require.Equal(t, turn, client.savedTurn)

	client.messages = []*conversation.Message{{ID: "msg-1", ConversationID: "conv-1"}}
	rows, err := store.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "msg-1", rows[0].ID)
}

func TestStreamStoreDelegates(t *testing.T) {
	client := &fakeStreamsClient{}
	store, err := NewStreamStore(client)
	require.NoError(t, err)

	require.NoError(t, store.SaveCounters(context.Background(), "run/run-1", stream.Counters{EventSeq: 3}))
	require.Equal(t, uint64(3), client.counters.EventSeq)

	client.events = []*event.Event{{ID: "ev-1", Seq: 1}}
	rows, err := store.ListEvents(context.Background(), "run/run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ev-1", rows[0].ID)
}

// The fakes embed their interface and override only what each test calls.

type fakeDefinitionsClient struct {
	clientsmongo.Definitions
	inserted *definition.Definition
	row      *definition.Definition
}

func (f *fakeDefinitionsClient) Insert(_ context.Context, def *definition.Definition, _ bool) error {
	f.inserted = def
	return nil
}

func (f *fakeDefinitionsClient) GetByReference(context.Context, definition.Kind, string, definition.Owner) (*definition.Definition, error) {
	return f.row, nil
}

type fakeRunsClient struct {
	clientsmongo.Runs
	saved  *workflow.Run
	active []*workflow.Run
}

func (f *fakeRunsClient) SaveRun(_ context.Context, run *workflow.Run) error {
	f.saved = run
	return nil
}

func (f *fakeRunsClient) ListActive(context.Context) ([]*workflow.Run, error) {
	return f.active, nil
}

type fakeConversationsClient struct {
	clientsmongo.Conversations
	savedTurn *conversation.Turn
	messages  []*conversation.Message
}

func (f *fakeConversationsClient) SaveTurn(_ context.Context, turn *conversation.Turn) error {
	f.savedTurn = turn
	return nil
}

func (f *fakeConversationsClient) ListMessages(context.Context, string) ([]*conversation.Message, error) {
	return f.messages, nil
}

type fakeStreamsClient struct {
	clientsmongo.Streams
	counters stream.Counters
	events   []*event.Event
}

func (f *fakeStreamsClient) SaveCounters(_ context.Context, _ string, c stream.Counters) error {
	f.counters = c
	return nil
}

func (f *fakeStreamsClient) ListEvents(context.Context, string, uint64, int) ([]*event.Event, error) {
	return f.events, nil
}
