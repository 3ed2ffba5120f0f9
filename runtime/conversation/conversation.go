// Package conversation implements the per-conversation actor that drives
// agent turns. Each posted user message opens a turn whose LLM-tool loop runs
// until the model produces a final answer and every dispatched tool operation
// has settled; turns within one conversation run concurrently while the actor
// serializes all state mutations. Conversations, turns, messages, and moves
// persist through a Store, and progress is visible on the conversation's
// event stream.
package conversation

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/model"
)

// ErrNotFound is returned by stores when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrConversationClosed rejects posts to a closed or draining conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation lifecycle states.
const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

// Turn lifecycle states. A turn parks in TurnWaiting while a synchronous
// tool is outstanding and may sit in TurnActing with the model loop exited
// but asynchronous results still pending.
const (
	TurnAssembling TurnStatus = "assembling"
	TurnCalling    TurnStatus = "calling"
	TurnActing     TurnStatus = "acting"
	TurnWaiting    TurnStatus = "waiting"
	TurnCompleted  TurnStatus = "completed"
	TurnFailed     TurnStatus = "failed"
)

// Caller kinds: who opened a turn.
const (
	CallerUser  = "user"
	CallerAgent = "agent"
)

// Message roles as persisted. Agent messages map to the assistant role on
// the wire to model providers.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleTool   = "tool"
	RoleSystem = "system"
)

// MoveKind classifies one iteration step of a turn's loop.
type MoveKind string

// Move kinds.
const (
	MoveLLMCall          MoveKind = "llm_call"
	MoveToolCall         MoveKind = "tool_call"
	MoveWorkflowDispatch MoveKind = "workflow_dispatch"
	MoveAgentDispatch    MoveKind = "agent_dispatch"
)

// MoveStatus is the settlement state of a move.
type MoveStatus string

// Move settlement states.
const (
	MoveDispatched MoveStatus = "dispatched"
	MoveCompleted  MoveStatus = "completed"
	MoveFailed     MoveStatus = "failed"
)

type (
	// Conversation is the durable root of a message exchange with one persona.
	Conversation struct {
		// ID is the unique conversation id.
		ID string `json:"id" bson:"_id"`
		// PersonaDefID and PersonaVersion pin the persona driving agent turns.
		PersonaDefID   string `json:"personaDefId" bson:"personaDefId"`
		PersonaVersion int    `json:"personaVersion" bson:"personaVersion"`
		// Status is active until the conversation drains and closes.
		Status ConversationStatus `json:"status" bson:"status"`
		// Title labels the conversation for listings.
		Title string `json:"title,omitempty" bson:"title,omitempty"`
		// ParentOperationID is set on isolated conversations opened by a
		// delegate tool; the first completed turn resolves it.
		ParentOperationID string `json:"parentOperationId,omitempty" bson:"parentOperationId,omitempty"`
		// MemoryExtractionFailed records a failed extraction workflow. It
		// never fails a turn.
		MemoryExtractionFailed bool `json:"memoryExtractionFailed,omitempty" bson:"memoryExtractionFailed,omitempty"`
		// CreatedAt and UpdatedAt are bookkeeping timestamps.
		CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
	}

	// Turn is one user-or-agent interaction: a user message, the LLM-tool
	// loop it triggers, and the final agent answer.
	Turn struct {
		// ID is the unique turn id.
		ID string `json:"id" bson:"_id"`
		// ConversationID is the owning conversation.
		ConversationID string `json:"conversationId" bson:"conversationId"`
		// Index is the dense per-conversation creation index.
		Index int `json:"index" bson:"index"`
		// Status is the lifecycle state.
		Status TurnStatus `json:"status" bson:"status"`
		// CallerKind says who opened the turn: a user or another agent.
		CallerKind string `json:"callerKind" bson:"callerKind"`
		// ParentTurnID links a loop_in turn to the turn whose tool opened it.
		ParentTurnID string `json:"parentTurnId,omitempty" bson:"parentTurnId,omitempty"`
		// OperationID, when set, is the correlator resolved with this turn's
		// final answer (loop_in turns and delegate conversations).
		OperationID string `json:"operationId,omitempty" bson:"operationId,omitempty"`
		// PersonaDefID and PersonaVersion attribute the turn; loop_in turns
		// may run under a different persona than the conversation's.
		PersonaDefID   string `json:"personaDefId,omitempty" bson:"personaDefId,omitempty"`
		PersonaVersion int    `json:"personaVersion,omitempty" bson:"personaVersion,omitempty"`
		// UserMessageID and AgentMessageID bracket the turn's transcript.
		UserMessageID  string `json:"userMessageId,omitempty" bson:"userMessageId,omitempty"`
		AgentMessageID string `json:"agentMessageId,omitempty" bson:"agentMessageId,omitempty"`
		// PendingAsync counts dispatched tool operations not yet settled.
		PendingAsync int `json:"pendingAsync" bson:"pendingAsync"`
		// Moves counts loop iterations, bounded by the persona's move cap.
		Moves int `json:"moves" bson:"moves"`
		// ToolFailures counts tool operations that settled with a failure.
		ToolFailures int `json:"toolFailures,omitempty" bson:"toolFailures,omitempty"`
		// StartedAt and EndedAt bracket execution.
		StartedAt time.Time  `json:"startedAt" bson:"startedAt"`
		EndedAt   *time.Time `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
		// Failure is set when Status is failed.
		Failure *fault.Failure `json:"failure,omitempty" bson:"failure,omitempty"`
	}

	// Message is one transcript entry. Insertion order is the conversation's
	// message order.
	Message struct {
		// ID is the unique message id.
		ID string `json:"id" bson:"_id"`
		// ConversationID and TurnID locate the message.
		ConversationID string `json:"conversationId" bson:"conversationId"`
		TurnID         string `json:"turnId" bson:"turnId"`
		// Role is user, agent, tool, or system.
		Role string `json:"role" bson:"role"`
		// Content is the message text or the serialized tool result.
		Content string `json:"content" bson:"content"`
		// ToolCalls echoes the calls requested by an agent message.
		ToolCalls []model.ToolCall `json:"toolCalls,omitempty" bson:"toolCalls,omitempty"`
		// ToolCallID links a tool message to the call it answers.
		ToolCallID string `json:"toolCallId,omitempty" bson:"toolCallId,omitempty"`
		// CreatedAt is the insertion timestamp.
		CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	}

	// Move is one iteration step of a turn's loop: an LLM call or a tool
	// dispatch, with its request and eventual result.
	Move struct {
		// ID is the unique move id.
		ID string `json:"id" bson:"_id"`
		// ConversationID and TurnID locate the move.
		ConversationID string `json:"conversationId" bson:"conversationId"`
		TurnID         string `json:"turnId" bson:"turnId"`
		// Index is the dense per-turn move index.
		Index int `json:"index" bson:"index"`
		// Kind classifies the step.
		Kind MoveKind `json:"kind" bson:"kind"`
		// Name is the tool name or model identifier.
		Name string `json:"name,omitempty" bson:"name,omitempty"`
		// OperationID correlates dispatched moves with their results.
		OperationID string `json:"operationId,omitempty" bson:"operationId,omitempty"`
		// ToolCallID is the provider-assigned call id for tool moves.
		ToolCallID string `json:"toolCallId,omitempty" bson:"toolCallId,omitempty"`
		// Request and Result carry the step's input and outcome documents.
		Request map[string]any `json:"request,omitempty" bson:"request,omitempty"`
		Result  map[string]any `json:"result,omitempty" bson:"result,omitempty"`
		// Status is the settlement state.
		Status MoveStatus `json:"status" bson:"status"`
		// StartedAt and EndedAt bracket the step.
		StartedAt time.Time  `json:"startedAt" bson:"startedAt"`
		EndedAt   *time.Time `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
	}

	// Snapshot is a point-in-time copy of a conversation and its transcript,
	// isolated from the live actor state.
	Snapshot struct {
		Conversation *Conversation `json:"conversation"`
		Turns        []*Turn       `json:"turns"`
		Messages     []*Message    `json:"messages"`
	}

	// Store persists conversations and their transcripts. Implementations
	// must keep ListTurns and ListMessages in insertion order.
	Store interface {
		SaveConversation(ctx context.Context, c *Conversation) error
		GetConversation(ctx context.Context, id string) (*Conversation, error)
		SaveTurn(ctx context.Context, turn *Turn) error
		ListTurns(ctx context.Context, conversationID string) ([]*Turn, error)
		SaveMessage(ctx context.Context, msg *Message) error
		ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
		SaveMove(ctx context.Context, mv *Move) error
		ListMoves(ctx context.Context, turnID string) ([]*Move, error)
	}
)

// Terminal reports whether the turn reached a final state.
func (t *Turn) Terminal() bool {
	return t.Status == TurnCompleted || t.Status == TurnFailed
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// Clone returns a deep copy.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	out := *t
	if t.EndedAt != nil {
		end := *t.EndedAt
		out.EndedAt = &end
	}
	if t.Failure != nil {
		f := *t.Failure
		out.Failure = &f
	}
	return &out
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]model.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			out.ToolCalls[i].Input = cloneMap(tc.Input)
		}
	}
	return &out
}

// Clone returns a deep copy.
func (m *Move) Clone() *Move {
	if m == nil {
		return nil
	}
	out := *m
	out.Request = cloneMap(m.Request)
	out.Result = cloneMap(m.Result)
	if m.EndedAt != nil {
		end := *m.EndedAt
		out.EndedAt = &end
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
