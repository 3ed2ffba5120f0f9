// Package event defines the observable record types produced by the engine:
// domain events and diagnostic traces, both sequenced per stream key, plus
// the wire envelope and subscription filters shared by all transports.
package event

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the two sequenced record families carried on a stream.
type Kind string

const (
	// KindEvent marks domain events.
	KindEvent Kind = "event"
	// KindTrace marks diagnostic traces.
	KindTrace Kind = "trace"
)

// Category classifies a trace record.
type Category string

const (
	// CategoryDecision traces routing and synchronization decisions.
	CategoryDecision Category = "decision"
	// CategoryOperation traces state-changing operations.
	CategoryOperation Category = "operation"
	// CategoryDispatch traces work handed to executors and actors.
	CategoryDispatch Category = "dispatch"
	// CategorySQL traces store round-trips.
	CategorySQL Category = "sql"
	// CategoryDebug traces everything else.
	CategoryDebug Category = "debug"
)

type (
	// Event is a sequenced domain event. Seq is assigned by the stream
	// actor owning StreamID and is strictly monotonic per stream.
	Event struct {
		// ID uniquely identifies the event row.
		ID string `json:"id"`
		// StreamID is the stream key, e.g. "run/run-1f3a" or
		// "conversation/conv-9c2e".
		StreamID string `json:"streamId"`
		// Seq is the per-stream sequence number, 1-based.
		Seq uint64 `json:"seq"`
		// Type is one of the Type* constants.
		Type string `json:"type"`
		// RunID is set for workflow events.
		RunID string `json:"runId,omitempty"`
		// ConversationID is set for conversation events.
		ConversationID string `json:"conversationId,omitempty"`
		// TurnID is set for turn-scoped events.
		TurnID string `json:"turnId,omitempty"`
		// TokenID is set for token-scoped events.
		TokenID string `json:"tokenId,omitempty"`
		// NodeID is set for node-scoped events.
		NodeID string `json:"nodeId,omitempty"`
		// Payload carries type-specific detail.
		Payload map[string]any `json:"payload,omitempty"`
		// Timestamp records emission time, UTC.
		Timestamp time.Time `json:"ts"`
	}

	// TraceEvent is a sequenced diagnostic record. Trace sequences are
	// allocated independently of event sequences on the same stream.
	TraceEvent struct {
		// ID uniquely identifies the trace row.
		ID string `json:"id"`
		// StreamID is the stream key.
		StreamID string `json:"streamId"`
		// Seq is the per-stream trace sequence number, 1-based.
		Seq uint64 `json:"seq"`
		// Category classifies the trace.
		Category Category `json:"category"`
		// Name identifies the traced operation, e.g. "route.token" or
		// "mongo.update_one".
		Name string `json:"name"`
		// DurationMs is the operation wall time when measured.
		DurationMs int64 `json:"durationMs,omitempty"`
		// Input is the operation input snapshot, JSON-encoded.
		Input json.RawMessage `json:"input,omitempty"`
		// Output is the operation output snapshot, JSON-encoded.
		Output json.RawMessage `json:"output,omitempty"`
		// RunID is set for workflow traces.
		RunID string `json:"runId,omitempty"`
		// ConversationID is set for conversation traces.
		ConversationID string `json:"conversationId,omitempty"`
		// Timestamp records emission time, UTC.
		Timestamp time.Time `json:"ts"`
	}

	// Envelope is the versioned wire form delivered to subscribers over
	// WebSocket, SSE, and the pulse sink.
	Envelope struct {
		// V is the envelope version, currently 1.
		V int `json:"v"`
		// Stream is the stream key.
		Stream string `json:"stream"`
		// Kind is "event" or "trace".
		Kind Kind `json:"kind"`
		// Seq is the per-stream, per-kind sequence number.
		Seq uint64 `json:"seq"`
		// Timestamp is the record emission time.
		Timestamp time.Time `json:"ts"`
		// Type is the event type, or the trace name for traces.
		Type string `json:"type"`
		// Payload carries the record body.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// EnvelopeVersion is the current wire envelope version.
const EnvelopeVersion = 1

// Workflow event types.
const (
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"

	TypeTokenCreated   = "token.created"
	TypeTokenCompleted = "token.completed"
	TypeTokenFailed    = "token.failed"
	TypeTokenWaiting   = "token.waiting"

	TypeTaskDispatched = "task.dispatched"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"

	TypeFanOutStarted  = "fan_out.started"
	TypeFanInCompleted = "fan_in.completed"
	TypeBranchesMerged = "branches.merged"

	TypeSubworkflowStarted   = "subworkflow.started"
	TypeSubworkflowCompleted = "subworkflow.completed"
	TypeSubworkflowFailed    = "subworkflow.failed"

	TypeContextUpdated       = "context.updated"
	TypeContextOutputApplied = "context.output_applied"
)

// Conversation event types.
const (
	TypeTurnCreated   = "turn.created"
	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"

	TypeMessageCreated = "message.created"

	TypeToolDispatched         = "tool.dispatched"
	TypeDispatchWorkflowQueued = "dispatch.workflow.queued"
	TypeDispatchAgentQueued    = "dispatch.agent.queued"

	TypeOperationAsyncTracked       = "operation.async.tracked"
	TypeOperationAsyncMarkedWaiting = "operation.async.marked_waiting"
	TypeOperationAsyncResumed       = "operation.async.resumed"

	TypeLLMCalling  = "llm.calling"
	TypeLLMResponse = "llm.response"

	TypeContextAssemblyDispatched = "context_assembly.dispatched"
	TypeContextAssemblyCompleted  = "context_assembly.completed"

	TypeMemoryExtractionDispatched = "memory_extraction.dispatched"
	TypeMemoryExtractionCompleted  = "memory_extraction.completed"
	TypeMemoryExtractionFailed     = "memory_extraction.failed"

	TypeMoveRecorded       = "move.recorded"
	TypeMoveResultRecorded = "move.result_recorded"
)

// RunStream returns the stream key carrying a run's events.
func RunStream(runID string) string { return "run/" + runID }

// ConversationStream returns the stream key carrying a conversation's events.
func ConversationStream(conversationID string) string {
	return "conversation/" + conversationID
}

// ToEnvelope renders the event in wire form.
func (e *Event) ToEnvelope() Envelope {
	payload := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		payload[k] = v
	}
	if e.RunID != "" {
		payload["runId"] = e.RunID
	}
	if e.ConversationID != "" {
		payload["conversationId"] = e.ConversationID
	}
	if e.TurnID != "" {
		payload["turnId"] = e.TurnID
	}
	if e.TokenID != "" {
		payload["tokenId"] = e.TokenID
	}
	if e.NodeID != "" {
		payload["nodeId"] = e.NodeID
	}
	return Envelope{
		V:         EnvelopeVersion,
		Stream:    e.StreamID,
		Kind:      KindEvent,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Payload:   payload,
	}
}

// ToEnvelope renders the trace in wire form. The envelope type is the trace
// name; the category travels in the payload.
func (t *TraceEvent) ToEnvelope() Envelope {
	payload := map[string]any{"category": string(t.Category)}
	if t.DurationMs > 0 {
		payload["durationMs"] = t.DurationMs
	}
	if len(t.Input) > 0 {
		payload["input"] = json.RawMessage(t.Input)
	}
	if len(t.Output) > 0 {
		payload["output"] = json.RawMessage(t.Output)
	}
	if t.RunID != "" {
		payload["runId"] = t.RunID
	}
	if t.ConversationID != "" {
		payload["conversationId"] = t.ConversationID
	}
	return Envelope{
		V:         EnvelopeVersion,
		Stream:    t.StreamID,
		Kind:      KindTrace,
		Seq:       t.Seq,
		Timestamp: t.Timestamp,
		Type:      t.Name,
		Payload:   payload,
	}
}
