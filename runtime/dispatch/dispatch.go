// Package dispatch tracks outstanding asynchronous operations and defines the
// client contracts the engine dispatches work through: task execution,
// sub-workflow runs, and agent posts.
//
// Every dispatched operation registers a correlator before the request leaves
// the actor. Replies resolve the correlator exactly once; late or duplicate
// replies are dropped by the registry, so at-least-once transports stay safe.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"goa.design/weave/runtime/fault"
)

// Operation kinds recorded on correlators.
const (
	// KindTask correlates a task execution.
	KindTask = "task"
	// KindWorkflow correlates a sub-workflow run.
	KindWorkflow = "workflow"
	// KindAgent correlates a post to a conversational agent.
	KindAgent = "agent"
)

type (
	// Result is the terminal outcome of a dispatched operation. Exactly one
	// of Output and Failure is meaningful.
	Result struct {
		// Output is the operation's result document on success.
		Output map[string]any
		// Failure describes the error on failure.
		Failure *fault.Failure
	}

	// Pending is an outstanding-operation record.
	Pending struct {
		// Kind is the operation kind, one of KindTask, KindWorkflow, KindAgent.
		Kind string
		// ReplyTo receives the result. It runs outside the registry lock and
		// must not block; actor owners post a mailbox message here.
		ReplyTo func(Result)
		// IssuedAt is when the operation was registered.
		IssuedAt time.Time
		// Meta carries correlation fields for logs and traces.
		Meta map[string]string
	}

	// Correlators is the thread-safe registry of outstanding operations.
	Correlators struct {
		mu      sync.Mutex
		pending map[string]*Pending
	}

	// TaskRequest asks the executor to run one task attempt. The definition
	// is resolved by the caller so executors stay store-free.
	TaskRequest struct {
		// OperationID correlates the eventual result.
		OperationID string
		// TaskID and TaskVersion identify the resolved task definition.
		TaskID      string
		TaskVersion int
		// Action is the task's action kind.
		Action string
		// Config is the task's action configuration.
		Config map[string]any
		// Input is the mapped dispatch input.
		Input map[string]any
		// TimeoutMs bounds the attempt; 0 means no deadline.
		TimeoutMs int
		// Meta carries correlation fields for logs and traces.
		Meta map[string]string
	}

	// WorkflowStart asks the engine to start a sub-workflow run.
	WorkflowStart struct {
		// OperationID correlates the run's terminal result.
		OperationID string
		// RunID pins the child run's id so the caller can cancel it later.
		// Minted by the engine when empty.
		RunID string
		// DefinitionID and DefinitionVersion identify the workflow definition.
		DefinitionID      string
		DefinitionVersion int
		// Input is the child run's input document.
		Input map[string]any
		// ParentRunID, ParentNodeID, and ParentTokenID link the child to the
		// token that spawned it.
		ParentRunID   string
		ParentNodeID  string
		ParentTokenID string
		// ConversationID, TurnID, and MoveID link agent-dispatched runs back
		// to the move awaiting them.
		ConversationID string
		TurnID         string
		MoveID         string
	}

	// AgentPost asks the engine to deliver a message to an agent.
	AgentPost struct {
		// OperationID correlates the agent's reply.
		OperationID string
		// PersonaID and PersonaVersion identify the target persona.
		PersonaID      string
		PersonaVersion int
		// ConversationID reuses an existing conversation when set.
		ConversationID string
		// Message is the text posted to the agent.
		Message string
		// Mode is delegate or loop_in.
		Mode string
		// Meta carries correlation fields for logs and traces.
		Meta map[string]string
	}
)

// TaskClient executes tasks. Execute returns once the work is accepted; the
// result arrives through the correlator registered under req.OperationID.
type TaskClient interface {
	Execute(ctx context.Context, req TaskRequest) error
}

// WorkflowClient starts and cancels workflow runs.
type WorkflowClient interface {
	Start(ctx context.Context, req WorkflowStart) error
	Cancel(ctx context.Context, runID string) error
}

// AgentClient posts messages to conversational agents.
type AgentClient interface {
	Post(ctx context.Context, req AgentPost) error
}

// NewCorrelators creates an empty registry.
func NewCorrelators() *Correlators {
	return &Correlators{pending: make(map[string]*Pending)}
}

// Register records an outstanding operation. Registering an id twice is an
// invariant violation and returns an internal fault.
func (c *Correlators) Register(id string, p Pending) error {
	if p.IssuedAt.IsZero() {
		p.IssuedAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return fault.Newf(fault.KindInternal, "operation %s already registered", id)
	}
	c.pending[id] = &p
	return nil
}

// Resolve completes an operation, removing its record and invoking ReplyTo
// with the result. Resolving an unknown or already-resolved id is a no-op
// returning false.
func (c *Correlators) Resolve(id string, r Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.ReplyTo != nil {
		p.ReplyTo(r)
	}
	return true
}

// Fail completes an operation with an error.
func (c *Correlators) Fail(id string, err error) bool {
	return c.Resolve(id, Result{Failure: fault.ToFailure(err)})
}

// Cancel silently drops every record whose id starts with prefix and returns
// how many were dropped. ReplyTo is not invoked; owners cancel their own
// operations and already know.
func (c *Correlators) Cancel(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.pending {
		if strings.HasPrefix(id, prefix) {
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// Outstanding counts records whose id starts with prefix. An empty prefix
// counts everything.
func (c *Correlators) Outstanding(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		return len(c.pending)
	}
	n := 0
	for id := range c.pending {
		if strings.HasPrefix(id, prefix) {
			n++
		}
	}
	return n
}

// Lookup returns a copy of the pending record for id, if registered.
func (c *Correlators) Lookup(id string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}
