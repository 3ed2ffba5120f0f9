// Package workflow implements the durable workflow coordinator: one actor
// per run driving a definition graph deterministically through tokens,
// fan-out cohorts, synchronization joins, merges, and loop budgets.
//
// Tokens never move. A transition completes its parent token and creates
// children; branch identity (fan-out transition, branch index, branch root)
// travels with the lineage and determines sibling sets at joins.
package workflow

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/fault"
)

// TokenStatus is a token's lifecycle state.
type TokenStatus string

const (
	// TokenPending awaits dispatch at its node.
	TokenPending TokenStatus = "pending"
	// TokenDispatched has outstanding external work.
	TokenDispatched TokenStatus = "dispatched"
	// TokenWaiting is parked at a synchronization transition.
	TokenWaiting TokenStatus = "waiting"
	// TokenCompleted finished its node and routed (or closed its branch).
	TokenCompleted TokenStatus = "completed"
	// TokenFailed hit a terminal failure.
	TokenFailed TokenStatus = "failed"
	// TokenCancelled lost a join race or was cancelled with the run.
	TokenCancelled TokenStatus = "cancelled"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	// RunPending is created but not started.
	RunPending RunStatus = "pending"
	// RunRunning has active tokens or outstanding operations.
	RunRunning RunStatus = "running"
	// RunCompleted finished with its output finalized.
	RunCompleted RunStatus = "completed"
	// RunFailed hit a terminal failure.
	RunFailed RunStatus = "failed"
	// RunCancelled was cancelled by request.
	RunCancelled RunStatus = "cancelled"
)

type (
	// Token is one unit of control flow positioned at a node.
	Token struct {
		// ID identifies the token.
		ID string `json:"id" bson:"id"`
		// RunID is the owning run.
		RunID string `json:"runId" bson:"runId"`
		// NodeID is the node this token executes.
		NodeID string `json:"nodeId" bson:"nodeId"`
		// ParentTokenID is the token whose completion created this one;
		// empty for the initial token.
		ParentTokenID string `json:"parentTokenId,omitempty" bson:"parentTokenId,omitempty"`
		// FanOutTransitionID is set when this lineage was opened by a
		// fan-out; continuations inherit it.
		FanOutTransitionID string `json:"fanOutTransitionId,omitempty" bson:"fanOutTransitionId,omitempty"`
		// BranchIndex is this lineage's 0-based position in its cohort.
		BranchIndex int `json:"branchIndex" bson:"branchIndex"`
		// BranchTotal is the cohort size at spawn time.
		BranchTotal int `json:"branchTotal" bson:"branchTotal"`
		// BranchRootID keys this lineage's branch store. Fan-out children
		// root their own branch; continuations inherit the root.
		BranchRootID string `json:"branchRootId" bson:"branchRootId"`
		// Status is the lifecycle state.
		Status TokenStatus `json:"status" bson:"status"`
		// Attempt counts dispatch attempts at the current node, 0-based.
		Attempt int `json:"attempt" bson:"attempt"`
		// LoopCounts tracks per-lineage transition firings, copied to
		// children so forked lineages do not share quota.
		LoopCounts map[string]int `json:"loopCounts,omitempty" bson:"loopCounts,omitempty"`
		// CreatedAt and UpdatedAt bound the token's lifetime.
		CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
	}

	// RunContext is the run's mutable document space. Input is immutable
	// after start; state and output change only through mappings and merges
	// applied by the coordinator; branch stores are per-lineage scratch maps
	// dropped when their branch closes.
	RunContext struct {
		Input    map[string]any            `json:"input" bson:"input"`
		State    map[string]any            `json:"state" bson:"state"`
		Output   map[string]any            `json:"output" bson:"output"`
		Branches map[string]map[string]any `json:"branches,omitempty" bson:"branches,omitempty"`
	}

	// ParentRef links a sub-workflow run to the token awaiting it.
	ParentRef struct {
		RunID       string `json:"runId" bson:"runId"`
		NodeID      string `json:"nodeId" bson:"nodeId"`
		TokenID     string `json:"tokenId" bson:"tokenId"`
		OperationID string `json:"operationId" bson:"operationId"`
	}

	// ConversationRef links an agent-dispatched run to the move awaiting it.
	ConversationRef struct {
		ConversationID string `json:"conversationId" bson:"conversationId"`
		TurnID         string `json:"turnId" bson:"turnId"`
		MoveID         string `json:"moveId" bson:"moveId"`
		OperationID    string `json:"operationId" bson:"operationId"`
	}

	// JoinState is the bookkeeping for one synchronization instance: one
	// sync transition within one fan-out instance.
	JoinState struct {
		// TransitionID is the sync transition.
		TransitionID string `json:"transitionId" bson:"transitionId"`
		// SpawnerID is the token whose completion opened the cohort; it
		// distinguishes same-named groups at different nesting depths.
		SpawnerID string `json:"spawnerId" bson:"spawnerId"`
		// Arrivals lists the tokens parked here in arrival order.
		Arrivals []Arrival `json:"arrivals" bson:"arrivals"`
		// Done marks a join that already fired; late arrivals are stale.
		Done bool `json:"done" bson:"done"`
	}

	// Arrival is one token parked at a join. Order counts arrivals at the
	// join and fixes the completion sequence for last_wins merges.
	Arrival struct {
		TokenID      string `json:"tokenId" bson:"tokenId"`
		BranchIndex  int    `json:"branchIndex" bson:"branchIndex"`
		BranchRootID string `json:"branchRootId" bson:"branchRootId"`
		Order        int    `json:"order" bson:"order"`
	}

	// Decision is one coordinator choice persisted with the snapshot, the
	// audit trail of a tick.
	Decision struct {
		// Kind is route, spawn_tokens, record_sync, record_merge,
		// apply_context, dispatch, complete_run, or fail_run.
		Kind string `json:"kind" bson:"kind"`
		// At is the decision time.
		At time.Time `json:"at" bson:"at"`
		// Detail carries kind-specific fields.
		Detail map[string]any `json:"detail,omitempty" bson:"detail,omitempty"`
	}

	// Run is the full durable snapshot of one workflow execution.
	Run struct {
		// ID identifies the run.
		ID string `json:"id" bson:"_id"`
		// DefinitionID and DefinitionVersion pin the workflow definition.
		DefinitionID      string `json:"definitionId" bson:"definitionId"`
		DefinitionVersion int    `json:"definitionVersion" bson:"definitionVersion"`
		// Status is the lifecycle state.
		Status RunStatus `json:"status" bson:"status"`
		// Context is the document space.
		Context *RunContext `json:"context" bson:"context"`
		// Tokens is the full token table; the active set is the tokens in
		// pending, dispatched, or waiting.
		Tokens []*Token `json:"tokens" bson:"tokens"`
		// Joins tracks synchronization instances by join key.
		Joins map[string]*JoinState `json:"joins,omitempty" bson:"joins,omitempty"`
		// Decisions is the bounded tail of coordinator decisions.
		Decisions []*Decision `json:"decisions,omitempty" bson:"decisions,omitempty"`
		// Parent is set for sub-workflow runs.
		Parent *ParentRef `json:"parent,omitempty" bson:"parent,omitempty"`
		// Conversation is set for agent-dispatched runs.
		Conversation *ConversationRef `json:"conversation,omitempty" bson:"conversation,omitempty"`
		// StartedAt and EndedAt bound the run.
		StartedAt time.Time  `json:"startedAt" bson:"startedAt"`
		EndedAt   *time.Time `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
		// Failure describes the terminal error for failed runs.
		Failure *fault.Failure `json:"failure,omitempty" bson:"failure,omitempty"`
	}
)

// maxDecisionTail bounds the decisions kept in the snapshot.
const maxDecisionTail = 256

// ErrNotFound is returned by stores when no run matches.
var ErrNotFound = errors.New("run not found")

// Store persists run snapshots. One tick produces one SaveRun; the snapshot
// is the unit of atomicity. Implementations must be safe for concurrent use.
type Store interface {
	// SaveRun upserts the full snapshot.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun returns the snapshot for id, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListActive returns runs whose status is pending or running, oldest
	// first, for recovery and inspection.
	ListActive(ctx context.Context) ([]*Run, error)
}

// Active reports whether the token still holds control flow.
func (t *Token) Active() bool {
	switch t.Status {
	case TokenPending, TokenDispatched, TokenWaiting:
		return true
	default:
		return false
	}
}

// Terminal reports whether the run reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Token returns the token with the given id, or nil.
func (r *Run) Token(id string) *Token {
	for _, t := range r.Tokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ActiveTokens returns the tokens still holding control flow.
func (r *Run) ActiveTokens() []*Token {
	var out []*Token
	for _, t := range r.Tokens {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out
}

// Record appends a decision to the bounded tail.
func (r *Run) Record(kind string, detail map[string]any) {
	r.Decisions = append(r.Decisions, &Decision{Kind: kind, At: time.Now().UTC(), Detail: detail})
	if len(r.Decisions) > maxDecisionTail {
		r.Decisions = r.Decisions[len(r.Decisions)-maxDecisionTail:]
	}
}

// Clone deep-copies the snapshot. Inspection replies cross actor boundaries
// and must never share memory with the live run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Context != nil {
		out.Context = &RunContext{
			Input:  cloneMap(r.Context.Input),
			State:  cloneMap(r.Context.State),
			Output: cloneMap(r.Context.Output),
		}
		if r.Context.Branches != nil {
			out.Context.Branches = make(map[string]map[string]any, len(r.Context.Branches))
			for k, v := range r.Context.Branches {
				out.Context.Branches[k] = cloneMap(v)
			}
		}
	}
	out.Tokens = make([]*Token, len(r.Tokens))
	for i, t := range r.Tokens {
		ct := *t
		ct.LoopCounts = cloneCounts(t.LoopCounts)
		out.Tokens[i] = &ct
	}
	if r.Joins != nil {
		out.Joins = make(map[string]*JoinState, len(r.Joins))
		for k, j := range r.Joins {
			cj := *j
			cj.Arrivals = append([]Arrival(nil), j.Arrivals...)
			out.Joins[k] = &cj
		}
	}
	out.Decisions = make([]*Decision, len(r.Decisions))
	for i, d := range r.Decisions {
		cd := *d
		cd.Detail = cloneMap(d.Detail)
		out.Decisions[i] = &cd
	}
	if r.Parent != nil {
		p := *r.Parent
		out.Parent = &p
	}
	if r.Conversation != nil {
		c := *r.Conversation
		out.Conversation = &c
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	return &out
}

// cloneMap deep-copies a JSON-shaped map.
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

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
