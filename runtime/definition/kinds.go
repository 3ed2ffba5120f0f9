package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Node target types.
const (
	// TargetTask dispatches the node to a task through the executor.
	TargetTask = "task"
	// TargetWorkflow starts a sub-workflow run for the node.
	TargetWorkflow = "workflow"
	// TargetAgent posts to a conversation; valid for action definitions only.
	TargetAgent = "agent"
)

// Task action kinds understood by the executor.
const (
	TaskActionMock           = "mock"
	TaskActionHTTP           = "http"
	TaskActionLLM            = "llm"
	TaskActionAssemblePrompt = "assemble_prompt"
)

// Node failure policies.
const (
	// OnFailureAbort fails the run; the default when unset.
	OnFailureAbort = "abort"
	// OnFailureRetry re-dispatches up to the task's retry budget.
	OnFailureRetry = "retry"
	// OnFailureContinue records the failure and routes onward.
	OnFailureContinue = "continue"
)

// SyncMode is the tagged form of a synchronization strategy.
type SyncMode string

const (
	// SyncAny completes the join on the first arrival.
	SyncAny SyncMode = "any"
	// SyncAll waits for every live sibling.
	SyncAll SyncMode = "all"
	// SyncMOfN waits for at least M arrivals.
	SyncMOfN SyncMode = "m_of_n"
)

// Join timeout policies.
const (
	// OnTimeoutProceed merges whatever arrived; fails the join when nothing did.
	OnTimeoutProceed = "proceed_with_available"
	// OnTimeoutFail fails every waiting sibling with a timeout fault.
	OnTimeoutFail = "fail"
)

// Merge strategies.
const (
	MergeAppend        = "append"
	MergeCollect       = "collect"
	MergeObject        = "merge_object"
	MergeKeyedByBranch = "keyed_by_branch"
	MergeLastWins      = "last_wins"
)

// Agent invocation modes for actions targeting an agent.
const (
	// InvokeDelegate hands the request to the target agent and awaits its turn.
	InvokeDelegate = "delegate"
	// InvokeLoopIn threads the target agent's reply back into the calling turn.
	InvokeLoopIn = "loop_in"
)

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// Persona defaults applied at runtime when the definition leaves them unset.
const (
	// DefaultRecentTurnsLimit bounds the completed turns fed to context assembly.
	DefaultRecentTurnsLimit = 10
	// DefaultMaxMovesPerTurn bounds the moves a single turn may record.
	DefaultMaxMovesPerTurn = 16
)

type (
	// Workflow is the content of a workflow definition: a token-routing graph.
	// Authored drafts carry refs; the stored form adds resolved ids alongside.
	Workflow struct {
		// Nodes are the graph's work sites, unique by Ref.
		Nodes []*Node `json:"nodes"`
		// Transitions route tokens between nodes.
		Transitions []*Transition `json:"transitions"`
		// InitialNodeRef names the entry node.
		InitialNodeRef string `json:"initialNodeRef"`
		// InitialNodeID is the resolved entry node id.
		InitialNodeID string `json:"initialNodeId,omitempty"`
		// InputSchema optionally validates StartRun input.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
		// OutputSchema documents the run output shape.
		OutputSchema map[string]any `json:"outputSchema,omitempty"`
		// ContextSchema documents the run state shape.
		ContextSchema map[string]any `json:"contextSchema,omitempty"`
		// OutputMapping maps output paths to expressions applied at completion.
		OutputMapping map[string]string `json:"outputMapping,omitempty"`
	}

	// Node is a work site targeting a task or a sub-workflow.
	Node struct {
		// ID is assigned by the transform pass.
		ID string `json:"id,omitempty"`
		// Ref is the author-chosen node name, unique within the workflow.
		Ref string `json:"ref"`
		// Target is task or workflow.
		Target string `json:"target"`
		// TargetRef names the task or workflow definition (name or name@version).
		TargetRef string `json:"targetRef"`
		// TargetID is the resolved definition id.
		TargetID string `json:"targetId,omitempty"`
		// TargetVersion is the version pinned at put time.
		TargetVersion int `json:"targetVersion,omitempty"`
		// InputMapping maps dispatch input paths to expressions.
		InputMapping map[string]string `json:"inputMapping,omitempty"`
		// OutputMapping maps context paths to expressions over the result env.
		OutputMapping map[string]string `json:"outputMapping,omitempty"`
		// OnFailure is the node failure policy; empty means abort.
		OnFailure string `json:"onFailure,omitempty"`
	}

	// Transition routes completed tokens from one node to another.
	Transition struct {
		// ID is assigned by the transform pass.
		ID string `json:"id,omitempty"`
		// FromNodeRef and ToNodeRef are the authored endpoints.
		FromNodeRef string `json:"fromNodeRef"`
		ToNodeRef   string `json:"toNodeRef"`
		// FromNodeID and ToNodeID are the resolved endpoints.
		FromNodeID string `json:"fromNodeId,omitempty"`
		ToNodeID   string `json:"toNodeId,omitempty"`
		// When guards the transition; empty always matches.
		When string `json:"when,omitempty"`
		// Priority orders sibling transitions during routing, ascending.
		Priority int `json:"priority,omitempty"`
		// SpawnCount fans out a fixed number of children.
		SpawnCount int `json:"spawnCount,omitempty"`
		// Foreach fans out one child per element of the list it evaluates to.
		Foreach string `json:"foreach,omitempty"`
		// ForeachVar names the branch-store key seeded with the element;
		// defaults to "item".
		ForeachVar string `json:"foreachVar,omitempty"`
		// SiblingGroup joins this transition into a multi-transition cohort.
		SiblingGroup string `json:"siblingGroup,omitempty"`
		// Sync makes this transition a join point.
		Sync *Sync `json:"sync,omitempty"`
		// Loop bounds how often this transition may fire per lineage.
		Loop *LoopConfig `json:"loopConfig,omitempty"`
	}

	// Sync configures a join. Authors write Strategy ("any", "all",
	// "m_of_n:N"); the transform pass tags it into Mode and M.
	Sync struct {
		// Strategy is the authored strategy string; cleared after transform.
		Strategy string `json:"strategy,omitempty"`
		// Mode is the tagged strategy.
		Mode SyncMode `json:"mode,omitempty"`
		// M is the arrival quorum for m_of_n.
		M int `json:"m,omitempty"`
		// SiblingGroup names the cohort this join collects.
		SiblingGroup string `json:"siblingGroup,omitempty"`
		// TimeoutMs bounds the wait; 0 waits forever.
		TimeoutMs int `json:"timeoutMs,omitempty"`
		// OnTimeout picks the timeout policy; empty means proceed_with_available.
		OnTimeout string `json:"onTimeout,omitempty"`
		// Merge folds arrived branch values into shared context.
		Merge []MergeSpec `json:"merge,omitempty"`
	}

	// MergeSpec folds one value from each arrived sibling into the run context.
	MergeSpec struct {
		// Source is the expression read in each sibling's env.
		Source string `json:"source"`
		// Target is the dotted path written in state or output.
		Target string `json:"target"`
		// Strategy picks how arrivals fold.
		Strategy string `json:"strategy"`
		// Key is the branch-store key used by keyed_by_branch.
		Key string `json:"key,omitempty"`
	}

	// LoopConfig bounds repeated firings of a transition within one lineage.
	LoopConfig struct {
		// MaxIterations is the per-lineage firing budget.
		MaxIterations int `json:"maxIterations"`
	}

	// Task is the content of a task definition.
	Task struct {
		// Action picks the executor behavior.
		Action string `json:"action"`
		// Config is action-specific configuration.
		Config map[string]any `json:"config,omitempty"`
		// Retry bounds re-dispatch attempts for nodes with onFailure retry.
		Retry RetryPolicy `json:"retry,omitempty"`
		// TimeoutMs bounds a single execution; 0 means no deadline.
		TimeoutMs int `json:"timeoutMs,omitempty"`
		// InputSchema optionally validates dispatch input.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// RetryPolicy bounds task re-dispatch.
	RetryPolicy struct {
		// MaxAttempts is the total attempt budget including the first.
		MaxAttempts int `json:"maxAttempts,omitempty"`
	}

	// Persona is the content of a persona definition.
	Persona struct {
		// SystemPrompt seeds every turn's model call.
		SystemPrompt string `json:"systemPrompt"`
		// ModelProfileRef names the model profile (name or name@version).
		ModelProfileRef string `json:"modelProfileRef"`
		// ModelProfileID and ModelProfileVersion are the resolved pin.
		ModelProfileID      string `json:"modelProfileId,omitempty"`
		ModelProfileVersion int    `json:"modelProfileVersion,omitempty"`
		// ToolRefs name the action definitions exposed to the agent.
		ToolRefs []string `json:"toolRefs,omitempty"`
		// Tools are the resolved pins, index-aligned with ToolRefs.
		Tools []PinnedRef `json:"tools,omitempty"`
		// ContextAssemblyWorkflowRef overrides the built-in context assembly.
		ContextAssemblyWorkflowRef string `json:"contextAssemblyWorkflowRef,omitempty"`
		// ContextAssemblyWorkflow is the resolved pin.
		ContextAssemblyWorkflow *PinnedRef `json:"contextAssemblyWorkflow,omitempty"`
		// MemoryExtractionWorkflowRef names the post-turn memory workflow.
		MemoryExtractionWorkflowRef string `json:"memoryExtractionWorkflowRef,omitempty"`
		// MemoryExtractionWorkflow is the resolved pin.
		MemoryExtractionWorkflow *PinnedRef `json:"memoryExtractionWorkflow,omitempty"`
		// RecentTurnsLimit bounds turns fed to context assembly; 0 means default.
		RecentTurnsLimit int `json:"recentTurnsLimit,omitempty"`
		// MaxMovesPerTurn bounds moves per turn; 0 means default.
		MaxMovesPerTurn int `json:"maxMovesPerTurn,omitempty"`
	}

	// PinnedRef is a resolved reference: a definition id with the version
	// pinned at put time.
	PinnedRef struct {
		// ID is the resolved definition id.
		ID string `json:"id"`
		// Version is the pinned version.
		Version int `json:"version"`
	}

	// Action is the content of an action (tool) definition.
	Action struct {
		// Description is shown to the model as the tool description.
		Description string `json:"description"`
		// InputSchema validates tool-call arguments.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
		// TargetType is task, workflow, or agent.
		TargetType string `json:"targetType"`
		// TargetRef names the target definition (name or name@version).
		TargetRef string `json:"targetRef"`
		// TargetID and TargetVersion are the resolved pin.
		TargetID      string `json:"targetId,omitempty"`
		TargetVersion int    `json:"targetVersion,omitempty"`
		// Async returns control to the turn loop before the result arrives.
		Async bool `json:"async,omitempty"`
		// InvocationMode is delegate or loop_in; agent targets only.
		InvocationMode string `json:"invocationMode,omitempty"`
	}

	// ModelProfile is the content of a model_profile definition.
	ModelProfile struct {
		// Provider is anthropic, openai, or mock.
		Provider string `json:"provider"`
		// Model is the provider model identifier.
		Model string `json:"model"`
		// Temperature is the sampling temperature.
		Temperature float64 `json:"temperature,omitempty"`
		// MaxTokens bounds the completion length.
		MaxTokens int `json:"maxTokens,omitempty"`
	}

	// ArtifactType is the content of an artifact_type definition.
	ArtifactType struct {
		// Schema is the JSON Schema artifacts of this type must satisfy.
		Schema map[string]any `json:"schema"`
	}

	// PromptSpec is the content of a prompt_spec definition.
	PromptSpec struct {
		// Template is the prompt body with {{variable}} placeholders.
		Template string `json:"template"`
		// Variables declares the placeholder names the template expects.
		Variables []string `json:"variables,omitempty"`
	}
)

// RecentLimit returns the configured recent-turns bound or the default.
func (p *Persona) RecentLimit() int {
	if p.RecentTurnsLimit > 0 {
		return p.RecentTurnsLimit
	}
	return DefaultRecentTurnsLimit
}

// MoveLimit returns the configured per-turn move bound or the default.
func (p *Persona) MoveLimit() int {
	if p.MaxMovesPerTurn > 0 {
		return p.MaxMovesPerTurn
	}
	return DefaultMaxMovesPerTurn
}

// Attempts returns the retry budget, never less than one attempt.
func (r RetryPolicy) Attempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 1
}

// NodeByID returns the node with the given resolved id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodeByRef returns the node with the given authored ref, or nil.
func (w *Workflow) NodeByRef(ref string) *Node {
	for _, n := range w.Nodes {
		if n.Ref == ref {
			return n
		}
	}
	return nil
}

// TransitionByID returns the transition with the given id, or nil.
func (w *Workflow) TransitionByID(id string) *Transition {
	for _, t := range w.Transitions {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Outbound returns the transitions leaving the node with the given id.
func (w *Workflow) Outbound(nodeID string) []*Transition {
	var out []*Transition
	for _, t := range w.Transitions {
		if t.FromNodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// FansOut reports whether the transition spawns a branch cohort rather than
// continuing the parent's branch.
func (t *Transition) FansOut() bool {
	return t.SpawnCount > 0 || t.Foreach != "" || t.SiblingGroup != ""
}

// DecodeWorkflow decodes a workflow definition's content.
func DecodeWorkflow(d *Definition) (*Workflow, error) {
	var w Workflow
	if err := decodeContent(d, KindWorkflow, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// DecodeTask decodes a task definition's content.
func DecodeTask(d *Definition) (*Task, error) {
	var t Task
	if err := decodeContent(d, KindTask, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DecodePersona decodes a persona definition's content.
func DecodePersona(d *Definition) (*Persona, error) {
	var p Persona
	if err := decodeContent(d, KindPersona, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeAction decodes an action definition's content.
func DecodeAction(d *Definition) (*Action, error) {
	var a Action
	if err := decodeContent(d, KindAction, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DecodeModelProfile decodes a model_profile definition's content.
func DecodeModelProfile(d *Definition) (*ModelProfile, error) {
	var m ModelProfile
	if err := decodeContent(d, KindModelProfile, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeArtifactType decodes an artifact_type definition's content.
func DecodeArtifactType(d *Definition) (*ArtifactType, error) {
	var a ArtifactType
	if err := decodeContent(d, KindArtifactType, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DecodePromptSpec decodes a prompt_spec definition's content.
func DecodePromptSpec(d *Definition) (*PromptSpec, error) {
	var p PromptSpec
	if err := decodeContent(d, KindPromptSpec, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// decodeContent round-trips a definition's content map into the typed form.
func decodeContent(d *Definition, want Kind, into any) error {
	if d == nil {
		return fmt.Errorf("nil definition")
	}
	if d.Kind != want {
		return fmt.Errorf("definition %s is a %s, not a %s", d.ID, d.Kind, want)
	}
	return roundTrip(d.Content, into)
}

// encodeContent renders typed content back into the map form stored on rows.
func encodeContent(v any) (map[string]any, error) {
	var m map[string]any
	if err := roundTrip(v, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// roundTrip converts between content representations through JSON. Numbers
// decode with full precision preserved.
func roundTrip(from, into any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	return nil
}
