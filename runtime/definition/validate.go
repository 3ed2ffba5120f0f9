package definition

import (
	"fmt"
	"strconv"
	"strings"

	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/schema"
)

// problems accumulates validation findings so a rejected draft reports every
// offending field path in one pass, not just the first.
type problems struct {
	list []string
}

func (p *problems) addf(path, format string, args ...any) {
	p.list = append(p.list, path+": "+fmt.Sprintf(format, args...))
}

// err folds the findings into a single validation fault, or nil.
func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	first, _, _ := strings.Cut(p.list[0], ":")
	return fault.Validation(first, strings.Join(p.list, "; "))
}

// validateDraft checks the draft envelope before content decoding.
func validateDraft(d Draft) error {
	var p problems
	if !d.Kind.Valid() {
		p.addf("kind", "unknown kind %q", string(d.Kind))
	}
	if d.Name == "" {
		p.addf("name", "required")
	}
	if d.Content == nil {
		p.addf("content", "required")
	}
	switch d.Kind {
	case KindWorkflow, KindTask, KindAction, KindPersona:
		if d.Owner.ProjectID != "" && d.Owner.LibraryID != "" {
			p.addf("owner", "projectId and libraryId are mutually exclusive")
		}
		if d.Owner.Zero() {
			p.addf("owner", "%s definitions require a projectId or libraryId", d.Kind)
		}
	default:
		if d.Owner.ProjectID != "" && d.Owner.LibraryID != "" {
			p.addf("owner", "projectId and libraryId are mutually exclusive")
		}
	}
	if !d.Autoversion {
		if d.Version < 0 {
			p.addf("version", "must be positive")
		}
	} else if d.Version != 0 {
		p.addf("version", "cannot be pinned when autoversion is on")
	}
	return p.err()
}

// validateWorkflow checks graph structure: unique node refs, resolvable
// transition endpoints, a reachable entry node, declared sibling groups,
// known strategies, and compilable expressions.
func validateWorkflow(w *Workflow, ev *exprs.Evaluator, sv *schema.Validator) error {
	var p problems
	if len(w.Nodes) == 0 {
		p.addf("nodes", "at least one node is required")
	}
	refs := make(map[string]bool, len(w.Nodes))
	for i, n := range w.Nodes {
		path := "nodes[" + strconv.Itoa(i) + "]"
		if n.Ref == "" {
			p.addf(path+".ref", "required")
			continue
		}
		if refs[n.Ref] {
			p.addf(path+".ref", "duplicate node ref %q", n.Ref)
		}
		refs[n.Ref] = true
		if n.Target != TargetTask && n.Target != TargetWorkflow {
			p.addf(path+".target", "must be %q or %q, got %q", TargetTask, TargetWorkflow, n.Target)
		}
		if n.TargetRef == "" {
			p.addf(path+".targetRef", "required")
		} else if _, err := ParseRef(n.TargetRef); err != nil {
			p.addf(path+".targetRef", "%s", err)
		}
		switch n.OnFailure {
		case "", OnFailureAbort, OnFailureRetry, OnFailureContinue:
		default:
			p.addf(path+".onFailure", "unknown policy %q", n.OnFailure)
		}
		compileMapping(&p, path+".inputMapping", n.InputMapping, ev)
		compileMapping(&p, path+".outputMapping", n.OutputMapping, ev)
	}
	if w.InitialNodeRef == "" {
		p.addf("initialNodeRef", "required")
	} else if len(refs) > 0 && !refs[w.InitialNodeRef] {
		p.addf("initialNodeRef", "node %q not declared", w.InitialNodeRef)
	}

	declared := make(map[string]bool)
	for _, t := range w.Transitions {
		if t.SiblingGroup != "" {
			declared[t.SiblingGroup] = true
		}
	}
	for i, t := range w.Transitions {
		path := "transitions[" + strconv.Itoa(i) + "]"
		if t.FromNodeRef == "" || !refs[t.FromNodeRef] {
			p.addf(path+".fromNodeRef", "node %q not declared", t.FromNodeRef)
		}
		if t.ToNodeRef == "" || !refs[t.ToNodeRef] {
			p.addf(path+".toNodeRef", "node %q not declared", t.ToNodeRef)
		}
		if t.When != "" {
			if err := ev.Compile(t.When); err != nil {
				p.addf(path+".when", "%s", err)
			}
		}
		if t.Foreach != "" {
			if err := ev.Compile(t.Foreach); err != nil {
				p.addf(path+".foreach", "%s", err)
			}
		}
		if t.SpawnCount < 0 {
			p.addf(path+".spawnCount", "must be positive")
		}
		if t.SpawnCount > 0 && t.Foreach != "" {
			p.addf(path+".spawnCount", "spawnCount and foreach are mutually exclusive")
		}
		if t.Loop != nil && t.Loop.MaxIterations < 1 {
			p.addf(path+".loopConfig.maxIterations", "must be at least 1")
		}
		if t.Sync != nil {
			validateSync(&p, path+".sync", t.Sync, declared, ev)
		}
	}

	checkSchema(&p, "inputSchema", w.InputSchema, sv)
	checkSchema(&p, "outputSchema", w.OutputSchema, sv)
	checkSchema(&p, "contextSchema", w.ContextSchema, sv)
	compileMapping(&p, "outputMapping", w.OutputMapping, ev)
	return p.err()
}

func validateSync(p *problems, path string, s *Sync, declared map[string]bool, ev *exprs.Evaluator) {
	if _, _, err := ParseStrategy(s.Strategy, s.Mode, s.M); err != nil {
		p.addf(path+".strategy", "%s", err)
	}
	if s.SiblingGroup == "" {
		p.addf(path+".siblingGroup", "required")
	} else if !declared[s.SiblingGroup] {
		p.addf(path+".siblingGroup", "group %q not declared on any transition", s.SiblingGroup)
	}
	if s.TimeoutMs < 0 {
		p.addf(path+".timeoutMs", "must be positive")
	}
	switch s.OnTimeout {
	case "", OnTimeoutProceed, OnTimeoutFail:
	default:
		p.addf(path+".onTimeout", "unknown policy %q", s.OnTimeout)
	}
	for i, m := range s.Merge {
		mp := path + ".merge[" + strconv.Itoa(i) + "]"
		if m.Source == "" {
			p.addf(mp+".source", "required")
		} else if err := ev.Compile(m.Source); err != nil {
			p.addf(mp+".source", "%s", err)
		}
		if m.Target == "" {
			p.addf(mp+".target", "required")
		} else if root, _, _ := strings.Cut(m.Target, "."); root != "state" && root != "output" {
			p.addf(mp+".target", "must be rooted at state or output, got %q", m.Target)
		}
		switch m.Strategy {
		case MergeAppend, MergeCollect, MergeObject, MergeKeyedByBranch, MergeLastWins:
		default:
			p.addf(mp+".strategy", "unknown strategy %q", m.Strategy)
		}
	}
}

// ParseStrategy resolves a sync strategy into its tagged form. It accepts
// either the authored string ("any", "all", "m_of_n:N") or an already-tagged
// mode/m pair, so stored content re-validates cleanly.
func ParseStrategy(strategy string, mode SyncMode, m int) (SyncMode, int, error) {
	if strategy == "" {
		switch mode {
		case SyncAny, SyncAll:
			return mode, 0, nil
		case SyncMOfN:
			if m < 1 {
				return "", 0, fmt.Errorf("m_of_n requires m >= 1")
			}
			return mode, m, nil
		case "":
			return "", 0, fmt.Errorf("strategy is required")
		default:
			return "", 0, fmt.Errorf("unknown mode %q", string(mode))
		}
	}
	switch {
	case strategy == string(SyncAny):
		return SyncAny, 0, nil
	case strategy == string(SyncAll):
		return SyncAll, 0, nil
	case strings.HasPrefix(strategy, string(SyncMOfN)+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(strategy, string(SyncMOfN)+":"))
		if err != nil || n < 1 {
			return "", 0, fmt.Errorf("strategy %q: N must be a positive integer", strategy)
		}
		return SyncMOfN, n, nil
	default:
		return "", 0, fmt.Errorf("unknown strategy %q", strategy)
	}
}

func validateTask(t *Task, sv *schema.Validator) error {
	var p problems
	switch t.Action {
	case TaskActionMock, TaskActionHTTP, TaskActionLLM, TaskActionAssemblePrompt:
	default:
		p.addf("action", "unknown action kind %q", t.Action)
	}
	if t.Retry.MaxAttempts < 0 {
		p.addf("retry.maxAttempts", "must be positive")
	}
	if t.TimeoutMs < 0 {
		p.addf("timeoutMs", "must be positive")
	}
	checkSchema(&p, "inputSchema", t.InputSchema, sv)
	return p.err()
}

func validatePersona(pe *Persona) error {
	var p problems
	if pe.SystemPrompt == "" {
		p.addf("systemPrompt", "required")
	}
	if pe.ModelProfileRef == "" {
		p.addf("modelProfileRef", "required")
	} else if _, err := ParseRef(pe.ModelProfileRef); err != nil {
		p.addf("modelProfileRef", "%s", err)
	}
	for i, ref := range pe.ToolRefs {
		if _, err := ParseRef(ref); err != nil {
			p.addf("toolRefs["+strconv.Itoa(i)+"]", "%s", err)
		}
	}
	for path, ref := range map[string]string{
		"contextAssemblyWorkflowRef":  pe.ContextAssemblyWorkflowRef,
		"memoryExtractionWorkflowRef": pe.MemoryExtractionWorkflowRef,
	} {
		if ref == "" {
			continue
		}
		if _, err := ParseRef(ref); err != nil {
			p.addf(path, "%s", err)
		}
	}
	if pe.RecentTurnsLimit < 0 {
		p.addf("recentTurnsLimit", "must be positive")
	}
	if pe.MaxMovesPerTurn < 0 {
		p.addf("maxMovesPerTurn", "must be positive")
	}
	return p.err()
}

func validateAction(a *Action, sv *schema.Validator) error {
	var p problems
	if a.Description == "" {
		p.addf("description", "required")
	}
	switch a.TargetType {
	case TargetTask, TargetWorkflow:
		if a.InvocationMode != "" {
			p.addf("invocationMode", "only agent targets take an invocation mode")
		}
	case TargetAgent:
		switch a.InvocationMode {
		case "", InvokeDelegate, InvokeLoopIn:
		default:
			p.addf("invocationMode", "must be %q or %q, got %q", InvokeDelegate, InvokeLoopIn, a.InvocationMode)
		}
	default:
		p.addf("targetType", "must be task, workflow, or agent, got %q", a.TargetType)
	}
	if a.TargetRef == "" {
		p.addf("targetRef", "required")
	} else if _, err := ParseRef(a.TargetRef); err != nil {
		p.addf("targetRef", "%s", err)
	}
	checkSchema(&p, "inputSchema", a.InputSchema, sv)
	return p.err()
}

func validateModelProfile(m *ModelProfile) error {
	var p problems
	switch m.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderMock:
	default:
		p.addf("provider", "unknown provider %q", m.Provider)
	}
	if m.Model == "" {
		p.addf("model", "required")
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		p.addf("temperature", "must be within [0, 2]")
	}
	if m.MaxTokens < 0 {
		p.addf("maxTokens", "must be positive")
	}
	return p.err()
}

func validateArtifactType(a *ArtifactType, sv *schema.Validator) error {
	var p problems
	if a.Schema == nil {
		p.addf("schema", "required")
	}
	checkSchema(&p, "schema", a.Schema, sv)
	return p.err()
}

func validatePromptSpec(ps *PromptSpec) error {
	var p problems
	if ps.Template == "" {
		p.addf("template", "required")
	}
	for i, v := range ps.Variables {
		if v == "" {
			p.addf("variables["+strconv.Itoa(i)+"]", "empty variable name")
		}
	}
	return p.err()
}

// compileMapping compiles every mapping expression so malformed ones fail at
// put time rather than mid-run.
func compileMapping(p *problems, path string, mapping map[string]string, ev *exprs.Evaluator) {
	for target, source := range mapping {
		if source == "" {
			p.addf(path+"."+target, "empty expression")
			continue
		}
		if err := ev.Compile(source); err != nil {
			p.addf(path+"."+target, "%s", err)
		}
	}
}

func checkSchema(p *problems, path string, doc map[string]any, sv *schema.Validator) {
	if doc == nil {
		return
	}
	if err := sv.CheckSchema(doc); err != nil {
		p.addf(path, "invalid JSON Schema: %s", err)
	}
}
