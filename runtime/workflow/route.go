package workflow

import (
	"context"
	"sort"
	"strings"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
)

// route evaluates the outbound transitions of a token that just completed.
// The token itself never moves: routing either parks it at a join, spawns
// successor tokens, or closes the branch when nothing matches.
func (c *coordinator) route(ctx context.Context, t *tick, tok *Token) {
	if c.run.Terminal() {
		return
	}
	outs := c.sortedOutbound(tok.NodeID)
	env := c.tokenEnv(tok)

	var primary *definition.Transition
	primaryIdx := -1
	for i, tr := range outs {
		ok, err := c.transitionMatches(tr, env)
		if err != nil {
			c.failRun(ctx, t, err)
			return
		}
		if ok {
			primary = tr
			primaryIdx = i
			break
		}
	}
	if primary == nil {
		c.run.Record("route", map[string]any{"tokenId": tok.ID, "nodeId": tok.NodeID, "deadEnd": true})
		c.emit.Decision(ctx, "route.dead_end", map[string]any{"tokenId": tok.ID, "nodeId": tok.NodeID})
		c.dropBranch(tok.BranchRootID)
		return
	}

	if primary.Sync != nil {
		c.arriveAtJoin(ctx, t, tok, primary)
		return
	}

	// The primary's sibling group pulls every other passing transition of
	// the same group into one cohort.
	selected := []*definition.Transition{primary}
	if primary.SiblingGroup != "" {
		for _, tr := range outs[primaryIdx+1:] {
			if tr.SiblingGroup != primary.SiblingGroup {
				continue
			}
			ok, err := c.transitionMatches(tr, env)
			if err != nil {
				c.failRun(ctx, t, err)
				return
			}
			if ok {
				selected = append(selected, tr)
			}
		}
	}

	for _, tr := range selected {
		if exceeded, failure := c.loopExceeded(tok, tr); exceeded {
			node := c.wf.NodeByID(tok.NodeID)
			c.failToken(ctx, t, tok, node, failure, false)
			return
		}
	}

	fanned := len(selected) > 1 || selected[0].FansOut()
	if !fanned {
		c.spawnContinuation(ctx, t, tok, selected[0])
		return
	}
	c.spawnFanOut(ctx, t, tok, selected, env)
}

// spawnContinuation advances a lineage along a plain transition: the child
// inherits the parent's branch identity and store.
func (c *coordinator) spawnContinuation(ctx context.Context, t *tick, tok *Token, tr *definition.Transition) {
	child := c.childToken(tok, tr.ToNodeID)
	child.FanOutTransitionID = tok.FanOutTransitionID
	child.BranchIndex = tok.BranchIndex
	child.BranchTotal = tok.BranchTotal
	child.BranchRootID = tok.BranchRootID
	c.bumpLoop(child, tr)
	c.run.Tokens = append(c.run.Tokens, child)
	c.run.Record("route", map[string]any{
		"tokenId": tok.ID, "transitionId": tr.ID, "childTokenId": child.ID,
	})
	c.evToken(t, event.TypeTokenCreated, child, map[string]any{
		"parentTokenId": tok.ID,
		"transitionId":  tr.ID,
		"branchIndex":   child.BranchIndex,
		"branchTotal":   child.BranchTotal,
	})
	c.dispatchToken(ctx, t, child)
}

// spawnFanOut opens a new branch generation: every selected transition
// contributes children, numbered as one cohort in transition order.
func (c *coordinator) spawnFanOut(ctx context.Context, t *tick, tok *Token, selected []*definition.Transition, env map[string]any) {
	type spawnSpec struct {
		tr    *definition.Transition
		items []any
		count int
	}
	specs := make([]spawnSpec, 0, len(selected))
	total := 0
	for _, tr := range selected {
		spec := spawnSpec{tr: tr, count: 1}
		switch {
		case tr.Foreach != "":
			items, err := c.co.ev.EvalList(tr.Foreach, env)
			if err != nil {
				c.failRun(ctx, t, err)
				return
			}
			spec.items = items
			spec.count = len(items)
		case tr.SpawnCount > 0:
			spec.count = tr.SpawnCount
		}
		specs = append(specs, spec)
		total += spec.count
	}

	primary := selected[0]
	payload := map[string]any{
		"transitionId":  primary.ID,
		"parentTokenId": tok.ID,
		"branchTotal":   total,
	}
	if primary.SiblingGroup != "" {
		payload["siblingGroup"] = primary.SiblingGroup
	}
	c.evToken(t, event.TypeFanOutStarted, tok, payload)
	if total == 0 {
		// Nothing to iterate: the branch closes where it stands.
		c.run.Record("spawn_tokens", map[string]any{"tokenIds": []string{}, "transitionId": primary.ID})
		c.dropBranch(tok.BranchRootID)
		return
	}

	children := make([]*Token, 0, total)
	childIDs := make([]string, 0, total)
	idx := 0
	for _, spec := range specs {
		for j := 0; j < spec.count; j++ {
			child := c.childToken(tok, spec.tr.ToNodeID)
			child.FanOutTransitionID = spec.tr.ID
			child.BranchIndex = idx
			child.BranchTotal = total
			child.BranchRootID = child.ID
			c.bumpLoop(child, spec.tr)
			store := c.branchStore(child.ID)
			if spec.items != nil {
				name := spec.tr.ForeachVar
				if name == "" {
					name = "item"
				}
				store[name] = spec.items[j]
				store["index"] = j
			}
			c.run.Tokens = append(c.run.Tokens, child)
			children = append(children, child)
			childIDs = append(childIDs, child.ID)
			c.evToken(t, event.TypeTokenCreated, child, map[string]any{
				"parentTokenId": tok.ID,
				"transitionId":  spec.tr.ID,
				"branchIndex":   child.BranchIndex,
				"branchTotal":   child.BranchTotal,
			})
			idx++
		}
	}
	c.run.Record("spawn_tokens", map[string]any{"tokenIds": childIDs, "transitionId": primary.ID})
	for _, child := range children {
		if c.run.Terminal() {
			return
		}
		c.dispatchToken(ctx, t, child)
	}
}

func (c *coordinator) childToken(parent *Token, nodeID string) *Token {
	now := time.Now().UTC()
	child := &Token{
		ID:            ids.Token(),
		RunID:         c.run.ID,
		NodeID:        nodeID,
		ParentTokenID: parent.ID,
		Status:        TokenPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(parent.LoopCounts) > 0 {
		child.LoopCounts = make(map[string]int, len(parent.LoopCounts))
		for k, v := range parent.LoopCounts {
			child.LoopCounts[k] = v
		}
	}
	return child
}

// loopExceeded reports whether firing tr once more would pass its iteration
// budget, judged against the routing token's lineage counts.
func (c *coordinator) loopExceeded(tok *Token, tr *definition.Transition) (bool, *fault.Failure) {
	if tr.Loop == nil || tr.Loop.MaxIterations <= 0 {
		return false, nil
	}
	if tok.LoopCounts[tr.ID] < tr.Loop.MaxIterations {
		return false, nil
	}
	err := fault.Newf(fault.KindLoopLimit, "transition %s exceeded %d iterations", tr.ID, tr.Loop.MaxIterations)
	return true, fault.ToFailure(err)
}

func (c *coordinator) bumpLoop(child *Token, tr *definition.Transition) {
	if tr.Loop == nil {
		return
	}
	if child.LoopCounts == nil {
		child.LoopCounts = make(map[string]int, 1)
	}
	child.LoopCounts[tr.ID]++
}

func (c *coordinator) transitionMatches(tr *definition.Transition, env map[string]any) (bool, error) {
	if tr.When == "" {
		return true, nil
	}
	return c.co.ev.EvalBool(tr.When, env)
}

// sortedOutbound orders a node's outbound transitions by priority, ties
// broken by id, so routing is deterministic.
func (c *coordinator) sortedOutbound(nodeID string) []*definition.Transition {
	outs := c.wf.Outbound(nodeID)
	sort.SliceStable(outs, func(i, j int) bool {
		if outs[i].Priority != outs[j].Priority {
			return outs[i].Priority < outs[j].Priority
		}
		return outs[i].ID < outs[j].ID
	})
	return outs
}

// tokenEnv builds the expression environment a token evaluates against.
func (c *coordinator) tokenEnv(tok *Token) map[string]any {
	return map[string]any{
		"input":   c.run.Context.Input,
		"state":   c.run.Context.State,
		"output":  c.run.Context.Output,
		"_branch": c.branchStore(tok.BranchRootID),
	}
}

func (c *coordinator) branchStore(rootID string) map[string]any {
	if c.run.Context.Branches == nil {
		c.run.Context.Branches = make(map[string]map[string]any)
	}
	bs, ok := c.run.Context.Branches[rootID]
	if !ok {
		bs = map[string]any{}
		c.run.Context.Branches[rootID] = bs
	}
	return bs
}

func (c *coordinator) dropBranch(rootID string) {
	if c.run.Context.Branches != nil {
		delete(c.run.Context.Branches, rootID)
	}
}

// setPath writes a mapped value into the document named by the target's
// first segment: state, output or the token's branch store.
func (c *coordinator) setPath(tok *Token, target string, val any) error {
	head, rest, ok := strings.Cut(target, ".")
	if !ok || rest == "" {
		return fault.Newf(fault.KindExpression, "mapping target %q needs a path below state, output or _branch", target)
	}
	switch head {
	case "state":
		return exprs.Set(c.run.Context.State, rest, val)
	case "output":
		return exprs.Set(c.run.Context.Output, rest, val)
	case "_branch":
		return exprs.Set(c.branchStore(tok.BranchRootID), rest, val)
	default:
		return fault.Newf(fault.KindExpression, "mapping target %q must write state, output or _branch", target)
	}
}
