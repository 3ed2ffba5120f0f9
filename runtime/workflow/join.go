package workflow

import (
	"context"
	"sort"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
)

// joinKey identifies one join instance: the sync transition plus the token
// whose fan-out opened the cohort. Trunk lineages (no fan-out above them)
// share the sentinel spawner "root".
func joinKey(transitionID, spawnerID string) string {
	if spawnerID == "" {
		spawnerID = "root"
	}
	return transitionID + "@" + spawnerID
}

func joinTimerKey(key string) string {
	return "join/" + key
}

// spawnerOf returns the token whose completion fanned out the lineage tok
// belongs to, or nil for trunk lineages.
func (c *coordinator) spawnerOf(tok *Token) *Token {
	root := c.run.Token(tok.BranchRootID)
	if root == nil || root.ParentTokenID == "" {
		return nil
	}
	return c.run.Token(root.ParentTokenID)
}

// arriveAtJoin parks a completed token at a sync transition and arms the
// join's timeout on first arrival.
func (c *coordinator) arriveAtJoin(ctx context.Context, t *tick, tok *Token, tr *definition.Transition) {
	spawnerID := ""
	if sp := c.spawnerOf(tok); sp != nil {
		spawnerID = sp.ID
	}
	key := joinKey(tr.ID, spawnerID)
	if c.run.Joins == nil {
		c.run.Joins = make(map[string]*JoinState)
	}
	js := c.run.Joins[key]
	if js == nil {
		js = &JoinState{TransitionID: tr.ID, SpawnerID: spawnerID}
		c.run.Joins[key] = js
	}
	if js.Done {
		// The join already fired; this lineage lost the race.
		c.cancelToken(ctx, t, tok, "join_closed")
		return
	}
	tok.Status = TokenWaiting
	tok.UpdatedAt = time.Now().UTC()
	js.Arrivals = append(js.Arrivals, Arrival{
		TokenID:      tok.ID,
		BranchIndex:  tok.BranchIndex,
		BranchRootID: tok.BranchRootID,
		Order:        len(js.Arrivals),
	})
	c.run.Record("record_sync", map[string]any{
		"transitionId": tr.ID, "tokenId": tok.ID, "arrived": len(js.Arrivals),
	})
	c.evToken(t, event.TypeTokenWaiting, tok, map[string]any{
		"transitionId": tr.ID,
		"arrived":      len(js.Arrivals),
	})
	if len(js.Arrivals) == 1 && tr.Sync.TimeoutMs > 0 {
		c.self.After(joinTimerKey(key), time.Duration(tr.Sync.TimeoutMs)*time.Millisecond,
			joinTimerMsg{joinKey: key})
	}
}

// checkJoins sweeps every open join after each tick's mutations: a join can
// become ready not only by arrival but by sibling lineages dying off.
func (c *coordinator) checkJoins(ctx context.Context, t *tick) {
	if len(c.run.Joins) == 0 {
		return
	}
	keys := make([]string, 0, len(c.run.Joins))
	for k := range c.run.Joins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if c.run.Terminal() {
			return
		}
		js := c.run.Joins[key]
		if js == nil || js.Done || len(js.Arrivals) == 0 {
			continue
		}
		tr := c.wf.TransitionByID(js.TransitionID)
		if tr == nil || tr.Sync == nil {
			continue
		}
		fire, unreachable := c.joinReady(tr.Sync, js)
		switch {
		case fire:
			c.fireJoin(ctx, t, key, js, tr, false)
		case unreachable:
			c.failJoin(ctx, t, key, js, tr,
				fault.Newf(fault.KindMerge, "join %s unreachable: %d arrived and too few live siblings remain", tr.ID, len(js.Arrivals)))
		}
	}
}

// cohortTips lists the active lineage tips belonging to a join's cohort:
// tokens whose branch root was spawned by the join's fan-out instance and,
// when the sync names a sibling group, via a transition of that group.
func (c *coordinator) cohortTips(sync *definition.Sync, js *JoinState) []*Token {
	var tips []*Token
	for _, tok := range c.run.Tokens {
		if !tok.Active() {
			continue
		}
		root := c.run.Token(tok.BranchRootID)
		if root == nil || root.ParentTokenID != js.SpawnerID {
			continue
		}
		if sync.SiblingGroup != "" {
			rootTr := c.wf.TransitionByID(root.FanOutTransitionID)
			if rootTr == nil || rootTr.SiblingGroup != sync.SiblingGroup {
				continue
			}
		}
		tips = append(tips, tok)
	}
	return tips
}

func arrivedAt(js *JoinState, tokenID string) bool {
	for _, a := range js.Arrivals {
		if a.TokenID == tokenID {
			return true
		}
	}
	return false
}

// joinReady evaluates the sync predicate. unreachable reports an m_of_n join
// that can no longer gather m arrivals.
func (c *coordinator) joinReady(sync *definition.Sync, js *JoinState) (ready, unreachable bool) {
	arrived := len(js.Arrivals)
	pendingTips := 0
	for _, tip := range c.cohortTips(sync, js) {
		if !arrivedAt(js, tip.ID) {
			pendingTips++
		}
	}
	switch sync.Mode {
	case definition.SyncAny:
		return arrived >= 1, false
	case definition.SyncMOfN:
		m := sync.M
		if m <= 0 {
			m = 1
		}
		if arrived >= m {
			return true, false
		}
		return false, arrived+pendingTips < m
	default: // all
		return pendingTips == 0 && arrived >= 1, false
	}
}

// fireJoin resolves a ready join: merge the arrived branches, cancel the
// losers, collapse the cohort into a single surviving token one lineage
// level up.
func (c *coordinator) fireJoin(ctx context.Context, t *tick, key string, js *JoinState, tr *definition.Transition, timedOut bool) {
	js.Done = true
	c.self.CancelTimer(joinTimerKey(key))
	sync := tr.Sync

	ordered := append([]Arrival(nil), js.Arrivals...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BranchIndex != ordered[j].BranchIndex {
			return ordered[i].BranchIndex < ordered[j].BranchIndex
		}
		return ordered[i].TokenID < ordered[j].TokenID
	})

	if err := c.applyMerges(t, sync, ordered); err != nil {
		c.failRun(ctx, t, err)
		return
	}

	for _, tip := range c.cohortTips(sync, js) {
		if arrivedAt(js, tip.ID) {
			continue
		}
		c.cancelToken(ctx, t, tip, "join_raced")
	}

	for _, a := range ordered {
		atok := c.run.Token(a.TokenID)
		if atok != nil && atok.Status == TokenWaiting {
			atok.Status = TokenCompleted
			atok.UpdatedAt = time.Now().UTC()
			c.evToken(t, event.TypeTokenCompleted, atok, map[string]any{"transitionId": tr.ID})
		}
		c.dropBranch(a.BranchRootID)
	}

	c.evRun(t, event.TypeFanInCompleted, map[string]any{
		"transitionId": tr.ID,
		"arrived":      len(ordered),
		"timedOut":     timedOut,
	})

	// The survivor continues the spawner's lineage at the sync target.
	base := c.run.Token(js.SpawnerID)
	if base == nil && len(ordered) > 0 {
		base = c.run.Token(ordered[0].TokenID)
	}
	if base == nil {
		c.failRun(ctx, t, fault.Newf(fault.KindInternal, "join %s fired with no lineage to continue", tr.ID))
		return
	}
	if exceeded, failure := c.loopExceeded(base, tr); exceeded {
		c.failRun(ctx, t, failure.Err())
		return
	}
	survivor := c.childToken(base, tr.ToNodeID)
	survivor.FanOutTransitionID = base.FanOutTransitionID
	survivor.BranchIndex = base.BranchIndex
	survivor.BranchTotal = base.BranchTotal
	survivor.BranchRootID = base.BranchRootID
	if survivor.BranchRootID == "" {
		survivor.BranchRootID = survivor.ID
	}
	c.bumpLoop(survivor, tr)
	c.run.Tokens = append(c.run.Tokens, survivor)
	c.run.Record("spawn_tokens", map[string]any{
		"tokenIds": []string{survivor.ID}, "transitionId": tr.ID, "fanIn": true,
	})
	c.evToken(t, event.TypeTokenCreated, survivor, map[string]any{
		"parentTokenId": base.ID,
		"transitionId":  tr.ID,
		"branchIndex":   survivor.BranchIndex,
		"branchTotal":   survivor.BranchTotal,
	})
	c.dispatchToken(ctx, t, survivor)
}

// failJoin fails every waiting arrival with the given fault, honoring each
// node's failure policy.
func (c *coordinator) failJoin(ctx context.Context, t *tick, key string, js *JoinState, tr *definition.Transition, err *fault.Error) {
	js.Done = true
	c.self.CancelTimer(joinTimerKey(key))
	failure := fault.ToFailure(err)
	c.run.Record("record_sync", map[string]any{
		"transitionId": tr.ID, "failed": true, "failure": failure.Payload(),
	})
	for _, a := range js.Arrivals {
		if c.run.Terminal() {
			return
		}
		atok := c.run.Token(a.TokenID)
		if atok == nil || atok.Status != TokenWaiting {
			continue
		}
		node := c.wf.NodeByID(atok.NodeID)
		c.failToken(ctx, t, atok, node, failure, false)
	}
}

// handleJoinTimer resolves a join whose window elapsed: proceed with the
// arrivals gathered so far, or fail the waiters.
func (c *coordinator) handleJoinTimer(ctx context.Context, m joinTimerMsg) {
	if c.run.Terminal() {
		return
	}
	js := c.run.Joins[m.joinKey]
	if js == nil || js.Done {
		return
	}
	tr := c.wf.TransitionByID(js.TransitionID)
	if tr == nil || tr.Sync == nil {
		return
	}
	t := &tick{}
	policy := tr.Sync.OnTimeout
	if policy == "" {
		policy = definition.OnTimeoutProceed
	}
	if policy == definition.OnTimeoutProceed && len(js.Arrivals) > 0 {
		c.emit.Decision(ctx, "join.timeout_proceed", map[string]any{
			"transitionId": tr.ID, "arrived": len(js.Arrivals),
		})
		c.fireJoin(ctx, t, m.joinKey, js, tr, true)
	} else {
		c.failJoin(ctx, t, m.joinKey, js, tr,
			fault.Timeout("join %s timed out after %dms", tr.ID, tr.Sync.TimeoutMs))
	}
	c.checkJoins(ctx, t)
	c.checkRunDone(ctx, t)
	c.finishTick(ctx, t)
}
