package workflow

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
)

// applyMerges folds the arrived branches into the shared context. Arrivals
// come pre-sorted by branch index, which fixes the order for append and
// collect; last_wins re-sorts by completion order itself.
func (c *coordinator) applyMerges(t *tick, sync *definition.Sync, arrivals []Arrival) error {
	if len(sync.Merge) == 0 {
		return nil
	}
	targets := make([]string, 0, len(sync.Merge))
	for _, spec := range sync.Merge {
		val, ok, err := c.foldMerge(spec, arrivals)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.setSharedPath(spec.Target, val); err != nil {
			return err
		}
		targets = append(targets, spec.Target)
	}
	c.run.Record("record_merge", map[string]any{"targets": targets, "arrivals": len(arrivals)})
	c.evRun(t, event.TypeBranchesMerged, map[string]any{"targets": targets, "arrivals": len(arrivals)})
	return nil
}

func (c *coordinator) foldMerge(spec definition.MergeSpec, arrivals []Arrival) (any, bool, error) {
	switch spec.Strategy {
	case definition.MergeAppend:
		out := []any{}
		for _, a := range arrivals {
			v, ok, err := c.mergeSource(spec, a)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			if list, isList := v.([]any); isList {
				out = append(out, list...)
			} else {
				out = append(out, v)
			}
		}
		return out, true, nil

	case definition.MergeCollect, "":
		// Like append, but structurally equal values collapse to the first
		// occurrence in branch order.
		out := []any{}
		for _, a := range arrivals {
			v, ok, err := c.mergeSource(spec, a)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			seen := false
			for _, prev := range out {
				if reflect.DeepEqual(prev, v) {
					seen = true
					break
				}
			}
			if !seen {
				out = append(out, v)
			}
		}
		return out, true, nil

	case definition.MergeObject:
		out := map[string]any{}
		for _, a := range arrivals {
			v, ok, err := c.mergeSource(spec, a)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			m, isMap := v.(map[string]any)
			if !isMap {
				return nil, false, fault.Newf(fault.KindMerge,
					"merge_object source %q yielded %T from branch %d, want object", spec.Source, v, a.BranchIndex)
			}
			for k, vv := range m {
				out[k] = vv
			}
		}
		return out, true, nil

	case definition.MergeKeyedByBranch:
		out := map[string]any{}
		for _, a := range arrivals {
			v, ok, err := c.mergeSource(spec, a)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			key := strconv.Itoa(a.BranchIndex)
			if spec.Key != "" {
				if bs := c.run.Context.Branches[a.BranchRootID]; bs != nil {
					if bk, found := bs[spec.Key]; found {
						key = fmt.Sprint(bk)
					}
				}
			}
			out[key] = v
		}
		return out, true, nil

	case definition.MergeLastWins:
		// The latest completing sibling wins, not the highest branch index.
		byCompletion := append([]Arrival(nil), arrivals...)
		sort.SliceStable(byCompletion, func(i, j int) bool {
			return byCompletion[i].Order < byCompletion[j].Order
		})
		var out any
		found := false
		for _, a := range byCompletion {
			v, ok, err := c.mergeSource(spec, a)
			if err != nil {
				return nil, false, err
			}
			if ok {
				out = v
				found = true
			}
		}
		return out, found, nil

	default:
		return nil, false, fault.Newf(fault.KindMerge, "unknown merge strategy %q", spec.Strategy)
	}
}

// mergeSource evaluates the spec's source expression in the arrived
// sibling's environment. A nil value means the branch contributed nothing
// and is skipped.
func (c *coordinator) mergeSource(spec definition.MergeSpec, a Arrival) (any, bool, error) {
	bs := c.run.Context.Branches[a.BranchRootID]
	if bs == nil {
		bs = map[string]any{}
	}
	env := map[string]any{
		"input":   c.run.Context.Input,
		"state":   c.run.Context.State,
		"output":  c.run.Context.Output,
		"_branch": bs,
	}
	v, err := c.co.ev.Eval(spec.Source, env)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// setSharedPath writes a merge result into the shared context; merge targets
// may only address state or output.
func (c *coordinator) setSharedPath(target string, val any) error {
	head, rest, ok := strings.Cut(target, ".")
	if !ok || rest == "" {
		return fault.Newf(fault.KindMerge, "merge target %q needs a path below state or output", target)
	}
	switch head {
	case "state":
		return exprs.Set(c.run.Context.State, rest, val)
	case "output":
		return exprs.Set(c.run.Context.Output, rest, val)
	default:
		return fault.Newf(fault.KindMerge, "merge target %q must write state or output", target)
	}
}
