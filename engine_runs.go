package weave

import (
	"context"

	"goa.design/weave/runtime/workflow"
)

// StartRun validates the input against the workflow's schema, persists the
// run, and spawns its coordinator. The run executes asynchronously; the
// returned id addresses it and names its event stream.
func (e *Engine) StartRun(ctx context.Context, req workflow.StartRequest) (string, error) {
	return e.coords.StartRun(ctx, req)
}

// CancelRun aborts a live run: active tokens cancel, outstanding operations
// are abandoned, and the run fails with a cancellation fault.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.coords.Cancel(ctx, runID)
}

// InspectRun returns a deep-copied snapshot of the run: live runs answer
// from their actor, terminal ones from the store.
func (e *Engine) InspectRun(ctx context.Context, runID string) (*workflow.Run, error) {
	return e.coords.Inspect(ctx, runID)
}

// RecoverRuns respawns coordinators for every non-terminal run snapshot in
// the store. Called once at process start; returns the number of runs
// resumed. Operations that were in flight at the crash re-dispatch.
func (e *Engine) RecoverRuns(ctx context.Context) (int, error) {
	return e.coords.Recover(ctx)
}
