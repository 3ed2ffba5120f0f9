package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/weave/features/store/mongo/clients/mongo"
	"goa.design/weave/runtime/workflow"
)

// RunStore implements workflow.Store by delegating to the Mongo client.
type RunStore struct {
	client clientsmongo.Runs
}

var _ workflow.Store = (*RunStore)(nil)

// NewRunStore builds a RunStore using the provided client.
func NewRunStore(client clientsmongo.Runs) (*RunStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &RunStore{client: client}, nil
}

// SaveRun upserts the full snapshot.
func (s *RunStore) SaveRun(ctx context.Context, run *workflow.Run) error {
	return s.client.SaveRun(ctx, run)
}

// GetRun returns the snapshot for id, or workflow.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	return s.client.GetRun(ctx, id)
}

// ListActive returns pending and running runs, oldest first.
func (s *RunStore) ListActive(ctx context.Context) ([]*workflow.Run, error) {
	return s.client.ListActive(ctx)
}
