package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/weave/features/store/mongo/clients/mongo"
	"goa.design/weave/runtime/definition"
)

// DefinitionStore implements definition.Store by delegating to the Mongo
// client.
type DefinitionStore struct {
	client clientsmongo.Definitions
}

var _ definition.Store = (*DefinitionStore)(nil)

// NewDefinitionStore builds a DefinitionStore using the provided client.
func NewDefinitionStore(client clientsmongo.Definitions) (*DefinitionStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &DefinitionStore{client: client}, nil
}

// Insert persists a new definition version.
func (s *DefinitionStore) Insert(ctx context.Context, def *definition.Definition, replace bool) error {
	return s.client.Insert(ctx, def, replace)
}

// Get returns the definition with the given id; version 0 selects latest.
func (s *DefinitionStore) Get(ctx context.Context, id string, version int) (*definition.Definition, error) {
	return s.client.Get(ctx, id, version)
}

// GetByReference returns the latest version for (kind, reference, owner).
func (s *DefinitionStore) GetByReference(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (*definition.Definition, error) {
	return s.client.GetByReference(ctx, kind, reference, owner)
}

// GetVersion returns one exact version for (kind, reference, owner).
func (s *DefinitionStore) GetVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, version int) (*definition.Definition, error) {
	return s.client.GetVersion(ctx, kind, reference, owner, version)
}

// GetByFingerprint returns the newest lineage version with the given
// structural fingerprint.
func (s *DefinitionStore) GetByFingerprint(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, fingerprint string) (*definition.Definition, error) {
	return s.client.GetByFingerprint(ctx, kind, reference, owner, fingerprint)
}

// MaxVersion returns the highest stored version, or 0 for empty lineages.
func (s *DefinitionStore) MaxVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (int, error) {
	return s.client.MaxVersion(ctx, kind, reference, owner)
}

// List returns the latest version of every lineage of kind under owner.
func (s *DefinitionStore) List(ctx context.Context, kind definition.Kind, owner definition.Owner) ([]*definition.Definition, error) {
	return s.client.List(ctx, kind, owner)
}

// History returns every version for (kind, reference, owner), ascending.
func (s *DefinitionStore) History(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) ([]*definition.Definition, error) {
	return s.client.History(ctx, kind, reference, owner)
}
