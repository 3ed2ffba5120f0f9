package weave

import (
	"context"

	"goa.design/weave/runtime/definition"
)

// PutDefinition validates, transforms, fingerprints, and persists a draft.
// Identical content reuses the existing version; changed content bumps it.
func (e *Engine) PutDefinition(ctx context.Context, draft definition.Draft) (*definition.PutResult, error) {
	return e.defs.Put(ctx, draft)
}

// GetDefinition returns one pinned version, or the latest when version is 0.
func (e *Engine) GetDefinition(ctx context.Context, id string, version int) (*definition.Definition, error) {
	return e.defs.Get(ctx, id, version)
}

// GetDefinitionByReference returns the latest version registered under the
// human reference in the owner's scope.
func (e *Engine) GetDefinitionByReference(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (*definition.Definition, error) {
	return e.defs.GetByReference(ctx, kind, reference, owner)
}

// ResolveDefinition resolves a "name[@version]" ref in the owner's scope,
// falling back to unowned definitions.
func (e *Engine) ResolveDefinition(ctx context.Context, kind definition.Kind, ref string, owner definition.Owner) (*definition.Definition, error) {
	return e.defs.Resolve(ctx, kind, ref, owner)
}

// DefinitionHistory lists every version registered under the reference,
// oldest first.
func (e *Engine) DefinitionHistory(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) ([]*definition.Definition, error) {
	return e.defs.History(ctx, kind, reference, owner)
}

// ListDefinitions lists the latest version of every definition of the kind
// in the owner's scope.
func (e *Engine) ListDefinitions(ctx context.Context, kind definition.Kind, owner definition.Owner) ([]*definition.Definition, error) {
	return e.defs.List(ctx, kind, owner)
}

// Definitions exposes the definition service for callers needing the full
// read surface.
func (e *Engine) Definitions() *definition.Service { return e.defs }
