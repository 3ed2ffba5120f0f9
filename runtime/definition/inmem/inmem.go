// Package inmem provides an in-memory implementation of the definition
// store, suitable for tests, demos, and single-node deployments without
// persistence requirements.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/weave/runtime/definition"
)

// Store is an in-memory implementation of definition.Store. It is safe for
// concurrent use. Stored rows are shared with callers; definitions are
// immutable once inserted.
type Store struct {
	mu       sync.RWMutex
	lineages map[string][]*definition.Definition // versions ascending
	byID     map[string][]*definition.Definition // versions ascending
}

// Compile-time check that Store implements definition.Store.
var _ definition.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		lineages: make(map[string][]*definition.Definition),
		byID:     make(map[string][]*definition.Definition),
	}
}

func lineageKey(kind definition.Kind, reference string, owner definition.Owner) string {
	return string(kind) + "\x00" + reference + "\x00" + owner.Key()
}

// Insert persists a new definition version.
func (s *Store) Insert(ctx context.Context, def *definition.Definition, replace bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lineageKey(def.Kind, def.Reference, def.Owner)
	rows := s.lineages[key]
	at := sort.Search(len(rows), func(i int) bool { return rows[i].Version >= def.Version })
	if at < len(rows) && rows[at].Version == def.Version {
		if !replace {
			return definition.ErrVersionExists
		}
		old := rows[at]
		rows[at] = def
		s.replaceByID(old, def)
		return nil
	}
	rows = append(rows, nil)
	copy(rows[at+1:], rows[at:])
	rows[at] = def
	s.lineages[key] = rows

	idRows := s.byID[def.ID]
	idAt := sort.Search(len(idRows), func(i int) bool { return idRows[i].Version >= def.Version })
	idRows = append(idRows, nil)
	copy(idRows[idAt+1:], idRows[idAt:])
	idRows[idAt] = def
	s.byID[def.ID] = idRows
	return nil
}

func (s *Store) replaceByID(old, def *definition.Definition) {
	idRows := s.byID[def.ID]
	for i, row := range idRows {
		if row == old {
			idRows[i] = def
			return
		}
	}
}

// Get returns the definition with the given id; version 0 selects the latest.
func (s *Store) Get(ctx context.Context, id string, version int) (*definition.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.byID[id]
	if len(rows) == 0 {
		return nil, definition.ErrNotFound
	}
	if version == 0 {
		return rows[len(rows)-1], nil
	}
	for _, row := range rows {
		if row.Version == version {
			return row, nil
		}
	}
	return nil, definition.ErrNotFound
}

// GetByReference returns the latest version for (kind, reference, owner).
func (s *Store) GetByReference(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (*definition.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.lineages[lineageKey(kind, reference, owner)]
	if len(rows) == 0 {
		return nil, definition.ErrNotFound
	}
	return rows[len(rows)-1], nil
}

// GetVersion returns one exact version for (kind, reference, owner).
func (s *Store) GetVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, version int) (*definition.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.lineages[lineageKey(kind, reference, owner)] {
		if row.Version == version {
			return row, nil
		}
	}
	return nil, definition.ErrNotFound
}

// GetByFingerprint returns the newest lineage version with the given
// structural fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, fingerprint string) (*definition.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.lineages[lineageKey(kind, reference, owner)]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Fingerprint == fingerprint {
			return rows[i], nil
		}
	}
	return nil, definition.ErrNotFound
}

// MaxVersion returns the highest stored version, or 0 for an empty lineage.
func (s *Store) MaxVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.lineages[lineageKey(kind, reference, owner)]
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1].Version, nil
}

// List returns the latest version of every lineage of kind under owner,
// sorted by reference.
func (s *Store) List(ctx context.Context, kind definition.Kind, owner definition.Owner) ([]*definition.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*definition.Definition
	for _, rows := range s.lineages {
		latest := rows[len(rows)-1]
		if latest.Kind == kind && latest.Owner.Key() == owner.Key() {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

// History returns every version for (kind, reference, owner), ascending.
func (s *Store) History(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) ([]*definition.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.lineages[lineageKey(kind, reference, owner)]
	out := make([]*definition.Definition, len(rows))
	copy(out, rows)
	return out, nil
}
