package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/definition"
)

func row(id string, version int, fp string) *definition.Definition {
	return &definition.Definition{
		ID:          id,
		Version:     version,
		Kind:        definition.KindTask,
		Reference:   "probe",
		Name:        "probe",
		Owner:       definition.Owner{ProjectID: "p1"},
		Content:     map[string]any{"action": "mock"},
		Fingerprint: fp,
	}
}

func TestInsertKeepsVersionsOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := definition.Owner{ProjectID: "p1"}

	require.NoError(t, s.Insert(ctx, row("def-1", 3, "c"), false))
	require.NoError(t, s.Insert(ctx, row("def-1", 1, "a"), false))

	history, err := s.History(ctx, definition.KindTask, "probe", owner)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 1, history[0].Version)
	require.Equal(t, 3, history[1].Version)

	max, err := s.MaxVersion(ctx, definition.KindTask, "probe", owner)
	require.NoError(t, err)
	require.Equal(t, 3, max)

	latest, err := s.Get(ctx, "def-1", 0)
	require.NoError(t, err)
	require.Equal(t, 3, latest.Version)
}

func TestInsertDuplicateVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, row("def-1", 1, "a"), false))
	err := s.Insert(ctx, row("def-1", 1, "b"), false)
	require.ErrorIs(t, err, definition.ErrVersionExists)

	require.NoError(t, s.Insert(ctx, row("def-1", 1, "b"), true))
	got, err := s.Get(ctx, "def-1", 1)
	require.NoError(t, err)
	require.Equal(t, "b", got.Fingerprint)
}

func TestGetByFingerprintPrefersNewest(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := definition.Owner{ProjectID: "p1"}

	require.NoError(t, s.Insert(ctx, row("def-1", 1, "same"), false))
	require.NoError(t, s.Insert(ctx, row("def-1", 2, "other"), false))
	require.NoError(t, s.Insert(ctx, row("def-1", 3, "same"), false))

	got, err := s.GetByFingerprint(ctx, definition.KindTask, "probe", owner, "same")
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)

	_, err = s.GetByFingerprint(ctx, definition.KindTask, "probe", owner, "missing")
	require.ErrorIs(t, err, definition.ErrNotFound)
}

func TestListScopesByOwner(t *testing.T) {
	s := New()
	ctx := context.Background()

	mine := row("def-1", 1, "a")
	require.NoError(t, s.Insert(ctx, mine, false))

	other := row("def-2", 1, "b")
	other.Owner = definition.Owner{ProjectID: "p2"}
	other.Reference = "elsewhere"
	require.NoError(t, s.Insert(ctx, other, false))

	defs, err := s.List(ctx, definition.KindTask, definition.Owner{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "def-1", defs[0].ID)
}

func TestContextCancellation(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, s.Insert(ctx, row("def-1", 1, "a"), false))
	_, err := s.Get(ctx, "def-1", 0)
	require.Error(t, err)
}
