package exprs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
)

func env(overrides map[string]any) map[string]any {
	base := map[string]any{
		"input":   map[string]any{"severity": "high", "count": 3},
		"state":   map[string]any{"retries": 1},
		"output":  map[string]any{},
		"_branch": map[string]any{},
	}
	for k, v := range overrides {
		base[k] = v
	}
	return base
}

func TestEvalBoolGuards(t *testing.T) {
	e := exprs.New()

	ok, err := e.EvalBool(`input.severity == "high"`, env(nil))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.EvalBool(`state.retries > 2`, env(nil))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalBoolRejectsNonBool(t *testing.T) {
	e := exprs.New()
	_, err := e.EvalBool(`input.count`, env(nil))
	require.Error(t, err)
	require.Equal(t, fault.KindExpression, fault.KindOf(err))
}

func TestEvalListForeach(t *testing.T) {
	e := exprs.New()
	got, err := e.EvalList(`input.items`, env(map[string]any{
		"input": map[string]any{"items": []any{"a", "b", "c"}},
	}))
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b", "c"}, got)
}

func TestEvalListNilIsEmpty(t *testing.T) {
	e := exprs.New()
	got, err := e.EvalList(`input.missing`, env(nil))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCompileRejectsMalformed(t *testing.T) {
	e := exprs.New()
	err := e.Compile(`input.severity ==`)
	require.Error(t, err)
	require.Equal(t, fault.KindExpression, fault.KindOf(err))
}

func TestUndefinedVariablesEvaluateNil(t *testing.T) {
	e := exprs.New()
	got, err := e.Eval(`ghost`, env(nil))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetSetRoundTrip(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, exprs.Set(root, "state.results.count", 7))

	got, ok := exprs.Get(root, "state.results.count")
	require.True(t, ok)
	require.Equal(t, 7, got)

	_, ok = exprs.Get(root, "state.results.missing")
	require.False(t, ok)
}

func TestSetRefusesScalarIntermediate(t *testing.T) {
	root := map[string]any{"state": map[string]any{"flag": true}}
	err := exprs.Set(root, "state.flag.deep", 1)
	require.Error(t, err)
	require.Equal(t, fault.KindExpression, fault.KindOf(err))
}

func TestDelete(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, exprs.Set(root, "a.b.c", 1))
	exprs.Delete(root, "a.b.c")
	_, ok := exprs.Get(root, "a.b.c")
	require.False(t, ok)

	exprs.Delete(root, "a.x.y") // missing path is a no-op
}
