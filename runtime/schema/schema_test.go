package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/schema"
)

var toolInputSchema = map[string]any{
	"type":     "object",
	"required": []any{"city"},
	"properties": map[string]any{
		"city":  map[string]any{"type": "string"},
		"days":  map[string]any{"type": "integer", "minimum": float64(1)},
		"units": map[string]any{"enum": []any{"metric", "imperial"}},
	},
}

func TestValidateAccepts(t *testing.T) {
	v := schema.NewValidator()
	err := v.Validate(map[string]any{"city": "Nantes", "days": 3}, toolInputSchema)
	require.NoError(t, err)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	v := schema.NewValidator()
	err := v.Validate(map[string]any{"days": 3}, toolInputSchema)
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidateRejectsWrongType(t *testing.T) {
	v := schema.NewValidator()
	err := v.Validate(map[string]any{"city": "Nantes", "days": "three"}, toolInputSchema)
	require.Error(t, err)
}

func TestEmptySchemaAcceptsEverything(t *testing.T) {
	v := schema.NewValidator()
	require.NoError(t, v.Validate(map[string]any{"anything": true}, nil))
	require.NoError(t, v.Validate(nil, map[string]any{}))
}

func TestValidateBytes(t *testing.T) {
	v := schema.NewValidator()
	schemaBytes := []byte(`{"type":"object","required":["name"]}`)

	require.NoError(t, v.ValidateBytes([]byte(`{"name":"x"}`), schemaBytes))
	require.Error(t, v.ValidateBytes([]byte(`{}`), schemaBytes))
	require.Error(t, v.ValidateBytes([]byte(`{malformed`), schemaBytes))
	require.NoError(t, v.ValidateBytes([]byte(`{}`), nil))
}

func TestCheckSchemaRejectsMalformed(t *testing.T) {
	v := schema.NewValidator()
	err := v.CheckSchema(map[string]any{"type": 12345})
	require.Error(t, err)
	require.NoError(t, v.CheckSchema(toolInputSchema))
}

func TestRepeatValidationUsesCache(t *testing.T) {
	v := schema.NewValidator()
	for i := 0; i < 10; i++ {
		require.NoError(t, v.Validate(map[string]any{"city": "Lyon"}, toolInputSchema))
	}
}
