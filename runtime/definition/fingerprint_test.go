package definition_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/definition"
)

func TestFingerprintIgnoresGeneratedIDs(t *testing.T) {
	bare := map[string]any{
		"initialNodeRef": "a",
		"nodes": []any{
			map[string]any{"ref": "a", "target": "task", "targetRef": "t", "targetId": "def-1", "targetVersion": 1},
		},
		"transitions": []any{
			map[string]any{"fromNodeRef": "a", "toNodeRef": "a", "when": "state.again"},
		},
	}
	annotated := map[string]any{
		"initialNodeRef": "a",
		"initialNodeId":  "node-xyz",
		"nodes": []any{
			map[string]any{"id": "node-xyz", "ref": "a", "target": "task", "targetRef": "t", "targetId": "def-1", "targetVersion": 1},
		},
		"transitions": []any{
			map[string]any{"id": "tr-1", "fromNodeRef": "a", "toNodeRef": "a", "fromNodeId": "node-xyz", "toNodeId": "node-xyz", "when": "state.again"},
		},
	}

	fp1, err := definition.Fingerprint(definition.KindWorkflow, bare)
	require.NoError(t, err)
	fp2, err := definition.Fingerprint(definition.KindWorkflow, annotated)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 64)
}

func TestFingerprintIgnoresDeclarationOrder(t *testing.T) {
	ordered := map[string]any{
		"initialNodeRef": "a",
		"nodes": []any{
			map[string]any{"ref": "a", "target": "task", "targetRef": "t"},
			map[string]any{"ref": "b", "target": "task", "targetRef": "t"},
		},
		"transitions": []any{
			map[string]any{"fromNodeRef": "a", "toNodeRef": "b", "priority": 1},
			map[string]any{"fromNodeRef": "a", "toNodeRef": "b", "priority": 2},
		},
	}
	reversed := map[string]any{
		"initialNodeRef": "a",
		"nodes": []any{
			map[string]any{"ref": "b", "target": "task", "targetRef": "t"},
			map[string]any{"ref": "a", "target": "task", "targetRef": "t"},
		},
		"transitions": []any{
			map[string]any{"fromNodeRef": "a", "toNodeRef": "b", "priority": 2},
			map[string]any{"fromNodeRef": "a", "toNodeRef": "b", "priority": 1},
		},
	}

	fp1, err := definition.Fingerprint(definition.KindWorkflow, ordered)
	require.NoError(t, err)
	fp2, err := definition.Fingerprint(definition.KindWorkflow, reversed)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

func TestFingerprintTracksContentChanges(t *testing.T) {
	base := map[string]any{"action": "mock", "config": map[string]any{"delayMs": 10}}
	changed := map[string]any{"action": "mock", "config": map[string]any{"delayMs": 20}}

	fp1, err := definition.Fingerprint(definition.KindTask, base)
	require.NoError(t, err)
	fp2, err := definition.Fingerprint(definition.KindTask, changed)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestFingerprintTracksRepinnedTargets(t *testing.T) {
	pinV1 := map[string]any{
		"initialNodeRef": "a",
		"nodes": []any{
			map[string]any{"ref": "a", "target": "task", "targetRef": "t", "targetId": "def-1", "targetVersion": 1},
		},
	}
	pinV2 := map[string]any{
		"initialNodeRef": "a",
		"nodes": []any{
			map[string]any{"ref": "a", "target": "task", "targetRef": "t", "targetId": "def-1", "targetVersion": 2},
		},
	}

	fp1, err := definition.Fingerprint(definition.KindWorkflow, pinV1)
	require.NoError(t, err)
	fp2, err := definition.Fingerprint(definition.KindWorkflow, pinV2)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestFingerprintLeavesInputUntouched(t *testing.T) {
	content := map[string]any{
		"initialNodeRef": "a",
		"initialNodeId":  "node-1",
		"nodes": []any{
			map[string]any{"id": "node-1", "ref": "a", "target": "task", "targetRef": "t"},
		},
	}
	_, err := definition.Fingerprint(definition.KindWorkflow, content)
	require.NoError(t, err)
	require.Equal(t, "node-1", content["initialNodeId"])
	require.Equal(t, "node-1", content["nodes"].([]any)[0].(map[string]any)["id"])
}
