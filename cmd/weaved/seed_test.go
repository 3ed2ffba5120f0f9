package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave"
	"goa.design/weave/runtime/definition"
)

const taskSeed = `kind: task
name: fetch
owner:
  projectId: demo
content:
  action: mock
  config:
    output:
      payload: raw
`

const workflowSeed = `kind: workflow
name: pipeline
owner:
  projectId: demo
content:
  nodes:
    - ref: fetch
      target: task
      targetRef: fetch
      outputMapping:
        output.payload: result.payload
  transitions: []
  initialNodeRef: fetch
---
kind: persona
name: analyst
owner:
  projectId: demo
content:
  systemPrompt: You fetch things.
  modelProfileRef: mock-profile
`

const modelProfileSeed = `kind: model_profile
name: mock-profile
owner:
  projectId: demo
content:
  provider: mock
  model: scripted-model
`

func seedEngine(t *testing.T) *weave.Engine {
	t.Helper()
	eng, err := weave.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func writeSeed(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSeedDefinitionsLoadsSortedMultiDocFiles(t *testing.T) {
	dir := t.TempDir()
	// Numeric prefixes order tasks before the workflow that references them.
	writeSeed(t, dir, "00-model.yaml", modelProfileSeed)
	writeSeed(t, dir, "01-tasks.yaml", taskSeed)
	writeSeed(t, dir, "02-workflows.yaml", workflowSeed)
	writeSeed(t, dir, "ignore.txt", "not yaml")

	eng := seedEngine(t)
	ctx := context.Background()

	n, err := seedDefinitions(ctx, eng, dir)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	owner := definition.Owner{ProjectID: "demo"}
	wf, err := eng.GetDefinitionByReference(ctx, definition.KindWorkflow, "pipeline", owner)
	require.NoError(t, err)
	require.Equal(t, 1, wf.Version)

	persona, err := eng.GetDefinitionByReference(ctx, definition.KindPersona, "analyst", owner)
	require.NoError(t, err)
	require.Equal(t, "You fetch things.", persona.Content["systemPrompt"])
}

func TestSeedDefinitionsIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "tasks.yaml", taskSeed)

	eng := seedEngine(t)
	ctx := context.Background()

	_, err := seedDefinitions(ctx, eng, dir)
	require.NoError(t, err)
	_, err = seedDefinitions(ctx, eng, dir)
	require.NoError(t, err)

	owner := definition.Owner{ProjectID: "demo"}
	task, err := eng.GetDefinitionByReference(ctx, definition.KindTask, "fetch", owner)
	require.NoError(t, err)
	require.Equal(t, 1, task.Version, "re-seeding identical content must reuse the version")
}

func TestSeedDefinitionsRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "bad.yaml", "kind: gadget\nname: x\ncontent:\n  a: 1\n")

	eng := seedEngine(t)
	_, err := seedDefinitions(context.Background(), eng, dir)
	require.ErrorContains(t, err, "unknown kind")
}
