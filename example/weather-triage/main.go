// Command weather-triage demonstrates the engine end to end without any
// external dependency: an in-memory engine runs a fan-out/fan-in workflow,
// then an agent conversation that dispatches the same workflow as a tool.
// Events stream to stdout as they happen.
//
// Run it with:
//
//	go run ./example/weather-triage
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"goa.design/weave"
	"goa.design/weave/runtime/conversation"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/model/modeltest"
	"goa.design/weave/runtime/workflow"
)

var owner = definition.Owner{ProjectID: "demo"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	// The scripted model first calls the triage tool, then summarizes.
	llm := modeltest.New(
		modeltest.CallTool("triage_weather", map[string]any{"city": "Paris"}),
		modeltest.Text("Forecast triaged: three stations agree, no severe weather expected."),
	)

	eng, err := weave.New(ctx, weave.WithModelClient(definition.ProviderMock, llm))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	}()

	if err := seed(ctx, eng); err != nil {
		return err
	}

	// Part 1: run the fan-out workflow directly and watch its stream.
	runID, err := eng.StartRun(ctx, workflow.StartRequest{
		DefinitionID: mustRef(ctx, eng, definition.KindWorkflow, "triage-weather").ID,
		Input:        map[string]any{"city": "Paris"},
	})
	if err != nil {
		return err
	}
	fmt.Printf("started run %s\n", runID)
	if err := tail(ctx, eng, event.RunStream(runID), event.TypeWorkflowCompleted); err != nil {
		return err
	}

	run, err := eng.InspectRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: status=%s votes=%v\n\n", runID, run.Status, run.Context.Output["votes"])

	// Part 2: ask the forecaster agent, which invokes the same workflow as
	// a tool before answering.
	convID, err := eng.StartConversation(ctx, conversation.StartRequest{
		PersonaRef: "forecaster",
		Owner:      owner,
	})
	if err != nil {
		return err
	}
	turnID, err := eng.PostMessage(ctx, convID, "Should I worry about the weather in Paris this week?", 0)
	if err != nil {
		return err
	}
	fmt.Printf("posted turn %s on conversation %s\n", turnID, convID)
	if err := tail(ctx, eng, event.ConversationStream(convID), event.TypeTurnCompleted); err != nil {
		return err
	}

	snap, err := eng.InspectConversation(ctx, convID)
	if err != nil {
		return err
	}
	for _, msg := range snap.Messages {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
	return nil
}

// seed registers the demo definitions: a mock observation task, a workflow
// fanning out to three stations and merging their reports, a persona, and
// the action exposing the workflow as a tool.
func seed(ctx context.Context, eng *weave.Engine) error {
	defs := []definition.Draft{
		definition.NewDraft(definition.KindModelProfile, "demo-model", owner, map[string]any{
			"provider": definition.ProviderMock,
			"model":    "scripted",
		}),
		definition.NewDraft(definition.KindTask, "observe-station", owner, map[string]any{
			"action": "mock",
			"config": map[string]any{"output": map[string]any{"report": "clear skies"}},
		}),
		definition.NewDraft(definition.KindWorkflow, "triage-weather", owner, map[string]any{
			"nodes": []any{
				map[string]any{"ref": "start", "target": "task", "targetRef": "observe-station"},
				map[string]any{"ref": "station", "target": "task", "targetRef": "observe-station",
					"outputMapping": map[string]any{"_branch.report": "result.report"}},
				map[string]any{"ref": "collect", "target": "task", "targetRef": "observe-station",
					"outputMapping": map[string]any{"output.votes": "state.votes"}},
			},
			"transitions": []any{
				map[string]any{"ref": "spawn", "fromNodeRef": "start", "toNodeRef": "station",
					"spawnCount": 3, "siblingGroup": "stations"},
				map[string]any{"ref": "join", "fromNodeRef": "station", "toNodeRef": "collect",
					"synchronization": map[string]any{
						"strategy":     "all",
						"siblingGroup": "stations",
						"merge": map[string]any{
							"source":   "_branch.report",
							"target":   "state.votes",
							"strategy": "append",
						},
					}},
			},
			"initialNodeRef": "start",
		}),
		definition.NewDraft(definition.KindAction, "triage_weather", owner, map[string]any{
			"description": "Triage the weather for a city across all stations.",
			"targetType":  "workflow",
			"targetRef":   "triage-weather",
		}),
		definition.NewDraft(definition.KindPersona, "forecaster", owner, map[string]any{
			"systemPrompt":    "You are a cautious meteorologist.",
			"modelProfileRef": "demo-model",
			"toolRefs":        []any{"triage_weather"},
		}),
	}
	for _, draft := range defs {
		if _, err := eng.PutDefinition(ctx, draft); err != nil {
			return fmt.Errorf("seed %s %q: %w", draft.Kind, draft.Name, err)
		}
	}
	return nil
}

// tail prints the live event stream until the terminal type arrives.
func tail(ctx context.Context, eng *weave.Engine, streamID, until string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sub, err := eng.Subscribe(ctx, streamID, event.Filter{
		Kinds:  []event.Kind{event.KindEvent},
		Replay: true,
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s on %s", until, streamID)
		case env, open := <-sub.Events():
			if !open {
				return nil
			}
			fmt.Printf("  %3d %s\n", env.Seq, env.Type)
			if env.Type == until {
				return nil
			}
		}
	}
}

// mustRef resolves a seeded definition; the demo controls its own seeds so a
// missing ref is a programming error.
func mustRef(ctx context.Context, eng *weave.Engine, kind definition.Kind, ref string) *definition.Definition {
	def, err := eng.ResolveDefinition(ctx, kind, ref, owner)
	if err != nil {
		panic(err)
	}
	return def
}
