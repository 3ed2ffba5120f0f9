package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"text/template"
	"time"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/model"
)

// maxHTTPBody caps how much of an http action response is read.
const maxHTTPBody = 4 << 20

// runMock sleeps for config.delayMs, then returns config.output. An "error"
// string in the config fails the task with a tool fault, and "echo": true
// folds the task input into the output. Mock tasks carry test and demo
// workflows without touching real backends.
func (x *Executor) runMock(ctx context.Context, req dispatch.TaskRequest) (map[string]any, error) {
	if d := mockDelay(req.Config); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, fault.Timeout("mock action interrupted before its %s delay elapsed", d)
		case <-t.C:
		}
	}
	if msg, ok := req.Config["error"].(string); ok && msg != "" {
		return nil, fault.New(fault.KindTool, msg)
	}
	out := map[string]any{}
	if m, ok := req.Config["output"].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	if echo, _ := req.Config["echo"].(bool); echo {
		for k, v := range req.Input {
			out[k] = v
		}
	}
	return out, nil
}

// mockDelay reads config.delayMs as a number of milliseconds or a [min,max]
// range sampled uniformly.
func mockDelay(cfg map[string]any) time.Duration {
	switch v := cfg["delayMs"].(type) {
	case []any:
		if len(v) != 2 {
			return 0
		}
		lo, hi := asMillis(v[0]), asMillis(v[1])
		if hi <= lo {
			return lo
		}
		return lo + time.Duration(rand.Int63n(int64(hi-lo)))
	default:
		return asMillis(v)
	}
}

func asMillis(v any) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	case float64:
		return time.Duration(n * float64(time.Millisecond))
	default:
		return 0
	}
}

// runHTTP posts the task input as a JSON document to config.url and decodes
// a JSON object response. Statuses of 400 and above fail as tool faults.
func (x *Executor) runHTTP(ctx context.Context, req dispatch.TaskRequest) (map[string]any, error) {
	url, _ := req.Config["url"].(string)
	if url == "" {
		return nil, fault.Validation("config.url", "http action requires a url")
	}
	body, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fault.Wrap(fault.KindTool, "encode http request body", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindTool, "build http request", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if hdrs, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			hreq.Header.Set(k, fmt.Sprint(v))
		}
	}
	resp, err := x.httpc.Do(hreq)
	if err != nil {
		return nil, fault.Wrap(fault.KindTool, "http action", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fault.Wrap(fault.KindTool, "read http response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fault.Newf(fault.KindTool, "http action returned %d: %s", resp.StatusCode, snippet(data))
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Newf(fault.KindTool, "http action returned a non-object body: %s", snippet(data))
	}
	return out, nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

// runLLM performs a one-shot completion: config.prompt is a text template
// rendered over the task input, sent through the model profile named by
// config.modelProfileRef or config.modelProfileId.
func (x *Executor) runLLM(ctx context.Context, req dispatch.TaskRequest) (map[string]any, error) {
	if x.cfg.Models == nil || x.cfg.Definitions == nil {
		return nil, fault.New(fault.KindInternal, "llm action requires a model registry and definition service")
	}
	profile, err := x.modelProfile(ctx, req.Config)
	if err != nil {
		return nil, err
	}
	client, ok := x.cfg.Models.Lookup(profile.Provider)
	if !ok {
		return nil, fault.Newf(fault.KindLLM, "no model client registered for provider %q", profile.Provider)
	}
	prompt, err := renderPrompt(req.Config, req.Input)
	if err != nil {
		return nil, err
	}
	sys, _ := req.Config["systemPrompt"].(string)
	resp, err := client.Complete(ctx, model.Request{
		Model:       profile.Model,
		System:      sys,
		Messages:    []model.Message{{Role: model.RoleUser, Content: prompt}},
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindLLM, "llm action", err)
	}
	out := map[string]any{"text": resp.Text, "stopReason": resp.StopReason}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		out["usage"] = map[string]any{
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

// modelProfile resolves the profile from config.modelProfileId (pinned) or
// config.modelProfileRef ("name" or "name@version", unowned).
func (x *Executor) modelProfile(ctx context.Context, cfg map[string]any) (*definition.ModelProfile, error) {
	var (
		def *definition.Definition
		err error
	)
	if id, ok := cfg["modelProfileId"].(string); ok && id != "" {
		def, err = x.cfg.Definitions.Get(ctx, id, cfgInt(cfg, "modelProfileVersion"))
	} else if ref, ok := cfg["modelProfileRef"].(string); ok && ref != "" {
		def, err = x.cfg.Definitions.Resolve(ctx, definition.KindModelProfile, ref, definition.Owner{})
	} else {
		return nil, fault.Validation("config.modelProfileRef", "llm action requires a model profile")
	}
	if err != nil {
		return nil, err
	}
	return definition.DecodeModelProfile(def)
}

func cfgInt(cfg map[string]any, key string) int {
	switch n := cfg[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// renderPrompt executes config.prompt as a text/template over the input
// document, so prompts reference input fields as {{.field}}.
func renderPrompt(cfg, input map[string]any) (string, error) {
	raw, _ := cfg["prompt"].(string)
	if raw == "" {
		return "", fault.Validation("config.prompt", "llm action requires a prompt template")
	}
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(raw)
	if err != nil {
		return "", fault.Wrap(fault.KindValidation, "parse prompt template", err)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, input); err != nil {
		return "", fault.Wrap(fault.KindTool, "render prompt template", err)
	}
	return buf.String(), nil
}
