package executor

import (
	"context"
	"encoding/json"

	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/model"
)

// AssemblePrompt builds the model request for a turn: the persona system
// prompt, the recent history, the new user message, and the persona's tool
// schemas. Conversation runners use it directly when a persona declares no
// context-assembly workflow; the assemble_prompt task action wraps it for
// personas that do.
func AssemblePrompt(profile *definition.ModelProfile, systemPrompt string, history []model.Message, userMessage string, tools []model.ToolDefinition) model.Request {
	msgs := make([]model.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	if userMessage != "" {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: userMessage})
	}
	req := model.Request{
		System:   systemPrompt,
		Messages: msgs,
		Tools:    tools,
	}
	if profile != nil {
		req.Model = profile.Model
		req.Temperature = profile.Temperature
		req.MaxTokens = profile.MaxTokens
	}
	return req
}

// RequestDoc renders a model request as the JSON document carried through
// workflow context ("llmRequest").
func RequestDoc(req model.Request) (map[string]any, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode llm request", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "decode llm request", err)
	}
	return doc, nil
}

// RequestFromDoc rebuilds a model request from an llmRequest document, the
// inverse of RequestDoc. Assembly workflows hand their output to runners in
// this form.
func RequestFromDoc(doc map[string]any) (model.Request, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return model.Request{}, fault.Wrap(fault.KindValidation, "encode llmRequest document", err)
	}
	var req model.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return model.Request{}, fault.Wrap(fault.KindValidation, "decode llmRequest document", err)
	}
	return req, nil
}

// runAssemble builds an llmRequest document from the assembly input shape
// that context-assembly workflows receive: systemPrompt, recentTurns,
// userMessage, tools, and an optional modelProfileId.
func (x *Executor) runAssemble(ctx context.Context, req dispatch.TaskRequest) (map[string]any, error) {
	history, err := decodeMessages(req.Input["recentTurns"])
	if err != nil {
		return nil, err
	}
	tools, err := decodeTools(req.Input["tools"])
	if err != nil {
		return nil, err
	}
	sys, _ := req.Input["systemPrompt"].(string)
	user, _ := req.Input["userMessage"].(string)

	var profile *definition.ModelProfile
	if id, ok := req.Input["modelProfileId"].(string); ok && id != "" {
		if x.cfg.Definitions == nil {
			return nil, fault.New(fault.KindInternal, "assemble_prompt action requires a definition service to resolve model profiles")
		}
		def, err := x.cfg.Definitions.Get(ctx, id, cfgInt(req.Input, "modelProfileVersion"))
		if err != nil {
			return nil, err
		}
		if profile, err = definition.DecodeModelProfile(def); err != nil {
			return nil, err
		}
	}

	doc, err := RequestDoc(AssemblePrompt(profile, sys, history, user, tools))
	if err != nil {
		return nil, err
	}
	return map[string]any{"llmRequest": doc}, nil
}

func decodeMessages(v any) ([]model.Message, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "encode recentTurns", err)
	}
	var out []model.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode recentTurns", err)
	}
	return out, nil
}

func decodeTools(v any) ([]model.ToolDefinition, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "encode tools", err)
	}
	var out []model.ToolDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode tools", err)
	}
	return out, nil
}
