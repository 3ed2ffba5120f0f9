// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates Weave completion requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool use, usage) back into the provider-neutral
// structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/weave/runtime/model"
)

// defaultMaxTokens caps completions when neither the request nor Options set
// a limit. The Messages API requires an explicit max_tokens on every call.
const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Required. Use the typed model
		// constants from github.com/anthropics/anthropic-sdk-go or the
		// identifiers from the Anthropic model catalogue.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero uses defaultMaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client from the provided Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the provider-neutral form (text, tool calls, usage).
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg, provToCanon)
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, provToCanon, nil
}

// encodeMessages renders the request history as Messages API turns. The
// request System field and any system-role messages become system blocks;
// tool-role messages become tool_result blocks inside user turns, which is
// how the Messages API expects tool output to come back.
func encodeMessages(req model.Request) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	system := make([]sdk.TextBlockParam, 0, 1)
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				if call.Name == "" {
					return nil, nil, errors.New("anthropic: assistant tool call missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Input, sanitizeToolName(call.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool message missing toolCallId")
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// encodeTools renders tool definitions and returns the sanitized-to-canonical
// name map used to translate tool calls in the response back to the names the
// engine dispatched them under.
func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf(
				"anthropic: tool name %q sanitizes to %q which collides with %q",
				def.Name, sanitized, prev,
			)
		}
		provToCanon[sanitized] = def.Name
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return toolList, provToCanon, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	// Round-trip through JSON so nested values carry plain JSON types.
	raw, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// sanitizeToolName maps a definition name to the characters Anthropic allows
// in tool names by replacing any disallowed rune with '_'. Definition names
// are usually already safe slugs; the replacement keeps the adapter total.
func sanitizeToolName(in string) string {
	if isProviderSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

func translateResponse(msg *sdk.Message, provToCanon map[string]string) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var (
		resp model.Response
		text strings.Builder
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			// When the model hallucinates a tool name that was not advertised
			// in this request, the reverse map will not contain it. Surface
			// the call as-is and let the runner fail it as an unknown tool.
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  name,
				Input: decodeToolInput(block.Input),
			})
		}
	}
	resp.Text = text.String()
	resp.Usage = model.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	// Anthropic stop reasons already use the normalized spelling for
	// end_turn, tool_use, and max_tokens.
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var in map[string]any
	if err := json.Unmarshal(raw, &in); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return in
}
