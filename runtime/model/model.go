// Package model defines the provider-agnostic LLM client contract used by
// conversation runners and the llm task action. Implementations wrap provider
// SDKs (Anthropic, OpenAI) and translate Request/Response to provider
// formats; they must be safe for concurrent use.
package model

import (
	"context"
	"errors"
)

// ErrRateLimited marks provider throttling (HTTP 429). Adapters wrap the
// provider error with it so middleware can back off and retry policies can
// tell throttling from hard failures.
var ErrRateLimited = errors.New("model: rate limited")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

type (
	// Client invokes chat completions against a model provider.
	Client interface {
		// Complete sends one completion request and returns the full response.
		// Provider failures are classified as llm faults.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request is a normalized completion request. The JSON form is the
	// llmRequest document produced by context-assembly workflows.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string `json:"model,omitempty"`
		// System is the system prompt, kept separate from the message history.
		System string `json:"system,omitempty"`
		// Messages is the ordered chat history.
		Messages []Message `json:"messages,omitempty"`
		// Tools lists the tool schemas exposed for function calling.
		Tools []ToolDefinition `json:"tools,omitempty"`
		// Temperature is the sampling temperature.
		Temperature float64 `json:"temperature,omitempty"`
		// MaxTokens caps the completion length; 0 uses the provider default.
		MaxTokens int `json:"maxTokens,omitempty"`
	}

	// Response is a normalized completion response.
	Response struct {
		// Text is the assistant text, empty when the model only called tools.
		Text string `json:"text,omitempty"`
		// ToolCalls lists tool invocations requested by the model.
		ToolCalls []ToolCall `json:"toolCalls,omitempty"`
		// Usage reports token counts when the provider supplies them.
		Usage Usage `json:"usage,omitempty"`
		// StopReason explains termination; normalized where possible.
		StopReason string `json:"stopReason,omitempty"`
	}

	// Message is one chat history entry.
	Message struct {
		// Role is system, user, assistant, or tool.
		Role string `json:"role"`
		// Content is the message text or serialized tool result.
		Content string `json:"content"`
		// ToolCallID links a tool-role message to the call it answers.
		ToolCallID string `json:"toolCallId,omitempty"`
		// ToolCalls echoes the calls an assistant message requested, so
		// history round-trips through providers that require them.
		ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	}

	// ToolDefinition is a tool schema shown to the model.
	ToolDefinition struct {
		// Name identifies the tool.
		Name string `json:"name"`
		// Description tells the model when to use it.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON Schema for the tool's arguments.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string `json:"id"`
		// Name is the requested tool.
		Name string `json:"name"`
		// Input is the decoded argument document.
		Input map[string]any `json:"input,omitempty"`
	}

	// Usage reports token consumption.
	Usage struct {
		// InputTokens counts prompt tokens.
		InputTokens int `json:"inputTokens,omitempty"`
		// OutputTokens counts completion tokens.
		OutputTokens int `json:"outputTokens,omitempty"`
	}
)

// Registry maps provider names to clients. The engine consults it when a
// model profile names its provider.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry from a provider-to-client map.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register installs a client under a provider name, replacing any previous one.
func (r *Registry) Register(provider string, c Client) {
	r.clients[provider] = c
}

// Lookup returns the client for provider, or false when none is installed.
func (r *Registry) Lookup(provider string) (Client, bool) {
	c, ok := r.clients[provider]
	return c, ok
}

// Providers lists the installed provider names.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
