// Package modeltest provides a scripted model client for tests and demos.
// The client replays a queue of canned responses and records every request
// it receives, so tests can assert on prompts, histories, and tool wiring
// without a live provider.
package modeltest

import (
	"context"
	"sync"

	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/model"
)

// Client is a scripted model.Client. Responses play back in order; when the
// script runs dry, Complete fails with an llm fault unless a Handler is set.
type Client struct {
	mu       sync.Mutex
	script   []model.Response
	requests []model.Request

	// Handler, when set, serves requests after the script is exhausted.
	Handler func(ctx context.Context, req model.Request) (model.Response, error)
}

// Compile-time check that Client implements model.Client.
var _ model.Client = (*Client)(nil)

// New builds a scripted client that replays responses in order.
func New(responses ...model.Response) *Client {
	return &Client{script: responses}
}

// Complete pops the next scripted response and records the request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	select {
	case <-ctx.Done():
		return model.Response{}, ctx.Err()
	default:
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.script) > 0 {
		next := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		return next, nil
	}
	handler := c.Handler
	c.mu.Unlock()
	if handler != nil {
		return handler(ctx, req)
	}
	return model.Response{}, fault.Newf(fault.KindLLM, "scripted client exhausted after %d requests", len(c.requests))
}

// Enqueue appends responses to the script.
func (c *Client) Enqueue(responses ...model.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, responses...)
}

// Requests returns a copy of every request seen so far.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Remaining reports how many scripted responses are still queued.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.script)
}

// Text builds a final text response.
func Text(text string) model.Response {
	return model.Response{Text: text, StopReason: model.StopEndTurn}
}

// CallTool builds a response requesting a single tool invocation.
func CallTool(name string, input map[string]any) model.Response {
	return model.Response{
		ToolCalls:  []model.ToolCall{{ID: ids.New("call"), Name: name, Input: input}},
		StopReason: model.StopToolUse,
	}
}

// CallTools builds a response requesting several tool invocations at once.
func CallTools(calls ...model.ToolCall) model.Response {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = ids.New("call")
		}
	}
	return model.Response{ToolCalls: calls, StopReason: model.StopToolUse}
}
