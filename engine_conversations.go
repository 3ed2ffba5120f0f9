package weave

import (
	"context"
	"time"

	"goa.design/weave/runtime/conversation"
)

// StartConversation resolves the persona, persists the conversation, and
// spawns its runner. The conversation accepts messages immediately.
func (e *Engine) StartConversation(ctx context.Context, req conversation.StartRequest) (string, error) {
	return e.runners.StartConversation(ctx, req)
}

// PostMessage opens a user turn on the conversation. It returns the turn id
// once the turn is created and its transcript entry persisted; the turn
// itself runs asynchronously. A positive delay defers the turn's loop.
func (e *Engine) PostMessage(ctx context.Context, conversationID, content string, delay time.Duration) (string, error) {
	return e.runners.PostMessage(ctx, conversationID, content, delay)
}

// CancelTurn aborts a live turn. An empty turnID cancels every live turn on
// the conversation.
func (e *Engine) CancelTurn(ctx context.Context, conversationID, turnID string) error {
	return e.runners.Cancel(ctx, conversationID, turnID)
}

// CloseConversation drains live turns and outstanding memory extractions,
// rejects further posts, and persists the conversation as closed.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) error {
	return e.runners.Close(ctx, conversationID)
}

// InspectConversation returns a deep-copied snapshot of the conversation,
// its turns, and its transcript.
func (e *Engine) InspectConversation(ctx context.Context, conversationID string) (*conversation.Snapshot, error) {
	return e.runners.Inspect(ctx, conversationID)
}
