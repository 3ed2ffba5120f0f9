package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/weave/features/store/mongo/clients/mongo"
	"goa.design/weave/runtime/conversation"
)

// ConversationStore implements conversation.Store by delegating to the Mongo
// client.
type ConversationStore struct {
	client clientsmongo.Conversations
}

var _ conversation.Store = (*ConversationStore)(nil)

// NewConversationStore builds a ConversationStore using the provided client.
func NewConversationStore(client clientsmongo.Conversations) (*ConversationStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &ConversationStore{client: client}, nil
}

// SaveConversation upserts the conversation root.
func (s *ConversationStore) SaveConversation(ctx context.Context, c *conversation.Conversation) error {
	return s.client.SaveConversation(ctx, c)
}

// GetConversation returns the conversation, or conversation.ErrNotFound.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return s.client.GetConversation(ctx, id)
}

// SaveTurn upserts one turn row.
func (s *ConversationStore) SaveTurn(ctx context.Context, turn *conversation.Turn) error {
	return s.client.SaveTurn(ctx, turn)
}

// ListTurns returns the conversation's turns in creation order.
func (s *ConversationStore) ListTurns(ctx context.Context, conversationID string) ([]*conversation.Turn, error) {
	return s.client.ListTurns(ctx, conversationID)
}

// SaveMessage upserts one transcript row.
func (s *ConversationStore) SaveMessage(ctx context.Context, msg *conversation.Message) error {
	return s.client.SaveMessage(ctx, msg)
}

// ListMessages returns the transcript in insertion order.
func (s *ConversationStore) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	return s.client.ListMessages(ctx, conversationID)
}

// SaveMove upserts one move row.
func (s *ConversationStore) SaveMove(ctx context.Context, mv *conversation.Move) error {
	return s.client.SaveMove(ctx, mv)
}

// ListMoves returns the turn's moves in index order.
func (s *ConversationStore) ListMoves(ctx context.Context, turnID string) ([]*conversation.Move, error) {
	return s.client.ListMoves(ctx, turnID)
}
