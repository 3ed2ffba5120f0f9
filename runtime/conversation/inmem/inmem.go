// Package inmem provides an in-memory implementation of conversation.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"sync"

	"goa.design/weave/runtime/conversation"
)

// Store implements conversation.Store in memory. Records are deep-copied on
// both write and read so callers never share state with the store. List
// methods return insertion order: saves of new ids append, saves of known
// ids update in place.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	turns         map[string][]*conversation.Turn    // by conversation id
	messages      map[string][]*conversation.Message // by conversation id
	moves         map[string][]*conversation.Move    // by turn id
}

var _ conversation.Store = (*Store)(nil)

// New returns a new in-memory conversation store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*conversation.Conversation),
		turns:         make(map[string][]*conversation.Turn),
		messages:      make(map[string][]*conversation.Message),
		moves:         make(map[string][]*conversation.Move),
	}
}

// SaveConversation implements conversation.Store.
func (s *Store) SaveConversation(_ context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c.Clone()
	return nil
}

// GetConversation implements conversation.Store.
func (s *Store) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return c.Clone(), nil
}

// SaveTurn implements conversation.Store.
func (s *Store) SaveTurn(_ context.Context, turn *conversation.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.turns[turn.ConversationID]
	for i, t := range rows {
		if t.ID == turn.ID {
			rows[i] = turn.Clone()
			return nil
		}
	}
	s.turns[turn.ConversationID] = append(rows, turn.Clone())
	return nil
}

// ListTurns implements conversation.Store.
func (s *Store) ListTurns(_ context.Context, conversationID string) ([]*conversation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.turns[conversationID]
	out := make([]*conversation.Turn, len(rows))
	for i, t := range rows {
		out[i] = t.Clone()
	}
	return out, nil
}

// SaveMessage implements conversation.Store.
func (s *Store) SaveMessage(_ context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.messages[msg.ConversationID]
	for i, m := range rows {
		if m.ID == msg.ID {
			rows[i] = msg.Clone()
			return nil
		}
	}
	s.messages[msg.ConversationID] = append(rows, msg.Clone())
	return nil
}

// ListMessages implements conversation.Store.
func (s *Store) ListMessages(_ context.Context, conversationID string) ([]*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.messages[conversationID]
	out := make([]*conversation.Message, len(rows))
	for i, m := range rows {
		out[i] = m.Clone()
	}
	return out, nil
}

// SaveMove implements conversation.Store.
func (s *Store) SaveMove(_ context.Context, mv *conversation.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.moves[mv.TurnID]
	for i, m := range rows {
		if m.ID == mv.ID {
			rows[i] = mv.Clone()
			return nil
		}
	}
	s.moves[mv.TurnID] = append(rows, mv.Clone())
	return nil
}

// ListMoves implements conversation.Store.
func (s *Store) ListMoves(_ context.Context, turnID string) ([]*conversation.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.moves[turnID]
	out := make([]*conversation.Move, len(rows))
	for i, m := range rows {
		out[i] = m.Clone()
	}
	return out, nil
}
