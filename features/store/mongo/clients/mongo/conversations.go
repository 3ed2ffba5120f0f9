package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/weave/runtime/conversation"
)

const (
	defaultConversationsCollection = "conversations"
	defaultTurnsCollection         = "turns"
	defaultMessagesCollection      = "messages"
	defaultMovesCollection         = "moves"
	conversationsClientName        = "conversations-mongo"
)

// Conversations exposes Mongo-backed operations for conversation state:
// the conversation roots, their turns, the transcript, and the move log.
type Conversations interface {
	health.Pinger

	SaveConversation(ctx context.Context, c *conversation.Conversation) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	SaveTurn(ctx context.Context, turn *conversation.Turn) error
	ListTurns(ctx context.Context, conversationID string) ([]*conversation.Turn, error)
	SaveMessage(ctx context.Context, msg *conversation.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error)
	SaveMove(ctx context.Context, mv *conversation.Move) error
	ListMoves(ctx context.Context, turnID string) ([]*conversation.Move, error)
}

// ConversationsOptions configures the Mongo conversations client.
type ConversationsOptions struct {
	Client                  *mongodriver.Client
	Database                string
	ConversationsCollection string
	TurnsCollection         string
	MessagesCollection      string
	MovesCollection         string
	Timeout                 time.Duration
}

type conversationsClient struct {
	mongo         *mongodriver.Client
	conversations collection
	turns         collection
	messages      collection
	moves         collection
	timeout       time.Duration
}

// NewConversations returns a Conversations client backed by MongoDB.
func NewConversations(opts ConversationsOptions) (Conversations, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	names := []struct {
		name     *string
		fallback string
	}{
		{&opts.ConversationsCollection, defaultConversationsCollection},
		{&opts.TurnsCollection, defaultTurnsCollection},
		{&opts.MessagesCollection, defaultMessagesCollection},
		{&opts.MovesCollection, defaultMovesCollection},
	}
	for _, n := range names {
		if *n.name == "" {
			*n.name = n.fallback
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &conversationsClient{
		mongo:         opts.Client,
		conversations: mongoCollection{coll: db.Collection(opts.ConversationsCollection)},
		turns:         mongoCollection{coll: db.Collection(opts.TurnsCollection)},
		messages:      mongoCollection{coll: db.Collection(opts.MessagesCollection)},
		moves:         mongoCollection{coll: db.Collection(opts.MovesCollection)},
		timeout:       timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureConversationIndexes(ctx, c.turns, c.messages, c.moves); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *conversationsClient) Name() string {
	return conversationsClientName
}

func (c *conversationsClient) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *conversationsClient) SaveConversation(ctx context.Context, conv *conversation.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.conversations.ReplaceOne(ctx, bson.M{"_id": conv.ID}, conv, options.Replace().SetUpsert(true))
	return err
}

func (c *conversationsClient) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	var conv conversation.Conversation
	if err := c.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conv); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, conversation.ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (c *conversationsClient) SaveTurn(ctx context.Context, turn *conversation.Turn) error {
	if turn == nil {
		return errors.New("turn is required")
	}
	if turn.ID == "" {
		return errors.New("turn id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.turns.ReplaceOne(ctx, bson.M{"_id": turn.ID}, turn, options.Replace().SetUpsert(true))
	return err
}

func (c *conversationsClient) ListTurns(ctx context.Context, conversationID string) ([]*conversation.Turn, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.turns.Find(ctx, bson.M{"conversationId": conversationID},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll[conversation.Turn](ctx, cur)
}

func (c *conversationsClient) SaveMessage(ctx context.Context, msg *conversation.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.messages.ReplaceOne(ctx, bson.M{"_id": msg.ID}, msg, options.Replace().SetUpsert(true))
	return err
}

func (c *conversationsClient) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.messages.Find(ctx, bson.M{"conversationId": conversationID},
		options.Find().SetSort(bson.D{
			{Key: "createdAt", Value: 1},
			{Key: "_id", Value: 1},
		}))
	if err != nil {
		return nil, err
	}
	return decodeAll[conversation.Message](ctx, cur)
}

func (c *conversationsClient) SaveMove(ctx context.Context, mv *conversation.Move) error {
	if mv == nil {
		return errors.New("move is required")
	}
	if mv.ID == "" {
		return errors.New("move id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.moves.ReplaceOne(ctx, bson.M{"_id": mv.ID}, mv, options.Replace().SetUpsert(true))
	return err
}

func (c *conversationsClient) ListMoves(ctx context.Context, turnID string) ([]*conversation.Move, error) {
	if turnID == "" {
		return nil, errors.New("turn id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.moves.Find(ctx, bson.M{"turnId": turnID},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll[conversation.Move](ctx, cur)
}

func ensureConversationIndexes(ctx context.Context, turns, messages, moves collection) error {
	turnIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversationId", Value: 1},
			{Key: "index", Value: 1},
		},
	}
	if _, err := turns.Indexes().CreateOne(ctx, turnIndex); err != nil {
		return err
	}
	messageIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversationId", Value: 1},
			{Key: "createdAt", Value: 1},
		},
	}
	if _, err := messages.Indexes().CreateOne(ctx, messageIndex); err != nil {
		return err
	}
	moveIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "turnId", Value: 1},
			{Key: "index", Value: 1},
		},
	}
	_, err := moves.Indexes().CreateOne(ctx, moveIndex)
	return err
}
