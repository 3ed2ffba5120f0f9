package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	clientsmongo "goa.design/weave/features/store/mongo/clients/mongo"
)

// Options configures the Mongo-backed stores.
type Options struct {
	// URI is the MongoDB connection string.
	URI string
	// Database names the database holding every Weave collection.
	Database string
	// Timeout bounds individual store operations. Defaults to 5s.
	Timeout time.Duration
}

// Stores bundles the four Mongo-backed stores sharing one driver client.
type Stores struct {
	Definitions   *DefinitionStore
	Runs          *RunStore
	Conversations *ConversationStore
	Streams       *StreamStore

	client  *mongodriver.Client
	pingers []health.Pinger
}

// Connect dials MongoDB, verifies the connection, and builds the stores.
// Each per-domain client creates its indexes during construction, so a
// successful Connect leaves the database ready for traffic.
func Connect(ctx context.Context, opts Options) (*Stores, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	fail := func(err error) (*Stores, error) {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	definitions, err := clientsmongo.NewDefinitions(clientsmongo.DefinitionsOptions{
		Client:   client,
		Database: opts.Database,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	runs, err := clientsmongo.NewRuns(clientsmongo.RunsOptions{
		Client:   client,
		Database: opts.Database,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	conversations, err := clientsmongo.NewConversations(clientsmongo.ConversationsOptions{
		Client:   client,
		Database: opts.Database,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	streams, err := clientsmongo.NewStreams(clientsmongo.StreamsOptions{
		Client:   client,
		Database: opts.Database,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return fail(err)
	}

	definitionStore, err := NewDefinitionStore(definitions)
	if err != nil {
		return fail(err)
	}
	runStore, err := NewRunStore(runs)
	if err != nil {
		return fail(err)
	}
	conversationStore, err := NewConversationStore(conversations)
	if err != nil {
		return fail(err)
	}
	streamStore, err := NewStreamStore(streams)
	if err != nil {
		return fail(err)
	}

	return &Stores{
		Definitions:   definitionStore,
		Runs:          runStore,
		Conversations: conversationStore,
		Streams:       streamStore,
		client:        client,
		pingers:       []health.Pinger{definitions, runs, conversations, streams},
	}, nil
}

// Close releases the shared driver client.
func (s *Stores) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Pingers lists the per-domain health pingers for readiness checks.
func (s *Stores) Pingers() []health.Pinger {
	return s.pingers
}
