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

	"goa.design/weave/runtime/workflow"
)

const (
	defaultRunsCollection = "workflow_runs"
	runsClientName        = "runs-mongo"
)

// Runs exposes Mongo-backed operations for workflow run snapshots.
type Runs interface {
	health.Pinger

	SaveRun(ctx context.Context, run *workflow.Run) error
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	ListActive(ctx context.Context) ([]*workflow.Run, error)
}

// RunsOptions configures the Mongo runs client.
type RunsOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type runsClient struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewRuns returns a Runs client backed by MongoDB.
func NewRuns(opts RunsOptions) (Runs, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureRunIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &runsClient{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *runsClient) Name() string {
	return runsClientName
}

func (c *runsClient) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *runsClient) SaveRun(ctx context.Context, run *workflow.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": run.ID}, run, options.Replace().SetUpsert(true))
	return err
}

func (c *runsClient) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	if id == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	var run workflow.Run
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&run); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (c *runsClient) ListActive(ctx context.Context) ([]*workflow.Run, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	filter := bson.M{"status": bson.M{"$in": []workflow.RunStatus{workflow.RunPending, workflow.RunRunning}}}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "startedAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll[workflow.Run](ctx, cur)
}

func ensureRunIndexes(ctx context.Context, coll collection) error {
	active := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "startedAt", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, active)
	return err
}
