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

	"goa.design/weave/runtime/definition"
)

const (
	defaultDefinitionsCollection = "definitions"
	definitionsClientName        = "definitions-mongo"
)

// Definitions exposes Mongo-backed operations for versioned definitions.
type Definitions interface {
	health.Pinger

	Insert(ctx context.Context, def *definition.Definition, replace bool) error
	Get(ctx context.Context, id string, version int) (*definition.Definition, error)
	GetByReference(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (*definition.Definition, error)
	GetVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, version int) (*definition.Definition, error)
	GetByFingerprint(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, fingerprint string) (*definition.Definition, error)
	MaxVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (int, error)
	List(ctx context.Context, kind definition.Kind, owner definition.Owner) ([]*definition.Definition, error)
	History(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) ([]*definition.Definition, error)
}

// DefinitionsOptions configures the Mongo definitions client.
type DefinitionsOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type definitionsClient struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewDefinitions returns a Definitions client backed by MongoDB.
func NewDefinitions(opts DefinitionsOptions) (Definitions, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultDefinitionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureDefinitionIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &definitionsClient{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *definitionsClient) Name() string {
	return definitionsClientName
}

func (c *definitionsClient) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *definitionsClient) Insert(ctx context.Context, def *definition.Definition, replace bool) error {
	if def == nil {
		return errors.New("definition is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	if replace {
		filter := lineageFilter(def.Kind, def.Reference, def.Owner)
		filter["version"] = def.Version
		_, err := c.coll.ReplaceOne(ctx, filter, def, options.Replace().SetUpsert(true))
		return err
	}
	if _, err := c.coll.InsertOne(ctx, def); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return definition.ErrVersionExists
		}
		return err
	}
	return nil
}

func (c *definitionsClient) Get(ctx context.Context, id string, version int) (*definition.Definition, error) {
	if id == "" {
		return nil, errors.New("definition id is required")
	}
	filter := bson.M{"id": id}
	opts := options.FindOne()
	if version > 0 {
		filter["version"] = version
	} else {
		opts.SetSort(bson.D{{Key: "version", Value: -1}})
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return decodeDefinition(c.coll.FindOne(ctx, filter, opts))
}

func (c *definitionsClient) GetByReference(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (*definition.Definition, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	filter := lineageFilter(kind, reference, owner)
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	return decodeDefinition(c.coll.FindOne(ctx, filter, opts))
}

func (c *definitionsClient) GetVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, version int) (*definition.Definition, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	filter := lineageFilter(kind, reference, owner)
	filter["version"] = version
	return decodeDefinition(c.coll.FindOne(ctx, filter))
}

func (c *definitionsClient) GetByFingerprint(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner, fingerprint string) (*definition.Definition, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	filter := lineageFilter(kind, reference, owner)
	filter["fingerprint"] = fingerprint
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	return decodeDefinition(c.coll.FindOne(ctx, filter, opts))
}

func (c *definitionsClient) MaxVersion(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) (int, error) {
	latest, err := c.GetByReference(ctx, kind, reference, owner)
	if errors.Is(err, definition.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Version, nil
}

func (c *definitionsClient) List(ctx context.Context, kind definition.Kind, owner definition.Owner) ([]*definition.Definition, error) {
	filter := bson.M{"kind": kind}
	addOwnerClauses(filter, owner)
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	// Reference ascending, version descending: the first row of each
	// reference group is the lineage head.
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{
		{Key: "reference", Value: 1},
		{Key: "version", Value: -1},
	}))
	if err != nil {
		return nil, err
	}
	rows, err := decodeAll[definition.Definition](ctx, cur)
	if err != nil {
		return nil, err
	}
	return latestPerReference(rows), nil
}

func (c *definitionsClient) History(ctx context.Context, kind definition.Kind, reference string, owner definition.Owner) ([]*definition.Definition, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	filter := lineageFilter(kind, reference, owner)
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll[definition.Definition](ctx, cur)
}

// lineageFilter matches every version of one (kind, reference, owner) line.
func lineageFilter(kind definition.Kind, reference string, owner definition.Owner) bson.M {
	filter := bson.M{"kind": kind, "reference": reference}
	addOwnerClauses(filter, owner)
	return filter
}

// addOwnerClauses pins both owner sides. Empty sides are stored absent
// (omitempty), so the clause must assert absence rather than equality with
// the empty string.
func addOwnerClauses(filter bson.M, owner definition.Owner) {
	if owner.ProjectID != "" {
		filter["owner.projectId"] = owner.ProjectID
	} else {
		filter["owner.projectId"] = bson.M{"$exists": false}
	}
	if owner.LibraryID != "" {
		filter["owner.libraryId"] = owner.LibraryID
	} else {
		filter["owner.libraryId"] = bson.M{"$exists": false}
	}
}

// latestPerReference keeps the first row of each reference group. Rows must
// be sorted reference ascending, version descending.
func latestPerReference(rows []*definition.Definition) []*definition.Definition {
	var out []*definition.Definition
	for i, row := range rows {
		if i > 0 && rows[i-1].Reference == row.Reference {
			continue
		}
		out = append(out, row)
	}
	return out
}

func decodeDefinition(res singleResult) (*definition.Definition, error) {
	var def definition.Definition
	if err := res.Decode(&def); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, definition.ErrNotFound
		}
		return nil, err
	}
	return &def, nil
}

func ensureDefinitionIndexes(ctx context.Context, coll collection) error {
	lineage := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "kind", Value: 1},
			{Key: "reference", Value: 1},
			{Key: "owner.projectId", Value: 1},
			{Key: "owner.libraryId", Value: 1},
			{Key: "version", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, lineage); err != nil {
		return err
	}
	byID := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "id", Value: 1},
			{Key: "version", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, byID); err != nil {
		return err
	}
	fingerprint := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "kind", Value: 1},
			{Key: "reference", Value: 1},
			{Key: "owner.projectId", Value: 1},
			{Key: "owner.libraryId", Value: 1},
			{Key: "fingerprint", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, fingerprint)
	return err
}
