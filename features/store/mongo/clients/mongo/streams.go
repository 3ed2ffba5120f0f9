package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
)

const (
	defaultEventsCollection   = "events"
	defaultTracesCollection   = "traces"
	defaultCountersCollection = "stream_counters"
	defaultPendingCollection  = "stream_pending"
	streamsClientName         = "streams-mongo"
)

// Streams exposes Mongo-backed operations for the streaming layer: event
// and trace rows, per-stream sequence counters, and the write-ahead window.
// Row inserts are idempotent on (stream, seq); duplicate keys are dropped so
// crash-replay of the write-ahead window is safe.
type Streams interface {
	health.Pinger

	LoadCounters(ctx context.Context, streamID string) (stream.Counters, error)
	SaveCounters(ctx context.Context, streamID string, c stream.Counters) error

	AppendPendingEvent(ctx context.Context, streamID string, e *event.Event) error
	AppendPendingTrace(ctx context.Context, streamID string, t *event.TraceEvent) error
	LoadPending(ctx context.Context, streamID string) (stream.Pending, error)
	ClearPendingEvents(ctx context.Context, streamID string, upTo uint64) error
	ClearPendingTraces(ctx context.Context, streamID string, upTo uint64) error

	InsertEvents(ctx context.Context, events []*event.Event) error
	InsertTraces(ctx context.Context, traces []*event.TraceEvent) error
	ListEvents(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error)
	ListTraces(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.TraceEvent, error)
}

// StreamsOptions configures the Mongo streams client.
type StreamsOptions struct {
	Client             *mongodriver.Client
	Database           string
	EventsCollection   string
	TracesCollection   string
	CountersCollection string
	PendingCollection  string
	Timeout            time.Duration
}

type streamsClient struct {
	mongo    *mongodriver.Client
	events   collection
	traces   collection
	counters collection
	pending  collection
	timeout  time.Duration
}

// NewStreams returns a Streams client backed by MongoDB.
func NewStreams(opts StreamsOptions) (Streams, error) {
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
		{&opts.EventsCollection, defaultEventsCollection},
		{&opts.TracesCollection, defaultTracesCollection},
		{&opts.CountersCollection, defaultCountersCollection},
		{&opts.PendingCollection, defaultPendingCollection},
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
	c := &streamsClient{
		mongo:    opts.Client,
		events:   mongoCollection{coll: db.Collection(opts.EventsCollection)},
		traces:   mongoCollection{coll: db.Collection(opts.TracesCollection)},
		counters: mongoCollection{coll: db.Collection(opts.CountersCollection)},
		pending:  mongoCollection{coll: db.Collection(opts.PendingCollection)},
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureStreamIndexes(ctx, c.events, c.traces, c.pending); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *streamsClient) Name() string {
	return streamsClientName
}

func (c *streamsClient) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *streamsClient) LoadCounters(ctx context.Context, streamID string) (stream.Counters, error) {
	if streamID == "" {
		return stream.Counters{}, errors.New("stream id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	var doc counterDocument
	if err := c.counters.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return stream.Counters{}, nil
		}
		return stream.Counters{}, err
	}
	return stream.Counters{EventSeq: uint64(doc.EventSeq), TraceSeq: uint64(doc.TraceSeq)}, nil
}

func (c *streamsClient) SaveCounters(ctx context.Context, streamID string, counters stream.Counters) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	doc := counterDocument{
		StreamID: streamID,
		EventSeq: int64(counters.EventSeq),
		TraceSeq: int64(counters.TraceSeq),
	}
	_, err := c.counters.ReplaceOne(ctx, bson.M{"_id": streamID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *streamsClient) AppendPendingEvent(ctx context.Context, streamID string, e *event.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	doc := pendingDocument{
		StreamID: streamID,
		Kind:     string(event.KindEvent),
		Seq:      int64(e.Seq),
		Event:    fromEvent(e),
	}
	if _, err := c.pending.InsertOne(ctx, doc); err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return err
	}
	return nil
}

func (c *streamsClient) AppendPendingTrace(ctx context.Context, streamID string, t *event.TraceEvent) error {
	if t == nil {
		return errors.New("trace is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	doc := pendingDocument{
		StreamID: streamID,
		Kind:     string(event.KindTrace),
		Seq:      int64(t.Seq),
		Trace:    fromTrace(t),
	}
	if _, err := c.pending.InsertOne(ctx, doc); err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return err
	}
	return nil
}

func (c *streamsClient) LoadPending(ctx context.Context, streamID string) (stream.Pending, error) {
	if streamID == "" {
		return stream.Pending{}, errors.New("stream id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.pending.Find(ctx, bson.M{"stream_id": streamID},
		options.Find().SetSort(bson.D{
			{Key: "kind", Value: 1},
			{Key: "seq", Value: 1},
		}))
	if err != nil {
		return stream.Pending{}, err
	}
	rows, err := decodeAll[pendingDocument](ctx, cur)
	if err != nil {
		return stream.Pending{}, err
	}
	return splitPending(rows), nil
}

func (c *streamsClient) ClearPendingEvents(ctx context.Context, streamID string, upTo uint64) error {
	return c.clearPending(ctx, streamID, string(event.KindEvent), upTo)
}

func (c *streamsClient) ClearPendingTraces(ctx context.Context, streamID string, upTo uint64) error {
	return c.clearPending(ctx, streamID, string(event.KindTrace), upTo)
}

func (c *streamsClient) clearPending(ctx context.Context, streamID, kind string, upTo uint64) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	filter := bson.M{
		"stream_id": streamID,
		"kind":      kind,
		"seq":       bson.M{"$lte": int64(upTo)},
	}
	_, err := c.pending.DeleteMany(ctx, filter)
	return err
}

func (c *streamsClient) InsertEvents(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, len(events))
	for i, e := range events {
		docs[i] = fromEvent(e)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return err
	}
	return nil
}

func (c *streamsClient) InsertTraces(ctx context.Context, traces []*event.TraceEvent) error {
	if len(traces) == 0 {
		return nil
	}
	docs := make([]any, len(traces))
	for i, t := range traces {
		docs[i] = fromTrace(t)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.traces.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return err
	}
	return nil
}

func (c *streamsClient) ListEvents(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.events.Find(ctx, seqWindowFilter(streamID, sinceSeq), listOptions(limit))
	if err != nil {
		return nil, err
	}
	rows, err := decodeAll[eventDocument](ctx, cur)
	if err != nil {
		return nil, err
	}
	out := make([]*event.Event, len(rows))
	for i, doc := range rows {
		out[i] = doc.toEvent()
	}
	return out, nil
}

func (c *streamsClient) ListTraces(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.TraceEvent, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.traces.Find(ctx, seqWindowFilter(streamID, sinceSeq), listOptions(limit))
	if err != nil {
		return nil, err
	}
	rows, err := decodeAll[traceDocument](ctx, cur)
	if err != nil {
		return nil, err
	}
	out := make([]*event.TraceEvent, len(rows))
	for i, doc := range rows {
		out[i] = doc.toTrace()
	}
	return out, nil
}

func seqWindowFilter(streamID string, sinceSeq uint64) bson.M {
	return bson.M{
		"stream_id": streamID,
		"seq":       bson.M{"$gt": int64(sinceSeq)},
	}
}

func listOptions(limit int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func splitPending(rows []*pendingDocument) stream.Pending {
	var out stream.Pending
	for _, row := range rows {
		switch {
		case row.Event != nil:
			out.Events = append(out.Events, row.Event.toEvent())
		case row.Trace != nil:
			out.Traces = append(out.Traces, row.Trace.toTrace())
		}
	}
	return out
}

// Sequence numbers are stored as int64: BSON has no unsigned integer type,
// and the converters keep the casts in one place.
type (
	eventDocument struct {
		ID             string         `bson:"_id"`
		StreamID       string         `bson:"stream_id"`
		Seq            int64          `bson:"seq"`
		Type           string         `bson:"type"`
		RunID          string         `bson:"run_id,omitempty"`
		ConversationID string         `bson:"conversation_id,omitempty"`
		TurnID         string         `bson:"turn_id,omitempty"`
		TokenID        string         `bson:"token_id,omitempty"`
		NodeID         string         `bson:"node_id,omitempty"`
		Payload        map[string]any `bson:"payload,omitempty"`
		Timestamp      time.Time      `bson:"ts"`
	}

	traceDocument struct {
		ID             string    `bson:"_id"`
		StreamID       string    `bson:"stream_id"`
		Seq            int64     `bson:"seq"`
		Category       string    `bson:"category"`
		Name           string    `bson:"name"`
		DurationMs     int64     `bson:"duration_ms,omitempty"`
		Input          []byte    `bson:"input,omitempty"`
		Output         []byte    `bson:"output,omitempty"`
		RunID          string    `bson:"run_id,omitempty"`
		ConversationID string    `bson:"conversation_id,omitempty"`
		Timestamp      time.Time `bson:"ts"`
	}

	counterDocument struct {
		StreamID string `bson:"_id"`
		EventSeq int64  `bson:"event_seq"`
		TraceSeq int64  `bson:"trace_seq"`
	}

	pendingDocument struct {
		StreamID string         `bson:"stream_id"`
		Kind     string         `bson:"kind"`
		Seq      int64          `bson:"seq"`
		Event    *eventDocument `bson:"event,omitempty"`
		Trace    *traceDocument `bson:"trace,omitempty"`
	}
)

func fromEvent(e *event.Event) *eventDocument {
	return &eventDocument{
		ID:             e.ID,
		StreamID:       e.StreamID,
		Seq:            int64(e.Seq),
		Type:           e.Type,
		RunID:          e.RunID,
		ConversationID: e.ConversationID,
		TurnID:         e.TurnID,
		TokenID:        e.TokenID,
		NodeID:         e.NodeID,
		Payload:        e.Payload,
		Timestamp:      e.Timestamp.UTC(),
	}
}

func (doc *eventDocument) toEvent() *event.Event {
	return &event.Event{
		ID:             doc.ID,
		StreamID:       doc.StreamID,
		Seq:            uint64(doc.Seq),
		Type:           doc.Type,
		RunID:          doc.RunID,
		ConversationID: doc.ConversationID,
		TurnID:         doc.TurnID,
		TokenID:        doc.TokenID,
		NodeID:         doc.NodeID,
		Payload:        doc.Payload,
		Timestamp:      doc.Timestamp,
	}
}

func fromTrace(t *event.TraceEvent) *traceDocument {
	return &traceDocument{
		ID:             t.ID,
		StreamID:       t.StreamID,
		Seq:            int64(t.Seq),
		Category:       string(t.Category),
		Name:           t.Name,
		DurationMs:     t.DurationMs,
		Input:          append([]byte(nil), t.Input...),
		Output:         append([]byte(nil), t.Output...),
		RunID:          t.RunID,
		ConversationID: t.ConversationID,
		Timestamp:      t.Timestamp.UTC(),
	}
}

func (doc *traceDocument) toTrace() *event.TraceEvent {
	return &event.TraceEvent{
		ID:             doc.ID,
		StreamID:       doc.StreamID,
		Seq:            uint64(doc.Seq),
		Category:       event.Category(doc.Category),
		Name:           doc.Name,
		DurationMs:     doc.DurationMs,
		Input:          json.RawMessage(append([]byte(nil), doc.Input...)),
		Output:         json.RawMessage(append([]byte(nil), doc.Output...)),
		RunID:          doc.RunID,
		ConversationID: doc.ConversationID,
		Timestamp:      doc.Timestamp,
	}
}

func ensureStreamIndexes(ctx context.Context, events, traces, pending collection) error {
	rowIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "stream_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := events.Indexes().CreateOne(ctx, rowIndex); err != nil {
		return err
	}
	if _, err := traces.Indexes().CreateOne(ctx, rowIndex); err != nil {
		return err
	}
	pendingIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "stream_id", Value: 1},
			{Key: "kind", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := pending.Indexes().CreateOne(ctx, pendingIndex)
	return err
}
