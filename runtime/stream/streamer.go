package stream

import (
	"context"
	"time"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/telemetry"
)

// Streamer mailbox messages.
type (
	publishEventMsg struct {
		ev    *event.Event
		reply *actor.Future[uint64]
	}
	publishTraceMsg struct {
		tr    *event.TraceEvent
		reply *actor.Future[uint64]
	}
	subscribeMsg struct {
		filter event.Filter
		reply  *actor.Future[*Subscription]
	}
	unsubscribeMsg struct {
		subID string
	}
	flushTimerMsg struct {
		kind event.Kind
	}
	drainMsg struct {
		reply *actor.Future[struct{}]
	}
)

// Timer keys on the streamer actor.
const (
	eventFlushTimer = "flush-events"
	traceFlushTimer = "flush-traces"
)

// streamer owns the sequencing, buffering, and broadcast state of one stream
// key. All fields are touched only on the actor goroutine.
type streamer struct {
	streamID string
	store    Store
	sinks    []Sink
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	self     *actor.Ref

	loaded   bool
	counters Counters

	eventBuf []*event.Event
	traceBuf []*event.TraceEvent

	// Consecutive failed insert attempts for the chunk at the head of each
	// buffer; resets on success or drop.
	eventRetries int
	traceRetries int

	subs map[string]*subscriber
}

// subscriber tracks one live subscription on the actor.
type subscriber struct {
	sub    *Subscription
	filter event.Filter
}

func newStreamer(streamID string, store Store, sinks []Sink, logger telemetry.Logger, metrics telemetry.Metrics) *streamer {
	return &streamer{
		streamID: streamID,
		store:    store,
		sinks:    sinks,
		logger:   logger,
		metrics:  metrics,
		subs:     make(map[string]*subscriber),
	}
}

// handler builds the actor handler for this streamer.
func (s *streamer) handler(self *actor.Ref) actor.Handler {
	s.self = self
	return func(ctx context.Context, msg any) {
		switch m := msg.(type) {
		case publishEventMsg:
			s.handlePublishEvent(ctx, m)
		case publishTraceMsg:
			s.handlePublishTrace(ctx, m)
		case subscribeMsg:
			s.handleSubscribe(ctx, m)
		case unsubscribeMsg:
			s.removeSubscriber(m.subID)
		case flushTimerMsg:
			if m.kind == event.KindEvent {
				s.flushEvents(ctx)
			} else {
				s.flushTraces(ctx)
			}
		case drainMsg:
			s.flushEvents(ctx)
			s.flushTraces(ctx)
			s.closeSubscribers()
			m.reply.Resolve(struct{}{})
		default:
			s.logger.Warn(ctx, "streamer received unknown message", "stream_id", s.streamID)
		}
	}
}

// ensureLoaded restores counters and replays the write-ahead window left by a
// previous process. Runs before the first record is sequenced.
func (s *streamer) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	counters, err := s.store.LoadCounters(ctx, s.streamID)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "load stream counters", err)
	}
	pending, err := s.store.LoadPending(ctx, s.streamID)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "load stream write-ahead window", err)
	}
	s.counters = counters
	s.eventBuf = pending.Events
	s.traceBuf = pending.Traces
	s.loaded = true
	if len(pending.Events) > 0 || len(pending.Traces) > 0 {
		s.logger.Info(ctx, "recovered write-ahead rows",
			"stream_id", s.streamID,
			"events", len(pending.Events),
			"traces", len(pending.Traces))
		s.flushEvents(ctx)
		s.flushTraces(ctx)
	}
	return nil
}

func (s *streamer) handlePublishEvent(ctx context.Context, m publishEventMsg) {
	if err := s.ensureLoaded(ctx); err != nil {
		m.reply.Fail(err)
		return
	}
	ev := m.ev
	s.counters.EventSeq++
	ev.Seq = s.counters.EventSeq
	if ev.ID == "" {
		ev.ID = ids.Event()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.StreamID = s.streamID

	// Counter and write-ahead row persist before anyone observes the seq.
	if err := s.store.SaveCounters(ctx, s.streamID, s.counters); err != nil {
		s.counters.EventSeq--
		m.reply.Fail(fault.Wrap(fault.KindStorage, "save stream counters", err))
		return
	}
	if err := s.store.AppendPendingEvent(ctx, s.streamID, ev); err != nil {
		m.reply.Fail(fault.Wrap(fault.KindStorage, "append write-ahead event", err))
		return
	}
	s.eventBuf = append(s.eventBuf, ev)
	s.metrics.IncCounter("stream.events_published", 1)

	s.broadcast(ctx, ev.ToEnvelope())
	m.reply.Resolve(ev.Seq)

	// The flush threshold counts both buffers combined.
	if len(s.eventBuf)+len(s.traceBuf) >= BatchSize {
		s.flushEvents(ctx)
		s.flushTraces(ctx)
	} else if len(s.eventBuf) == 1 {
		s.self.After(eventFlushTimer, FlushInterval, flushTimerMsg{kind: event.KindEvent})
	}
}

func (s *streamer) handlePublishTrace(ctx context.Context, m publishTraceMsg) {
	if err := s.ensureLoaded(ctx); err != nil {
		m.reply.Fail(err)
		return
	}
	tr := m.tr
	s.counters.TraceSeq++
	tr.Seq = s.counters.TraceSeq
	if tr.ID == "" {
		tr.ID = ids.Trace()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}
	tr.StreamID = s.streamID

	if err := s.store.SaveCounters(ctx, s.streamID, s.counters); err != nil {
		s.counters.TraceSeq--
		m.reply.Fail(fault.Wrap(fault.KindStorage, "save stream counters", err))
		return
	}
	if err := s.store.AppendPendingTrace(ctx, s.streamID, tr); err != nil {
		m.reply.Fail(fault.Wrap(fault.KindStorage, "append write-ahead trace", err))
		return
	}
	s.traceBuf = append(s.traceBuf, tr)
	s.metrics.IncCounter("stream.traces_published", 1)

	s.broadcast(ctx, tr.ToEnvelope())
	m.reply.Resolve(tr.Seq)

	if len(s.eventBuf)+len(s.traceBuf) >= BatchSize {
		s.flushEvents(ctx)
		s.flushTraces(ctx)
	} else if len(s.traceBuf) == 1 {
		s.self.After(traceFlushTimer, FlushInterval, flushTimerMsg{kind: event.KindTrace})
	}
}

// handleSubscribe attaches a live subscriber, replaying history first when
// the filter requests it. Replay runs on the actor goroutine so no publish
// interleaves between the history snapshot and the live attach.
func (s *streamer) handleSubscribe(ctx context.Context, m subscribeMsg) {
	if err := s.ensureLoaded(ctx); err != nil {
		m.reply.Fail(err)
		return
	}
	sub := &Subscription{
		id: ids.New("sub"),
		ch: make(chan event.Envelope, SubscriberBuffer),
	}
	self := s.self
	subID := sub.id
	sub.cancel = func() { _ = self.TryPost(unsubscribeMsg{subID: subID}) }

	var backlog []event.Envelope
	if m.filter.Replay {
		backlog = s.replay(ctx, m.filter)
	}
	entry := &subscriber{sub: sub, filter: m.filter}
	s.subs[sub.id] = entry
	for _, env := range backlog {
		if !s.deliver(ctx, entry, env) {
			break
		}
	}
	m.reply.Resolve(sub)
}

// replay assembles persisted rows plus the unflushed write-ahead window with
// Seq > filter.SinceSeq, in seq order per kind.
func (s *streamer) replay(ctx context.Context, f event.Filter) []event.Envelope {
	var out []event.Envelope
	lowestBuffered := uint64(0)
	if len(s.eventBuf) > 0 {
		lowestBuffered = s.eventBuf[0].Seq
	}
	events, err := s.store.ListEvents(ctx, s.streamID, f.SinceSeq, 0)
	if err != nil {
		s.logger.Error(ctx, "replay list events failed", "stream_id", s.streamID, "err", err)
	}
	for _, ev := range events {
		// The write-ahead window may already be persisted after a crash
		// replay; prefer the buffered copy to avoid duplicates.
		if lowestBuffered > 0 && ev.Seq >= lowestBuffered {
			continue
		}
		env := ev.ToEnvelope()
		if f.MatchesEnvelope(env) {
			out = append(out, env)
		}
	}
	for _, ev := range s.eventBuf {
		if ev.Seq <= f.SinceSeq {
			continue
		}
		env := ev.ToEnvelope()
		if f.MatchesEnvelope(env) {
			out = append(out, env)
		}
	}

	lowestBuffered = 0
	if len(s.traceBuf) > 0 {
		lowestBuffered = s.traceBuf[0].Seq
	}
	traces, err := s.store.ListTraces(ctx, s.streamID, f.SinceSeq, 0)
	if err != nil {
		s.logger.Error(ctx, "replay list traces failed", "stream_id", s.streamID, "err", err)
	}
	for _, tr := range traces {
		if lowestBuffered > 0 && tr.Seq >= lowestBuffered {
			continue
		}
		env := tr.ToEnvelope()
		if f.MatchesEnvelope(env) {
			out = append(out, env)
		}
	}
	for _, tr := range s.traceBuf {
		if tr.Seq <= f.SinceSeq {
			continue
		}
		env := tr.ToEnvelope()
		if f.MatchesEnvelope(env) {
			out = append(out, env)
		}
	}
	return out
}

// broadcast delivers an envelope to every matching subscriber and sink.
func (s *streamer) broadcast(ctx context.Context, env event.Envelope) {
	for _, entry := range s.subs {
		if !entry.filter.MatchesEnvelope(env) {
			continue
		}
		s.deliver(ctx, entry, env)
	}
	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, env); err != nil {
			s.logger.Warn(ctx, "sink delivery failed",
				"stream_id", s.streamID, "seq", env.Seq, "err", err)
		}
	}
}

// deliver sends one envelope without blocking. A full channel means the
// subscriber lagged past its buffer: it is dropped and its channel closed.
func (s *streamer) deliver(ctx context.Context, entry *subscriber, env event.Envelope) bool {
	select {
	case entry.sub.ch <- env:
		return true
	default:
		s.metrics.IncCounter("stream.subscriber_dropped", 1)
		s.logger.Warn(ctx, "subscriber lagged, dropping",
			"stream_id", s.streamID, "subscription_id", entry.sub.id)
		s.removeSubscriber(entry.sub.id)
		return false
	}
}

func (s *streamer) removeSubscriber(id string) {
	if entry, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(entry.sub.ch)
	}
}

func (s *streamer) closeSubscribers() {
	for id := range s.subs {
		s.removeSubscriber(id)
	}
}

// flushEvents persists the buffered event rows in RowsPerInsert chunks. A
// failed chunk stays buffered and the flush timer re-arms with doubling
// backoff, so retries never stall the actor goroutine. A chunk that still
// fails after MaxRetryAttempts is dropped: the counters never rewind, so the
// drop leaves a logged gap in history rather than a sequence regression.
func (s *streamer) flushEvents(ctx context.Context) {
	s.self.CancelTimer(eventFlushTimer)
	for len(s.eventBuf) > 0 {
		n := min(RowsPerInsert, len(s.eventBuf))
		chunk := s.eventBuf[:n]
		if err := s.store.InsertEvents(ctx, chunk); err != nil {
			s.eventRetries++
			if s.eventRetries < MaxRetryAttempts {
				s.self.After(eventFlushTimer, retryDelay(s.eventRetries),
					flushTimerMsg{kind: event.KindEvent})
				return
			}
			s.eventRetries = 0
			s.metrics.IncCounter("stream.rows_dropped", float64(n))
			s.logger.Error(ctx, "dropping event chunk after retries",
				"stream_id", s.streamID,
				"from_seq", chunk[0].Seq,
				"to_seq", chunk[n-1].Seq,
				"err", err)
		} else {
			s.eventRetries = 0
			s.metrics.IncCounter("stream.flush_batches", 1)
		}
		if cerr := s.store.ClearPendingEvents(ctx, s.streamID, chunk[n-1].Seq); cerr != nil {
			s.logger.Error(ctx, "clear write-ahead events failed",
				"stream_id", s.streamID, "err", cerr)
		}
		s.eventBuf = s.eventBuf[n:]
	}
	s.eventBuf = nil
}

// flushTraces mirrors flushEvents for the trace buffer.
func (s *streamer) flushTraces(ctx context.Context) {
	s.self.CancelTimer(traceFlushTimer)
	for len(s.traceBuf) > 0 {
		n := min(RowsPerInsert, len(s.traceBuf))
		chunk := s.traceBuf[:n]
		if err := s.store.InsertTraces(ctx, chunk); err != nil {
			s.traceRetries++
			if s.traceRetries < MaxRetryAttempts {
				s.self.After(traceFlushTimer, retryDelay(s.traceRetries),
					flushTimerMsg{kind: event.KindTrace})
				return
			}
			s.traceRetries = 0
			s.metrics.IncCounter("stream.rows_dropped", float64(n))
			s.logger.Error(ctx, "dropping trace chunk after retries",
				"stream_id", s.streamID,
				"from_seq", chunk[0].Seq,
				"to_seq", chunk[n-1].Seq,
				"err", err)
		} else {
			s.traceRetries = 0
			s.metrics.IncCounter("stream.flush_batches", 1)
		}
		if cerr := s.store.ClearPendingTraces(ctx, s.streamID, chunk[n-1].Seq); cerr != nil {
			s.logger.Error(ctx, "clear write-ahead traces failed",
				"stream_id", s.streamID, "err", cerr)
		}
		s.traceBuf = s.traceBuf[n:]
	}
	s.traceBuf = nil
}

// retryDelay doubles the base backoff per consecutive failure.
func retryDelay(retries int) time.Duration {
	return retryBackoff << (retries - 1)
}
