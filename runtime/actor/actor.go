// Package actor implements the single-threaded actor runtime underpinning the
// engine. Every workflow run, conversation, and stream key is owned by exactly
// one actor: a goroutine draining a bounded mailbox. All state owned by an
// actor is mutated only on its loop goroutine; other goroutines communicate by
// posting messages and waiting on futures.
package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"goa.design/weave/runtime/telemetry"
)

var (
	// ErrStopped is returned when posting to an actor that has stopped.
	ErrStopped = errors.New("actor stopped")
	// ErrMailboxFull is returned by TryPost when the mailbox is at capacity.
	ErrMailboxFull = errors.New("actor mailbox full")
	// ErrSystemClosed is returned when spawning on a closed system.
	ErrSystemClosed = errors.New("actor system closed")
)

// DefaultMailboxSize bounds an actor's mailbox unless overridden.
const DefaultMailboxSize = 256

type (
	// Handler processes a single mailbox message. Handlers run on the actor
	// goroutine and therefore never race with themselves; they must not
	// block indefinitely or the mailbox backs up.
	Handler func(ctx context.Context, msg any)

	// HandlerFactory builds the handler for a newly spawned actor. The
	// factory receives the actor's own Ref so handlers can schedule timers
	// and post follow-up messages to themselves.
	HandlerFactory func(self *Ref) Handler

	// Options configures a System.
	Options struct {
		// Logger receives lifecycle and panic logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives spawn/stop/panic counters. Defaults to noop.
		Metrics telemetry.Metrics
		// MailboxSize bounds every actor mailbox. Defaults to
		// DefaultMailboxSize.
		MailboxSize int
		// OnPanic is invoked when a handler panics, after the actor has
		// been stopped. Optional.
		OnPanic func(id string, recovered any, stack []byte)
	}

	// Option customizes System construction.
	Option func(*Options)

	// System tracks live actors by identifier. Actors spawn lazily and are
	// removed when their loop exits.
	System struct {
		opts   Options
		ctx    context.Context
		cancel context.CancelFunc

		mu     sync.RWMutex
		actors map[string]*Ref
		closed bool
		wg     sync.WaitGroup
	}

	// Ref is a handle to a spawned actor. Refs are safe for concurrent use.
	Ref struct {
		id      string
		sys     *System
		mailbox chan any

		stopOnce sync.Once
		stopping chan struct{}
		exited   chan struct{}

		timerMu sync.Mutex
		timers  map[string]*time.Timer
	}
)

// WithLogger sets the system logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the system metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithMailboxSize overrides the per-actor mailbox capacity.
func WithMailboxSize(n int) Option { return func(o *Options) { o.MailboxSize = n } }

// WithPanicHandler registers a callback invoked after a handler panic.
func WithPanicHandler(fn func(id string, recovered any, stack []byte)) Option {
	return func(o *Options) { o.OnPanic = fn }
}

// NewSystem constructs an actor System. The base context is inherited by
// every actor loop; cancelling it via Shutdown stops all actors.
func NewSystem(ctx context.Context, opts ...Option) *System {
	options := Options{
		Logger:      telemetry.NewNoopLogger(),
		Metrics:     telemetry.NewNoopMetrics(),
		MailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MailboxSize <= 0 {
		options.MailboxSize = DefaultMailboxSize
	}
	sysCtx, cancel := context.WithCancel(ctx)
	return &System{
		opts:   options,
		ctx:    sysCtx,
		cancel: cancel,
		actors: make(map[string]*Ref),
	}
}

// Spawn starts a new actor with the given identifier, returning its Ref. If
// an actor with the identifier is already live its Ref is returned instead
// and the factory is not invoked.
func (s *System) Spawn(id string, factory HandlerFactory) (*Ref, error) {
	if id == "" {
		return nil, errors.New("actor id is required")
	}
	if factory == nil {
		return nil, errors.New("handler factory is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSystemClosed
	}
	if existing, ok := s.actors[id]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	ref := &Ref{
		id:       id,
		sys:      s,
		mailbox:  make(chan any, s.opts.MailboxSize),
		stopping: make(chan struct{}),
		exited:   make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
	s.actors[id] = ref
	s.wg.Add(1)
	s.mu.Unlock()

	handler := factory(ref)
	go ref.loop(s.ctx, handler)
	s.opts.Metrics.IncCounter("actor.spawned", 1)
	s.opts.Logger.Debug(s.ctx, "actor spawned", "actor_id", id)
	return ref, nil
}

// Lookup returns the live actor with the given identifier.
func (s *System) Lookup(id string) (*Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Stop requests the identified actor drain its mailbox and exit. It is a
// no-op for unknown identifiers.
func (s *System) Stop(id string) {
	if ref, ok := s.Lookup(id); ok {
		ref.Stop()
	}
}

// Len reports the number of live actors.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// IDs snapshots the identifiers of live actors.
func (s *System) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every actor and waits for their loops to exit or for ctx to
// expire. After Shutdown the system rejects new spawns.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	refs := make([]*Ref, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	for _, ref := range refs {
		ref.Stop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("actor system shutdown: %w", ctx.Err())
	}
}

// remove unregisters an exited actor.
func (s *System) remove(id string) {
	s.mu.Lock()
	delete(s.actors, id)
	s.mu.Unlock()
}

// ID returns the actor identifier.
func (r *Ref) ID() string { return r.id }

// Post enqueues msg, blocking until there is mailbox space, the actor stops,
// or ctx is done.
func (r *Ref) Post(ctx context.Context, msg any) error {
	select {
	case <-r.stopping:
		return fmt.Errorf("%w: %s", ErrStopped, r.id)
	default:
	}
	select {
	case r.mailbox <- msg:
		return nil
	case <-r.stopping:
		return fmt.Errorf("%w: %s", ErrStopped, r.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost enqueues msg without blocking.
func (r *Ref) TryPost(msg any) error {
	select {
	case <-r.stopping:
		return fmt.Errorf("%w: %s", ErrStopped, r.id)
	default:
	}
	select {
	case r.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, r.id)
	}
}

// Stop requests the actor drain queued messages and exit. Pending timers are
// cancelled. Stop returns immediately; use Done to observe exit.
func (r *Ref) Stop() {
	r.stopOnce.Do(func() {
		r.cancelAllTimers()
		close(r.stopping)
	})
}

// Done returns a channel closed when the actor loop has exited.
func (r *Ref) Done() <-chan struct{} { return r.exited }

// After schedules msg for delivery to this actor after d. The key names the
// timer; scheduling with an existing key replaces the prior timer. Delivery
// is skipped if the actor stops first.
func (r *Ref) After(key string, d time.Duration, msg any) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if prior, ok := r.timers[key]; ok {
		prior.Stop()
	}
	r.timers[key] = time.AfterFunc(d, func() {
		r.timerMu.Lock()
		delete(r.timers, key)
		r.timerMu.Unlock()
		select {
		case r.mailbox <- msg:
		case <-r.stopping:
		}
	})
}

// CancelTimer stops the named timer if it has not fired.
func (r *Ref) CancelTimer(key string) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

func (r *Ref) cancelAllTimers() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}

// loop drains the mailbox until stopped. Queued messages are processed before
// exit so callers that posted before Stop observe their effects.
func (r *Ref) loop(ctx context.Context, handler Handler) {
	defer func() {
		r.sys.remove(r.id)
		r.sys.wg.Done()
		close(r.exited)
		r.sys.opts.Metrics.IncCounter("actor.stopped", 1)
		r.sys.opts.Logger.Debug(ctx, "actor stopped", "actor_id", r.id)
	}()
	for {
		select {
		case msg := <-r.mailbox:
			if !r.invoke(ctx, handler, msg) {
				return
			}
		case <-r.stopping:
			for {
				select {
				case msg := <-r.mailbox:
					if !r.invoke(ctx, handler, msg) {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// invoke runs the handler with panic isolation. A panicking handler stops the
// actor; remaining mailbox messages are dropped. Returns false when the actor
// must exit immediately.
func (r *Ref) invoke(ctx context.Context, handler Handler, msg any) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.sys.opts.Metrics.IncCounter("actor.panics", 1)
			r.sys.opts.Logger.Error(ctx, "actor handler panicked",
				"actor_id", r.id, "panic", fmt.Sprint(rec), "stack", string(stack))
			r.Stop()
			if r.sys.opts.OnPanic != nil {
				r.sys.opts.OnPanic(r.id, rec, stack)
			}
			ok = false
		}
	}()
	handler(ctx, msg)
	return true
}
