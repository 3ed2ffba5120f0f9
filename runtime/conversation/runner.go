package conversation

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/schema"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/telemetry"
)

// DefaultLLMTimeout bounds a single model completion call.
const DefaultLLMTimeout = 60 * time.Second

type (
	// Config carries the collaborators shared by every conversation runner.
	Config struct {
		// System hosts the per-conversation actors.
		System *actor.System
		// Store persists conversations, turns, messages, and moves.
		Store Store
		// Definitions resolves personas, actions, and model profiles.
		Definitions *definition.Service
		// Streams allocates per-conversation emitters.
		Streams *stream.Directory
		// Correlators tracks outstanding dispatches.
		Correlators *dispatch.Correlators
		// Tasks executes task tools.
		Tasks dispatch.TaskClient
		// Workflows starts tool, assembly, and memory workflows.
		Workflows dispatch.WorkflowClient
		// Models resolves clients by provider.
		Models *model.Registry
	}

	// Option customizes Runners construction.
	Option func(*Runners)

	// Runners spawns and addresses the per-conversation runner actors. It
	// also implements dispatch.AgentClient so workflows and other agents
	// invoke personas through the same door as users.
	Runners struct {
		cfg        Config
		sv         *schema.Validator
		log        telemetry.Logger
		metrics    telemetry.Metrics
		llmTimeout time.Duration
	}

	// StartRequest describes a conversation to open.
	StartRequest struct {
		// ConversationID pins the conversation identifier; empty mints one.
		ConversationID string
		// PersonaRef names the persona (name or name@version). Ignored
		// when PersonaID is set.
		PersonaRef string
		// PersonaID and PersonaVersion pin the persona directly;
		// version 0 selects the latest.
		PersonaID      string
		PersonaVersion int
		// Owner scopes persona and tool resolution.
		Owner definition.Owner
		// Title labels the conversation.
		Title string
		// ParentOperationID marks a delegate child; the first completed
		// turn resolves it.
		ParentOperationID string
	}
)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runners) { r.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Runners) { r.metrics = m }
}

// WithSchemaValidator shares a schema compilation cache.
func WithSchemaValidator(sv *schema.Validator) Option {
	return func(r *Runners) { r.sv = sv }
}

// WithLLMTimeout bounds individual model completion calls.
func WithLLMTimeout(d time.Duration) Option {
	return func(r *Runners) {
		if d > 0 {
			r.llmTimeout = d
		}
	}
}

// NewRunners validates cfg and constructs the runner manager.
func NewRunners(cfg Config, opts ...Option) (*Runners, error) {
	switch {
	case cfg.System == nil:
		return nil, errors.New("conversation: actor system is required")
	case cfg.Store == nil:
		return nil, errors.New("conversation: conversation store is required")
	case cfg.Definitions == nil:
		return nil, errors.New("conversation: definition service is required")
	case cfg.Streams == nil:
		return nil, errors.New("conversation: stream directory is required")
	case cfg.Correlators == nil:
		return nil, errors.New("conversation: correlator registry is required")
	case cfg.Tasks == nil:
		return nil, errors.New("conversation: task client is required")
	case cfg.Workflows == nil:
		return nil, errors.New("conversation: workflow client is required")
	case cfg.Models == nil:
		return nil, errors.New("conversation: model registry is required")
	}
	r := &Runners{
		cfg:        cfg,
		sv:         schema.NewValidator(),
		log:        telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		llmTimeout: DefaultLLMTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// StartConversation resolves the persona, persists the conversation, and
// spawns its runner actor. The conversation accepts messages immediately;
// the returned id addresses it.
func (r *Runners) StartConversation(ctx context.Context, req StartRequest) (string, error) {
	def, err := r.resolvePersonaDef(ctx, req)
	if err != nil {
		return "", err
	}
	convID := req.ConversationID
	if convID == "" {
		convID = ids.Conversation()
	}
	now := time.Now().UTC()
	conv := &Conversation{
		ID:                convID,
		PersonaDefID:      def.ID,
		PersonaVersion:    def.Version,
		Status:            ConversationActive,
		Title:             req.Title,
		ParentOperationID: req.ParentOperationID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.cfg.Store.SaveConversation(ctx, conv); err != nil {
		return "", fault.Wrap(fault.KindStorage, "persist conversation", err)
	}
	if _, err := r.spawn(conv); err != nil {
		return "", err
	}
	r.metrics.IncCounter("conversation.started", 1)
	return convID, nil
}

func (r *Runners) resolvePersonaDef(ctx context.Context, req StartRequest) (*definition.Definition, error) {
	if req.PersonaID != "" {
		return r.cfg.Definitions.Get(ctx, req.PersonaID, req.PersonaVersion)
	}
	if req.PersonaRef == "" {
		return nil, fault.Validation("persona", "persona reference or id is required")
	}
	return r.cfg.Definitions.Resolve(ctx, definition.KindPersona, req.PersonaRef, req.Owner)
}

// PostMessage opens a turn for the given user message. It returns once the
// turn is created and its transcript entry persisted; the turn itself runs
// asynchronously. A positive delay defers the turn's loop by that much while
// the turn row and message are still persisted up front.
func (r *Runners) PostMessage(ctx context.Context, conversationID, content string, delay time.Duration) (string, error) {
	ref, err := r.resolveActor(ctx, conversationID)
	if err != nil {
		return "", err
	}
	turnID, err := actor.Ask(ctx, ref, func(f *actor.Future[string]) any {
		return postMsg{content: content, callerKind: CallerUser, delay: delay, fut: f}
	})
	if errors.Is(err, actor.ErrStopped) {
		return "", ErrConversationClosed
	}
	return turnID, err
}

// Post implements dispatch.AgentClient. Delegate mode opens an isolated
// conversation with the target persona; loop_in mode opens an agent-caller
// turn on the conversation named by the request.
func (r *Runners) Post(ctx context.Context, req dispatch.AgentPost) error {
	switch req.Mode {
	case definition.InvokeDelegate, "":
		_, err := r.startDelegate(ctx, req)
		return err
	case definition.InvokeLoopIn:
		ref, err := r.resolveActor(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		_, err = actor.Ask(ctx, ref, func(f *actor.Future[string]) any {
			return postMsg{
				content:        req.Message,
				callerKind:     CallerAgent,
				operationID:    req.OperationID,
				parentTurnID:   req.Meta["parentTurnId"],
				personaID:      req.PersonaID,
				personaVersion: req.PersonaVersion,
				fut:            f,
			}
		})
		if errors.Is(err, actor.ErrStopped) {
			return ErrConversationClosed
		}
		return err
	default:
		return fault.Validation("mode", "unknown agent invocation mode "+req.Mode)
	}
}

// startDelegate opens an isolated conversation for a delegate tool call and
// posts the tool message as its first turn.
func (r *Runners) startDelegate(ctx context.Context, req dispatch.AgentPost) (string, error) {
	convID, err := r.StartConversation(ctx, StartRequest{
		PersonaID:         req.PersonaID,
		PersonaVersion:    req.PersonaVersion,
		Title:             req.Meta["title"],
		ParentOperationID: req.OperationID,
	})
	if err != nil {
		return "", err
	}
	ref, ok := r.cfg.System.Lookup(convActorID(convID))
	if !ok {
		return "", fault.Internal("delegate conversation vanished", nil)
	}
	_, err = actor.Ask(ctx, ref, func(f *actor.Future[string]) any {
		return postMsg{content: req.Message, callerKind: CallerAgent, fut: f}
	})
	return convID, err
}

// abandonDelegate cancels and closes a delegate conversation whose parent
// turn failed before the delegate answered.
func (r *Runners) abandonDelegate(conversationID string) {
	go func() {
		ctx := context.Background()
		if err := r.Cancel(ctx, conversationID, ""); err != nil {
			r.log.Warn(ctx, "delegate cancel failed", "conversation_id", conversationID, "err", err)
			return
		}
		if err := r.Close(ctx, conversationID); err != nil {
			r.log.Warn(ctx, "delegate close failed", "conversation_id", conversationID, "err", err)
		}
	}()
}

// Close drains the conversation: live turns run to completion, new posts
// are rejected, and the conversation persists as closed once idle.
func (r *Runners) Close(ctx context.Context, conversationID string) error {
	ref, ok := r.cfg.System.Lookup(convActorID(conversationID))
	if !ok {
		conv, err := r.loadConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == ConversationClosed {
			return nil
		}
		if ref, err = r.spawn(conv); err != nil {
			return err
		}
	}
	_, err := actor.Ask(ctx, ref, func(f *actor.Future[struct{}]) any {
		return closeMsg{fut: f}
	})
	if errors.Is(err, actor.ErrStopped) {
		return nil
	}
	return err
}

// Cancel aborts live turns. An empty turnID cancels every live turn;
// otherwise only the named turn. Cancelled turns end failed with a
// cancellation fault and their outstanding operations are abandoned.
func (r *Runners) Cancel(ctx context.Context, conversationID, turnID string) error {
	ref, ok := r.cfg.System.Lookup(convActorID(conversationID))
	if !ok {
		// Nothing live to cancel.
		_, err := r.loadConversation(ctx, conversationID)
		return err
	}
	_, err := actor.Ask(ctx, ref, func(f *actor.Future[struct{}]) any {
		return cancelTurnMsg{turnID: turnID, fut: f}
	})
	if errors.Is(err, actor.ErrStopped) {
		return nil
	}
	return err
}

// Inspect returns a deep-copied snapshot of the conversation and its
// transcript. Live conversations answer from the actor; closed ones from
// the store.
func (r *Runners) Inspect(ctx context.Context, conversationID string) (*Snapshot, error) {
	if ref, ok := r.cfg.System.Lookup(convActorID(conversationID)); ok {
		snap, err := actor.Ask(ctx, ref, func(f *actor.Future[*Snapshot]) any {
			return inspectMsg{fut: f}
		})
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, actor.ErrStopped) {
			return nil, err
		}
	}
	conv, err := r.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return r.snapshotFromStore(ctx, conv)
}

func (r *Runners) snapshotFromStore(ctx context.Context, conv *Conversation) (*Snapshot, error) {
	turns, err := r.cfg.Store.ListTurns(ctx, conv.ID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "list turns", err)
	}
	msgs, err := r.cfg.Store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "list messages", err)
	}
	snap := &Snapshot{Conversation: conv.Clone()}
	for _, t := range turns {
		snap.Turns = append(snap.Turns, t.Clone())
	}
	for _, m := range msgs {
		snap.Messages = append(snap.Messages, m.Clone())
	}
	return snap, nil
}

func (r *Runners) loadConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := r.cfg.Store.GetConversation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "load conversation", err)
	}
	return conv, nil
}

// resolveActor returns the conversation's live actor, respawning from the
// store when the conversation exists but has no actor (process restart).
func (r *Runners) resolveActor(ctx context.Context, conversationID string) (*actor.Ref, error) {
	if ref, ok := r.cfg.System.Lookup(convActorID(conversationID)); ok {
		return ref, nil
	}
	conv, err := r.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == ConversationClosed {
		return nil, ErrConversationClosed
	}
	return r.spawn(conv)
}

// spawn starts the conversation's runner actor, handing it ownership of the
// record. Spawning an already-live conversation returns the existing actor.
func (r *Runners) spawn(conv *Conversation) (*actor.Ref, error) {
	return r.cfg.System.Spawn(convActorID(conv.ID), func(self *actor.Ref) actor.Handler {
		rn := newRunner(r, self, conv)
		return rn.handle
	})
}

// convActorID namespaces conversation actors within the shared system.
func convActorID(conversationID string) string { return "conv/" + conversationID }
