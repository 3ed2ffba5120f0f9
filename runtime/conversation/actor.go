package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/weave/runtime/actor"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/dispatch"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/stream"
)

// Runner mailbox messages. Results carry operation ids so stale replies are
// detected against the turn's current position.
type (
	postMsg struct {
		content        string
		callerKind     string
		operationID    string
		parentTurnID   string
		personaID      string
		personaVersion int
		delay          time.Duration
		fut            *actor.Future[string]
	}

	turnStartMsg struct {
		turnID string
	}

	closeMsg struct {
		fut *actor.Future[struct{}]
	}

	cancelTurnMsg struct {
		turnID string
		fut    *actor.Future[struct{}]
	}

	inspectMsg struct {
		fut *actor.Future[*Snapshot]
	}

	llmDoneMsg struct {
		turnID string
		moveID string
		resp   model.Response
		err    error
	}

	toolResultMsg struct {
		turnID      string
		operationID string
		result      dispatch.Result
	}

	assemblyDoneMsg struct {
		turnID      string
		operationID string
		result      dispatch.Result
	}

	memoryDoneMsg struct {
		turnID      string
		operationID string
		result      dispatch.Result
	}
)

// pendingTool is the in-memory record of one outstanding tool operation,
// keyed by operation id in turnState.pending.
type pendingTool struct {
	operationID string
	move        *Move
	toolCallID  string
	toolName    string
	sync        bool
	childRunID  string
	childConvID string
}

// personaBundle is a persona resolved for execution: decoded content, model
// client, and tool bindings. Bundles are cached per persona pin because
// loop_in turns may run a different persona than the conversation's.
type personaBundle struct {
	defID   string
	version int
	persona *definition.Persona
	profile *definition.ModelProfile
	client  model.Client
	tools   []model.ToolDefinition
	actions map[string]*toolBinding
}

// toolBinding pairs a model-facing tool name with its action definition.
type toolBinding struct {
	name    string
	defID   string
	version int
	action  *definition.Action
}

// turnState is the live state of one turn. All fields are touched only on
// the actor goroutine; the LLM goroutine communicates through the mailbox.
type turnState struct {
	turn   *Turn
	bundle *personaBundle

	// userContent is the message that opened the turn.
	userContent string
	// base carries the assembled request minus messages.
	base model.Request
	// messages is the request transcript the loop extends.
	messages []model.Message
	// pending maps operation id to its outstanding tool dispatch.
	pending map[string]*pendingTool
	// parked counts synchronous tools the loop is paused on.
	parked int
	// assembly is the outstanding context assembly dispatch, if any.
	assembly *pendingTool

	llmInFlight bool
	llmMove     *Move
	// modelDone is set once the model produced a final answer and the
	// loop went idle.
	modelDone bool
	// stale marks an async result that landed while a completion call was
	// in flight; the loop re-enters so the model sees it.
	stale     bool
	finalText string
}

// runner owns one conversation. All fields are touched only on the actor
// goroutine.
type runner struct {
	rs   *Runners
	self *actor.Ref
	conv *Conversation
	emit *stream.Emitter

	// bundles caches resolved personas by id@version.
	bundles map[string]*personaBundle
	// turns holds every turn seen by this actor incarnation; terminal
	// entries stay so late results update their moves without resurrecting
	// the turn.
	turns map[string]*turnState
	// memoryOps tracks outstanding memory extraction dispatches; close
	// drains them before the conversation seals.
	memoryOps map[string]string

	// turnSeq is the next turn index, -1 until loaded from the store.
	turnSeq int
	closing bool
	// parentResolved guards the one-shot delivery to the delegate parent.
	parentResolved bool
	closeFuts      []*actor.Future[struct{}]
}

func newRunner(rs *Runners, self *actor.Ref, conv *Conversation) *runner {
	return &runner{
		rs:   rs,
		self: self,
		conv: conv,
		emit: rs.cfg.Streams.Emitter(event.ConversationStream(conv.ID),
			stream.WithConversationScope(conv.ID),
			stream.WithEmitterLogger(rs.log)),
		bundles:   make(map[string]*personaBundle),
		turns:     make(map[string]*turnState),
		memoryOps: make(map[string]string),
		turnSeq:   -1,
	}
}

// handle is the actor handler: one message at a time.
func (rn *runner) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case inspectMsg:
		snap, err := rn.rs.snapshotFromStore(ctx, rn.conv)
		if err != nil {
			m.fut.Fail(err)
			return
		}
		m.fut.Resolve(snap)
	case postMsg:
		rn.handlePost(ctx, m)
	case turnStartMsg:
		rn.handleTurnStart(ctx, m)
	case llmDoneMsg:
		rn.handleLLMDone(ctx, m)
	case toolResultMsg:
		rn.handleToolResult(ctx, m)
	case assemblyDoneMsg:
		rn.handleAssemblyDone(ctx, m)
	case memoryDoneMsg:
		rn.handleMemoryDone(ctx, m)
	case cancelTurnMsg:
		rn.handleCancelTurn(ctx, m)
	case closeMsg:
		rn.handleClose(ctx, m)
	default:
		rn.rs.log.Warn(ctx, "unknown runner message", "conversation_id", rn.conv.ID)
	}
}

func (rn *runner) handlePost(ctx context.Context, m postMsg) {
	turnID, err := rn.openTurn(ctx, m)
	if err != nil {
		m.fut.Fail(err)
		return
	}
	m.fut.Resolve(turnID)
}

// openTurn creates and starts a turn for the posted message. It returns once
// the turn and its opening message persist; the loop runs on.
func (rn *runner) openTurn(ctx context.Context, m postMsg) (string, error) {
	if rn.closing || rn.conv.Status == ConversationClosed {
		return "", ErrConversationClosed
	}
	if err := rn.ensureSeq(ctx); err != nil {
		return "", err
	}
	personaID, personaVersion := rn.conv.PersonaDefID, rn.conv.PersonaVersion
	if m.personaID != "" {
		personaID, personaVersion = m.personaID, m.personaVersion
	}
	bundle, err := rn.resolveBundle(ctx, personaID, personaVersion)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	turn := &Turn{
		ID:             ids.Turn(),
		ConversationID: rn.conv.ID,
		Index:          rn.turnSeq,
		Status:         TurnAssembling,
		CallerKind:     m.callerKind,
		ParentTurnID:   m.parentTurnID,
		OperationID:    m.operationID,
		PersonaDefID:   bundle.defID,
		PersonaVersion: bundle.version,
		StartedAt:      now,
	}
	msg := &Message{
		ID:             ids.Message(),
		ConversationID: rn.conv.ID,
		TurnID:         turn.ID,
		Role:           RoleUser,
		Content:        m.content,
		CreatedAt:      now,
	}
	turn.UserMessageID = msg.ID
	if err := rn.rs.cfg.Store.SaveTurn(ctx, turn); err != nil {
		return "", fault.Wrap(fault.KindStorage, "persist turn", err)
	}
	if err := rn.rs.cfg.Store.SaveMessage(ctx, msg); err != nil {
		return "", fault.Wrap(fault.KindStorage, "persist message", err)
	}
	rn.turnSeq++
	ts := &turnState{
		turn:        turn,
		bundle:      bundle,
		userContent: m.content,
		pending:     make(map[string]*pendingTool),
	}
	rn.turns[turn.ID] = ts
	rn.event(ctx, event.TypeTurnCreated, turn.ID, map[string]any{
		"turnId":     turn.ID,
		"index":      turn.Index,
		"callerKind": turn.CallerKind,
	})
	rn.event(ctx, event.TypeMessageCreated, turn.ID, map[string]any{
		"messageId": msg.ID,
		"role":      msg.Role,
	})
	rn.rs.metrics.IncCounter("conversation.turns_started", 1)
	if m.delay > 0 {
		rn.self.After("turn_start/"+turn.ID, m.delay, turnStartMsg{turnID: turn.ID})
		return turn.ID, nil
	}
	rn.assemble(ctx, ts)
	return turn.ID, nil
}

// handleTurnStart fires a deferred turn once its post delay elapses. A turn
// cancelled while waiting stays terminal and is left alone.
func (rn *runner) handleTurnStart(ctx context.Context, m turnStartMsg) {
	ts, ok := rn.turns[m.turnID]
	if !ok || ts.turn.Terminal() {
		return
	}
	rn.assemble(ctx, ts)
}

func (rn *runner) handleCancelTurn(ctx context.Context, m cancelTurnMsg) {
	failure := &fault.Failure{Kind: fault.KindDispatch, Code: "cancelled", Message: "turn cancelled"}
	if m.turnID != "" {
		if ts, ok := rn.turns[m.turnID]; ok && !ts.turn.Terminal() {
			rn.failTurn(ctx, ts, failure)
		}
	} else {
		for _, ts := range rn.turns {
			if !ts.turn.Terminal() {
				rn.failTurn(ctx, ts, failure)
			}
		}
	}
	if m.fut != nil {
		m.fut.Resolve(struct{}{})
	}
}

func (rn *runner) handleClose(ctx context.Context, m closeMsg) {
	if rn.conv.Status == ConversationClosed {
		if m.fut != nil {
			m.fut.Resolve(struct{}{})
		}
		return
	}
	rn.closing = true
	if m.fut != nil {
		rn.closeFuts = append(rn.closeFuts, m.fut)
	}
	rn.maybeFinishClose(ctx)
}

// maybeFinishClose seals the conversation once closing was requested and
// nothing is live: no open turns, no outstanding memory extractions.
func (rn *runner) maybeFinishClose(ctx context.Context) {
	if !rn.closing || len(rn.memoryOps) > 0 {
		return
	}
	for _, ts := range rn.turns {
		if !ts.turn.Terminal() {
			return
		}
	}
	rn.conv.Status = ConversationClosed
	rn.conv.UpdatedAt = time.Now().UTC()
	if err := rn.rs.cfg.Store.SaveConversation(ctx, rn.conv); err != nil {
		rn.rs.log.Error(ctx, "closed conversation snapshot lost", "conversation_id", rn.conv.ID, "err", err)
	}
	for _, f := range rn.closeFuts {
		f.Resolve(struct{}{})
	}
	rn.closeFuts = nil
	rn.self.Stop()
}

// ensureSeq loads the next turn index from the store on the first post
// handled by this actor incarnation.
func (rn *runner) ensureSeq(ctx context.Context) error {
	if rn.turnSeq >= 0 {
		return nil
	}
	turns, err := rn.rs.cfg.Store.ListTurns(ctx, rn.conv.ID)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "list turns", err)
	}
	rn.turnSeq = len(turns)
	if rn.conv.ParentOperationID != "" {
		for _, t := range turns {
			if t.Terminal() {
				rn.parentResolved = true
				break
			}
		}
	}
	return nil
}

// resolveBundle resolves and caches a persona pin for execution.
func (rn *runner) resolveBundle(ctx context.Context, personaID string, version int) (*personaBundle, error) {
	key := fmt.Sprintf("%s@%d", personaID, version)
	if b, ok := rn.bundles[key]; ok {
		return b, nil
	}
	defs := rn.rs.cfg.Definitions
	def, err := defs.Get(ctx, personaID, version)
	if err != nil {
		return nil, err
	}
	persona, err := definition.DecodePersona(def)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode persona definition", err)
	}
	profile, err := rn.resolveProfile(ctx, def, persona)
	if err != nil {
		return nil, err
	}
	client, ok := rn.rs.cfg.Models.Lookup(profile.Provider)
	if !ok {
		return nil, fault.Newf(fault.KindLLM, "no model client registered for provider %q", profile.Provider)
	}
	b := &personaBundle{
		defID:   def.ID,
		version: def.Version,
		persona: persona,
		profile: profile,
		client:  client,
		actions: make(map[string]*toolBinding),
	}
	if err := rn.bindTools(ctx, def, persona, b); err != nil {
		return nil, err
	}
	rn.bundles[key] = b
	return b, nil
}

func (rn *runner) resolveProfile(ctx context.Context, def *definition.Definition, persona *definition.Persona) (*definition.ModelProfile, error) {
	defs := rn.rs.cfg.Definitions
	var (
		pd  *definition.Definition
		err error
	)
	switch {
	case persona.ModelProfileID != "":
		pd, err = defs.Get(ctx, persona.ModelProfileID, persona.ModelProfileVersion)
	case persona.ModelProfileRef != "":
		pd, err = defs.Resolve(ctx, definition.KindModelProfile, persona.ModelProfileRef, def.Owner)
	default:
		return nil, fault.Validation("modelProfileRef", "persona names no model profile")
	}
	if err != nil {
		return nil, err
	}
	profile, err := definition.DecodeModelProfile(pd)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode model profile", err)
	}
	return profile, nil
}

// bindTools resolves the persona's action pins into model-facing tool
// definitions, preserving declaration order.
func (rn *runner) bindTools(ctx context.Context, def *definition.Definition, persona *definition.Persona, b *personaBundle) error {
	defs := rn.rs.cfg.Definitions
	add := func(ad *definition.Definition) error {
		action, err := definition.DecodeAction(ad)
		if err != nil {
			return fault.Wrap(fault.KindValidation, "decode action definition", err)
		}
		name := ad.Reference
		b.actions[name] = &toolBinding{name: name, defID: ad.ID, version: ad.Version, action: action}
		b.tools = append(b.tools, model.ToolDefinition{
			Name:        name,
			Description: action.Description,
			InputSchema: action.InputSchema,
		})
		return nil
	}
	if len(persona.Tools) > 0 {
		for _, pin := range persona.Tools {
			ad, err := defs.Get(ctx, pin.ID, pin.Version)
			if err != nil {
				return err
			}
			if err := add(ad); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ref := range persona.ToolRefs {
		ad, err := defs.Resolve(ctx, definition.KindAction, ref, def.Owner)
		if err != nil {
			return err
		}
		if err := add(ad); err != nil {
			return err
		}
	}
	return nil
}

// event emits a turn-scoped conversation event.
func (rn *runner) event(ctx context.Context, typ, turnID string, payload map[string]any) {
	rn.emit.Event(ctx, event.Event{Type: typ, TurnID: turnID, Payload: payload})
}

// postBack builds a correlator callback delivering a result back into this
// actor's mailbox.
func (rn *runner) postBack(build func(dispatch.Result) any) func(dispatch.Result) {
	return func(r dispatch.Result) { rn.sendSelf(build(r)) }
}

// sendSelf delivers msg into the mailbox without blocking the caller: a full
// mailbox falls back to a goroutine, a stopped actor drops the message (the
// conversation is sealed).
func (rn *runner) sendSelf(msg any) {
	err := rn.self.TryPost(msg)
	if err == nil {
		return
	}
	if errors.Is(err, actor.ErrMailboxFull) {
		go func() { _ = rn.self.Post(context.Background(), msg) }()
		return
	}
	rn.rs.log.Warn(context.Background(), "conversation message dropped", "conversation_id", rn.conv.ID, "err", err)
}
