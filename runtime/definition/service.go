package definition

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/exprs"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/ids"
	"goa.design/weave/runtime/schema"
	"goa.design/weave/runtime/telemetry"
)

// Service runs the authoring pipeline and serves definition reads. It is
// safe for concurrent use.
type Service struct {
	store Store
	ev    *exprs.Evaluator
	sv    *schema.Validator
	log   telemetry.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithEvaluator shares an expression evaluator, so programs compiled at put
// time stay cached for the coordinators that run them.
func WithEvaluator(ev *exprs.Evaluator) ServiceOption {
	return func(s *Service) { s.ev = ev }
}

// WithSchemaValidator shares a schema validator cache.
func WithSchemaValidator(sv *schema.Validator) ServiceOption {
	return func(s *Service) { s.sv = sv }
}

// NewService constructs a Service backed by store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		ev:    exprs.New(),
		sv:    schema.NewValidator(),
		log:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put runs the pipeline: validate, transform refs to ids, fingerprint,
// autoversion, persist. Identical content under the same (kind, reference,
// owner) is an idempotent no-op returning the stored row.
func (s *Service) Put(ctx context.Context, draft Draft) (*PutResult, error) {
	if draft.Reference == "" {
		draft.Reference = draft.Name
	}
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	content, err := s.prepare(ctx, &draft)
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(draft.Kind, content)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "fingerprint content", err)
	}

	def := &Definition{
		Kind:        draft.Kind,
		Reference:   draft.Reference,
		Name:        draft.Name,
		Description: draft.Description,
		Owner:       draft.Owner,
		Tags:        draft.Tags,
		Content:     content,
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
	}
	if draft.Autoversion {
		return s.putAutoversion(ctx, def)
	}
	return s.putExplicit(ctx, def, draft.Version, draft.Force)
}

// putAutoversion allocates the next version, or returns the existing row when
// the fingerprint already exists in the lineage. A lost insert race re-reads
// once before giving up.
func (s *Service) putAutoversion(ctx context.Context, def *Definition) (*PutResult, error) {
	for attempt := 0; ; attempt++ {
		existing, err := s.store.GetByFingerprint(ctx, def.Kind, def.Reference, def.Owner, def.Fingerprint)
		switch {
		case err == nil:
			max, merr := s.store.MaxVersion(ctx, def.Kind, def.Reference, def.Owner)
			if merr != nil {
				return nil, storageErr("read lineage version", merr)
			}
			return &PutResult{Definition: existing, Reused: true, LatestVersion: max}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, storageErr("lookup fingerprint", err)
		}

		max, err := s.store.MaxVersion(ctx, def.Kind, def.Reference, def.Owner)
		if err != nil {
			return nil, storageErr("read lineage version", err)
		}
		def.Version = max + 1
		if def.ID, err = s.lineageID(ctx, def, max); err != nil {
			return nil, err
		}

		err = s.store.Insert(ctx, def, false)
		if errors.Is(err, ErrVersionExists) {
			if attempt == 0 {
				continue
			}
			return nil, fault.Newf(fault.KindConflict,
				"%s %q version %d lost a concurrent write", def.Kind, def.Reference, def.Version)
		}
		if err != nil {
			return nil, storageErr("insert definition", err)
		}
		s.log.Info(ctx, "definition stored",
			"kind", string(def.Kind), "name", def.Name, "version", def.Version, "id", def.ID)
		return &PutResult{Definition: def, Reused: false, LatestVersion: def.Version}, nil
	}
}

// putExplicit inserts a pinned version, rejecting collisions unless force.
func (s *Service) putExplicit(ctx context.Context, def *Definition, version int, force bool) (*PutResult, error) {
	if version == 0 {
		version = 1
	}
	def.Version = version
	max, err := s.store.MaxVersion(ctx, def.Kind, def.Reference, def.Owner)
	if err != nil {
		return nil, storageErr("read lineage version", err)
	}
	if def.ID, err = s.lineageID(ctx, def, max); err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, def, force); err != nil {
		if errors.Is(err, ErrVersionExists) {
			return nil, fault.Newf(fault.KindConflict,
				"%s %q version %d already exists", def.Kind, def.Reference, version)
		}
		return nil, storageErr("insert definition", err)
	}
	latest := max
	if version > latest {
		latest = version
	}
	s.log.Info(ctx, "definition stored",
		"kind", string(def.Kind), "name", def.Name, "version", def.Version, "id", def.ID)
	return &PutResult{Definition: def, Reused: false, LatestVersion: latest}, nil
}

// lineageID keeps ids stable across versions: new lineages mint a fresh id,
// existing ones adopt the id already on file.
func (s *Service) lineageID(ctx context.Context, def *Definition, maxVersion int) (string, error) {
	if maxVersion == 0 {
		return ids.Definition(), nil
	}
	latest, err := s.store.GetByReference(ctx, def.Kind, def.Reference, def.Owner)
	if err != nil {
		return "", storageErr("read lineage id", err)
	}
	return latest.ID, nil
}

// Get returns a definition by id. Version 0 selects the latest.
func (s *Service) Get(ctx context.Context, id string, version int) (*Definition, error) {
	def, err := s.store.Get(ctx, id, version)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("definition %s not found", id)
	}
	if err != nil {
		return nil, storageErr("get definition", err)
	}
	return def, nil
}

// GetByReference returns the latest version for (kind, reference, owner).
func (s *Service) GetByReference(ctx context.Context, kind Kind, reference string, owner Owner) (*Definition, error) {
	def, err := s.store.GetByReference(ctx, kind, reference, owner)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("%s %q not found", kind, reference)
	}
	if err != nil {
		return nil, storageErr("get definition", err)
	}
	return def, nil
}

// GetVersion returns one exact version for (kind, reference, owner).
func (s *Service) GetVersion(ctx context.Context, kind Kind, reference string, owner Owner, version int) (*Definition, error) {
	def, err := s.store.GetVersion(ctx, kind, reference, owner, version)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("%s %q version %d not found", kind, reference, version)
	}
	if err != nil {
		return nil, storageErr("get definition", err)
	}
	return def, nil
}

// Resolve returns the definition a "name[@version]" reference points at,
// searching the given owner scope and falling back to unowned definitions.
func (s *Service) Resolve(ctx context.Context, kind Kind, ref string, owner Owner) (*Definition, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, fault.Validation("ref", err.Error())
	}
	def, err := s.resolveIn(ctx, kind, parsed, owner)
	if errors.Is(err, ErrNotFound) && !owner.Zero() {
		def, err = s.resolveIn(ctx, kind, parsed, Owner{})
	}
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("%s %q not found", kind, ref)
	}
	if err != nil {
		return nil, storageErr("resolve reference", err)
	}
	return def, nil
}

func (s *Service) resolveIn(ctx context.Context, kind Kind, ref Ref, owner Owner) (*Definition, error) {
	if ref.Version > 0 {
		return s.store.GetVersion(ctx, kind, ref.Name, owner, ref.Version)
	}
	return s.store.GetByReference(ctx, kind, ref.Name, owner)
}

// List returns the latest version of every lineage of kind under owner.
func (s *Service) List(ctx context.Context, kind Kind, owner Owner) ([]*Definition, error) {
	defs, err := s.store.List(ctx, kind, owner)
	if err != nil {
		return nil, storageErr("list definitions", err)
	}
	return defs, nil
}

// History returns every stored version for (kind, reference, owner) in
// ascending version order.
func (s *Service) History(ctx context.Context, kind Kind, reference string, owner Owner) ([]*Definition, error) {
	defs, err := s.store.History(ctx, kind, reference, owner)
	if err != nil {
		return nil, storageErr("definition history", err)
	}
	if len(defs) == 0 {
		return nil, fault.NotFound("%s %q not found", kind, reference)
	}
	return defs, nil
}

// prepare decodes, validates, and transforms draft content into its stored
// form: refs resolved to pinned ids, strategies tagged, defaults normalized.
func (s *Service) prepare(ctx context.Context, draft *Draft) (map[string]any, error) {
	switch draft.Kind {
	case KindWorkflow:
		var w Workflow
		if err := roundTrip(draft.Content, &w); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validateWorkflow(&w, s.ev, s.sv); err != nil {
			return nil, err
		}
		if err := s.transformWorkflow(ctx, &w, draft.Owner); err != nil {
			return nil, err
		}
		return encodeFaulting(&w)
	case KindTask:
		var t Task
		if err := roundTrip(draft.Content, &t); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validateTask(&t, s.sv); err != nil {
			return nil, err
		}
		return encodeFaulting(&t)
	case KindPersona:
		var p Persona
		if err := roundTrip(draft.Content, &p); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validatePersona(&p); err != nil {
			return nil, err
		}
		if err := s.transformPersona(ctx, &p, draft.Owner); err != nil {
			return nil, err
		}
		return encodeFaulting(&p)
	case KindAction:
		var a Action
		if err := roundTrip(draft.Content, &a); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validateAction(&a, s.sv); err != nil {
			return nil, err
		}
		if err := s.transformAction(ctx, &a, draft.Owner); err != nil {
			return nil, err
		}
		return encodeFaulting(&a)
	case KindModelProfile:
		var m ModelProfile
		if err := roundTrip(draft.Content, &m); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validateModelProfile(&m); err != nil {
			return nil, err
		}
		return encodeFaulting(&m)
	case KindArtifactType:
		var a ArtifactType
		if err := roundTrip(draft.Content, &a); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validateArtifactType(&a, s.sv); err != nil {
			return nil, err
		}
		return encodeFaulting(&a)
	case KindPromptSpec:
		var p PromptSpec
		if err := roundTrip(draft.Content, &p); err != nil {
			return nil, fault.Validation("content", err.Error())
		}
		if err := validatePromptSpec(&p); err != nil {
			return nil, err
		}
		return encodeFaulting(&p)
	default:
		return nil, fault.Validation("kind", "unknown kind "+string(draft.Kind))
	}
}

// transformWorkflow assigns node and transition ids, resolves target refs to
// pins, rewrites endpoints, and tags sync strategies.
func (s *Service) transformWorkflow(ctx context.Context, w *Workflow, owner Owner) error {
	byRef := make(map[string]*Node, len(w.Nodes))
	for _, n := range w.Nodes {
		n.ID = ids.New("node")
		byRef[n.Ref] = n

		kind := KindTask
		if n.Target == TargetWorkflow {
			kind = KindWorkflow
		}
		pin, err := s.pin(ctx, kind, n.TargetRef, owner)
		if err != nil {
			return err
		}
		n.TargetID, n.TargetVersion = pin.ID, pin.Version
		if n.OnFailure == "" {
			n.OnFailure = OnFailureAbort
		}
	}
	w.InitialNodeID = byRef[w.InitialNodeRef].ID

	for _, t := range w.Transitions {
		t.ID = ids.New("tr")
		t.FromNodeID = byRef[t.FromNodeRef].ID
		t.ToNodeID = byRef[t.ToNodeRef].ID
		if t.Sync == nil {
			continue
		}
		mode, m, err := ParseStrategy(t.Sync.Strategy, t.Sync.Mode, t.Sync.M)
		if err != nil {
			return fault.Validation("sync.strategy", err.Error())
		}
		t.Sync.Mode, t.Sync.M = mode, m
		t.Sync.Strategy = ""
		if t.Sync.OnTimeout == "" {
			t.Sync.OnTimeout = OnTimeoutProceed
		}
	}
	return nil
}

// transformPersona resolves the model profile, tool, and workflow refs.
func (s *Service) transformPersona(ctx context.Context, p *Persona, owner Owner) error {
	pin, err := s.pin(ctx, KindModelProfile, p.ModelProfileRef, owner)
	if err != nil {
		return err
	}
	p.ModelProfileID, p.ModelProfileVersion = pin.ID, pin.Version

	p.Tools = make([]PinnedRef, len(p.ToolRefs))
	for i, ref := range p.ToolRefs {
		tool, err := s.pin(ctx, KindAction, ref, owner)
		if err != nil {
			return err
		}
		p.Tools[i] = tool
	}
	if p.ContextAssemblyWorkflowRef != "" {
		wf, err := s.pin(ctx, KindWorkflow, p.ContextAssemblyWorkflowRef, owner)
		if err != nil {
			return err
		}
		p.ContextAssemblyWorkflow = &wf
	}
	if p.MemoryExtractionWorkflowRef != "" {
		wf, err := s.pin(ctx, KindWorkflow, p.MemoryExtractionWorkflowRef, owner)
		if err != nil {
			return err
		}
		p.MemoryExtractionWorkflow = &wf
	}
	return nil
}

// transformAction resolves the target ref for the action's target type.
func (s *Service) transformAction(ctx context.Context, a *Action, owner Owner) error {
	var kind Kind
	switch a.TargetType {
	case TargetTask:
		kind = KindTask
	case TargetWorkflow:
		kind = KindWorkflow
	case TargetAgent:
		kind = KindPersona
		if a.InvocationMode == "" {
			a.InvocationMode = InvokeDelegate
		}
	}
	pin, err := s.pin(ctx, kind, a.TargetRef, owner)
	if err != nil {
		return err
	}
	a.TargetID, a.TargetVersion = pin.ID, pin.Version
	return nil
}

// pin resolves a "name[@version]" ref into a pinned (id, version) pair.
func (s *Service) pin(ctx context.Context, kind Kind, ref string, owner Owner) (PinnedRef, error) {
	def, err := s.Resolve(ctx, kind, ref, owner)
	if err != nil {
		return PinnedRef{}, err
	}
	return PinnedRef{ID: def.ID, Version: def.Version}, nil
}

func encodeFaulting(v any) (map[string]any, error) {
	m, err := encodeContent(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode content", err)
	}
	return m, nil
}

func storageErr(op string, err error) error {
	return fault.Wrap(fault.KindStorage, op, err)
}
