// Package definition implements the content-addressed definition store: the
// authoring pipeline (validate, transform refs to ids, fingerprint,
// autoversion, persist) and the read paths used by coordinators and runners.
//
// Definitions are immutable once persisted. Re-putting identical content is
// idempotent and returns the stored row; changed content under the same
// (kind, reference, owner) allocates the next version.
package definition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies what a definition describes. Kinds are stable strings
// persisted in store rows and used as lookup keys.
type Kind string

const (
	// KindWorkflow is a workflow graph: nodes, transitions, entry node.
	KindWorkflow Kind = "workflow"
	// KindTask is a dispatchable unit of work executed by the executor.
	KindTask Kind = "task"
	// KindPersona configures a conversational agent.
	KindPersona Kind = "persona"
	// KindAction is a tool exposed to agents, targeting a task, workflow, or agent.
	KindAction Kind = "action"
	// KindModelProfile names a provider/model pair with sampling parameters.
	KindModelProfile Kind = "model_profile"
	// KindArtifactType declares a named artifact schema consumed by clients.
	KindArtifactType Kind = "artifact_type"
	// KindPromptSpec is a reusable prompt template with declared variables.
	KindPromptSpec Kind = "prompt_spec"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{
	KindWorkflow, KindTask, KindPersona, KindAction,
	KindModelProfile, KindArtifactType, KindPromptSpec,
}

// Valid reports whether k names a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type (
	// Owner scopes a definition to a project or a library. Workflow, task,
	// action, and persona definitions require exactly one side set; the
	// remaining kinds may be unowned (shared).
	Owner struct {
		// ProjectID owns project-scoped definitions.
		ProjectID string `json:"projectId,omitempty" bson:"projectId,omitempty"`
		// LibraryID owns library-scoped definitions.
		LibraryID string `json:"libraryId,omitempty" bson:"libraryId,omitempty"`
	}

	// Definition is a stored, versioned authored object. Content holds
	// resolved ids only; human-readable refs never persist.
	Definition struct {
		// ID is stable across versions of the same (kind, reference, owner).
		ID string `json:"id" bson:"id"`
		// Version is 1-based and allocated by autoversioning.
		Version int `json:"version" bson:"version"`
		// Kind identifies the content shape.
		Kind Kind `json:"kind" bson:"kind"`
		// Reference is the machine lookup key, defaulting to Name.
		Reference string `json:"reference" bson:"reference"`
		// Name is the human label, unique per (kind, owner) lineage.
		Name string `json:"name" bson:"name"`
		// Description is optional documentation.
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		// Owner scopes the definition.
		Owner Owner `json:"owner" bson:"owner"`
		// Tags label the definition for listing; excluded from the fingerprint.
		Tags []string `json:"tags,omitempty" bson:"tags,omitempty"`
		// Content is the kind-specific body after transformation.
		Content map[string]any `json:"content" bson:"content"`
		// Fingerprint is the hex SHA-256 of the canonical structural content.
		Fingerprint string `json:"fingerprint" bson:"fingerprint"`
		// CreatedAt is the persist time of this version.
		CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	}

	// Draft is author input to Put. Content carries human refs which the
	// pipeline resolves before persisting.
	Draft struct {
		// Kind identifies the content shape.
		Kind Kind
		// Name is the human label; Reference defaults to it.
		Name string
		// Reference overrides the lookup key when set.
		Reference string
		// Description is optional documentation.
		Description string
		// Owner scopes the definition.
		Owner Owner
		// Tags label the definition.
		Tags []string
		// Content is the kind-specific authored body.
		Content map[string]any
		// Autoversion enables content-addressed version allocation. Drafts
		// built with NewDraft have it on.
		Autoversion bool
		// Version pins an explicit version when Autoversion is off (default 1).
		Version int
		// Force overwrites an explicit-version collision when Autoversion is off.
		Force bool
	}

	// PutResult reports the outcome of a Put.
	PutResult struct {
		// Definition is the stored row, existing or newly inserted.
		Definition *Definition
		// Reused is true when identical content already existed.
		Reused bool
		// LatestVersion is the lineage's highest version after the put.
		LatestVersion int
	}
)

// NewDraft builds a Draft with autoversioning enabled.
func NewDraft(kind Kind, name string, owner Owner, content map[string]any) Draft {
	return Draft{Kind: kind, Name: name, Owner: owner, Content: content, Autoversion: true}
}

// Zero reports whether no owner side is set.
func (o Owner) Zero() bool { return o.ProjectID == "" && o.LibraryID == "" }

// Key renders the owner as a stable map key.
func (o Owner) Key() string {
	switch {
	case o.ProjectID != "":
		return "project:" + o.ProjectID
	case o.LibraryID != "":
		return "library:" + o.LibraryID
	default:
		return ""
	}
}

// ErrNotFound is returned by stores when no definition matches.
var ErrNotFound = errors.New("definition not found")

// ErrVersionExists is returned by stores when inserting an (id, version) or
// (kind, reference, owner, version) row that already exists.
var ErrVersionExists = errors.New("definition version already exists")

// Store is the persistence contract for definitions. Implementations must be
// safe for concurrent use and must return ErrNotFound for missing rows.
type Store interface {
	// Insert persists a new definition version. Returns ErrVersionExists when
	// the (kind, reference, owner, version) slot is taken, unless replace is
	// true, in which case the row is overwritten.
	Insert(ctx context.Context, def *Definition, replace bool) error

	// Get returns the definition with the given id. Version 0 selects the
	// latest version.
	Get(ctx context.Context, id string, version int) (*Definition, error)

	// GetByReference returns the latest version for (kind, reference, owner).
	GetByReference(ctx context.Context, kind Kind, reference string, owner Owner) (*Definition, error)

	// GetVersion returns one exact version for (kind, reference, owner).
	GetVersion(ctx context.Context, kind Kind, reference string, owner Owner, version int) (*Definition, error)

	// GetByFingerprint returns the version of (kind, reference, owner) whose
	// structural fingerprint matches, if any.
	GetByFingerprint(ctx context.Context, kind Kind, reference string, owner Owner, fingerprint string) (*Definition, error)

	// MaxVersion returns the highest stored version for (kind, reference,
	// owner), or 0 when the lineage is empty.
	MaxVersion(ctx context.Context, kind Kind, reference string, owner Owner) (int, error)

	// List returns the latest version of every lineage of the given kind
	// under owner. An empty owner lists unowned definitions of that kind.
	List(ctx context.Context, kind Kind, owner Owner) ([]*Definition, error)

	// History returns every version for (kind, reference, owner) in
	// ascending version order.
	History(ctx context.Context, kind Kind, reference string, owner Owner) ([]*Definition, error)
}

// Ref is a parsed human reference: a name with an optional pinned version
// ("extract-entities" or "extract-entities@3").
type Ref struct {
	// Name is the reference name.
	Name string
	// Version pins an exact version; 0 selects the latest.
	Version int
}

// ParseRef splits a "name[@version]" reference string.
func ParseRef(s string) (Ref, error) {
	name, ver, found := strings.Cut(s, "@")
	if name == "" {
		return Ref{}, fmt.Errorf("empty reference")
	}
	if !found {
		return Ref{Name: name}, nil
	}
	n, err := strconv.Atoi(ver)
	if err != nil || n < 1 {
		return Ref{}, fmt.Errorf("reference %q: version must be a positive integer", s)
	}
	return Ref{Name: name, Version: n}, nil
}

// String renders the ref back to its authored form.
func (r Ref) String() string {
	if r.Version == 0 {
		return r.Name
	}
	return r.Name + "@" + strconv.Itoa(r.Version)
}
