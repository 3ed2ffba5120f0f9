package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"goa.design/weave/runtime/conversation"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/workflow"
)

type (
	putDefinitionRequest struct {
		Kind        string           `json:"kind"`
		Name        string           `json:"name"`
		Reference   string           `json:"reference,omitempty"`
		Description string           `json:"description,omitempty"`
		Owner       definition.Owner `json:"owner"`
		Tags        []string         `json:"tags,omitempty"`
		Content     map[string]any   `json:"content"`
		Autoversion *bool            `json:"autoversion,omitempty"`
		Version     int              `json:"version,omitempty"`
		Force       bool             `json:"force,omitempty"`
	}

	putDefinitionResponse struct {
		Definition    *definition.Definition `json:"definition"`
		Reused        bool                   `json:"reused"`
		LatestVersion int                    `json:"latestVersion"`
	}

	startRunRequest struct {
		DefinitionID      string           `json:"definitionId,omitempty"`
		DefinitionRef     string           `json:"definitionRef,omitempty"`
		DefinitionVersion int              `json:"definitionVersion,omitempty"`
		Owner             definition.Owner `json:"owner,omitempty"`
		Input             map[string]any   `json:"input,omitempty"`
	}

	startRunResponse struct {
		RunID string `json:"runId"`
	}

	startConversationRequest struct {
		PersonaRef     string           `json:"personaRef,omitempty"`
		PersonaID      string           `json:"personaId,omitempty"`
		PersonaVersion int              `json:"personaVersion,omitempty"`
		Owner          definition.Owner `json:"owner,omitempty"`
		Title          string           `json:"title,omitempty"`
	}

	startConversationResponse struct {
		ConversationID string `json:"conversationId"`
	}

	postMessageRequest struct {
		Content string `json:"content"`
		DelayMs int64  `json:"delayMs,omitempty"`
	}

	postMessageResponse struct {
		TurnID string `json:"turnId"`
	}

	statusResponse struct {
		Status string `json:"status"`
	}
)

func (a *api) putDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req putDefinitionRequest
	if !a.decode(w, r, &req) {
		return
	}
	kind := definition.Kind(req.Kind)
	if !kind.Valid() {
		a.writeError(ctx, w, fault.Validation("kind", "unknown definition kind "+strconv.Quote(req.Kind)))
		return
	}
	draft := definition.Draft{
		Kind:        kind,
		Name:        req.Name,
		Reference:   req.Reference,
		Description: req.Description,
		Owner:       req.Owner,
		Tags:        req.Tags,
		Content:     req.Content,
		Autoversion: req.Autoversion == nil || *req.Autoversion,
		Version:     req.Version,
		Force:       req.Force,
	}
	res, err := a.eng.PutDefinition(ctx, draft)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	a.writeJSON(ctx, w, status, putDefinitionResponse{
		Definition:    res.Definition,
		Reused:        res.Reused,
		LatestVersion: res.LatestVersion,
	})
}

func (a *api) getDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(ctx, w, fault.Validation("version", "version must be a non-negative integer"))
			return
		}
		version = n
	}
	def, err := a.eng.GetDefinition(ctx, chi.URLParam(r, "id"), version)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, def)
}

func (a *api) listDefinitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	kind := definition.Kind(q.Get("kind"))
	if !kind.Valid() {
		a.writeError(ctx, w, fault.Validation("kind", "kind query parameter is required"))
		return
	}
	owner := definition.Owner{ProjectID: q.Get("projectId"), LibraryID: q.Get("libraryId")}
	defs, err := a.eng.ListDefinitions(ctx, kind, owner)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"definitions": defs})
}

func (a *api) startRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req startRunRequest
	if !a.decode(w, r, &req) {
		return
	}
	defID := req.DefinitionID
	if defID == "" && req.DefinitionRef != "" {
		def, err := a.eng.ResolveDefinition(ctx, definition.KindWorkflow, req.DefinitionRef, req.Owner)
		if err != nil {
			a.writeError(ctx, w, err)
			return
		}
		defID = def.ID
		if req.DefinitionVersion == 0 {
			req.DefinitionVersion = def.Version
		}
	}
	if defID == "" {
		a.writeError(ctx, w, fault.Validation("definitionId", "definitionId or definitionRef is required"))
		return
	}
	runID, err := a.eng.StartRun(ctx, workflow.StartRequest{
		DefinitionID:      defID,
		DefinitionVersion: req.DefinitionVersion,
		Input:             req.Input,
	})
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := a.eng.InspectRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, run)
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := a.eng.CancelRun(ctx, chi.URLParam(r, "id")); err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusAccepted, statusResponse{Status: "cancelling"})
}

func (a *api) startConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req startConversationRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, err := a.eng.StartConversation(ctx, conversation.StartRequest{
		PersonaRef:     req.PersonaRef,
		PersonaID:      req.PersonaID,
		PersonaVersion: req.PersonaVersion,
		Owner:          req.Owner,
		Title:          req.Title,
	})
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusCreated, startConversationResponse{ConversationID: id})
}

func (a *api) getConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := a.eng.InspectConversation(ctx, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, snap)
}

func (a *api) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req postMessageRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		a.writeError(ctx, w, fault.Validation("content", "message content is required"))
		return
	}
	if req.DelayMs < 0 {
		a.writeError(ctx, w, fault.Validation("delayMs", "delay must not be negative"))
		return
	}
	turnID, err := a.eng.PostMessage(ctx, chi.URLParam(r, "id"), req.Content,
		time.Duration(req.DelayMs)*time.Millisecond)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusAccepted, postMessageResponse{TurnID: turnID})
}

func (a *api) closeConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := a.eng.CloseConversation(ctx, chi.URLParam(r, "id")); err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, statusResponse{Status: "closed"})
}
