// Package httpapi exposes the engine over HTTP: a JSON management API for
// definitions, runs, and conversations, a server-sent-events endpoint for
// live stream subscriptions, and a health endpoint aggregating store pingers.
//
// The package accepts anything implementing Engine; in production that is
// *weave.Engine. Handlers translate fault kinds to HTTP statuses and wrap
// failures in a typed error envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/health"

	"goa.design/weave/runtime/conversation"
	"goa.design/weave/runtime/definition"
	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/telemetry"
	"goa.design/weave/runtime/workflow"
)

type (
	// Engine is the subset of the weave engine surface the HTTP API serves.
	Engine interface {
		PutDefinition(ctx context.Context, draft definition.Draft) (*definition.PutResult, error)
		GetDefinition(ctx context.Context, id string, version int) (*definition.Definition, error)
		ResolveDefinition(ctx context.Context, kind definition.Kind, ref string, owner definition.Owner) (*definition.Definition, error)
		ListDefinitions(ctx context.Context, kind definition.Kind, owner definition.Owner) ([]*definition.Definition, error)

		StartRun(ctx context.Context, req workflow.StartRequest) (string, error)
		CancelRun(ctx context.Context, runID string) error
		InspectRun(ctx context.Context, runID string) (*workflow.Run, error)

		StartConversation(ctx context.Context, req conversation.StartRequest) (string, error)
		PostMessage(ctx context.Context, conversationID, content string, delay time.Duration) (string, error)
		CloseConversation(ctx context.Context, conversationID string) error
		InspectConversation(ctx context.Context, conversationID string) (*conversation.Snapshot, error)

		Subscribe(ctx context.Context, streamID string, f event.Filter) (*stream.Subscription, error)
		Replay(ctx context.Context, streamID string, sinceSeq uint64, limit int) ([]*event.Event, error)
	}

	// Option customizes the API handler.
	Option func(*api)

	api struct {
		eng     Engine
		log     telemetry.Logger
		pingers []health.Pinger
	}

	// errorBody is the typed error envelope returned on failures.
	errorBody struct {
		Kind    string `json:"kind"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	}

	errorEnvelope struct {
		Error errorBody `json:"error"`
	}
)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *api) { a.log = l }
}

// WithPingers registers health pingers aggregated by GET /healthz.
func WithPingers(pingers ...health.Pinger) Option {
	return func(a *api) { a.pingers = append(a.pingers, pingers...) }
}

// New builds the HTTP handler serving the management API, the SSE stream
// endpoint, and /healthz.
func New(eng Engine, opts ...Option) http.Handler {
	a := &api{eng: eng, log: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", health.Handler(health.NewChecker(a.pingers...)))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/definitions", a.putDefinition)
		r.Get("/definitions", a.listDefinitions)
		r.Get("/definitions/{id}", a.getDefinition)

		r.Post("/runs", a.startRun)
		r.Get("/runs/{id}", a.getRun)
		r.Post("/runs/{id}/cancel", a.cancelRun)

		r.Post("/conversations", a.startConversation)
		r.Get("/conversations/{id}", a.getConversation)
		r.Post("/conversations/{id}/messages", a.postMessage)
		r.Post("/conversations/{id}/close", a.closeConversation)

		r.Get("/streams/{kind}/{id}/events", a.streamEvents)
	})
	return r
}

func (a *api) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error(ctx, "encode response", "err", err)
	}
}

// writeError maps fault kinds onto HTTP statuses and renders the error
// envelope. Unclassified errors surface as 500 with kind internal.
func (a *api) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	body := errorBody{Kind: string(fault.KindInternal), Message: err.Error()}
	status := http.StatusInternalServerError

	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Kind = string(fe.Kind)
		body.Code = fe.Code
		body.Field = fe.Field
		switch fe.Kind {
		case fault.KindValidation, fault.KindExpression:
			status = http.StatusBadRequest
		case fault.KindNotFound:
			status = http.StatusNotFound
		case fault.KindConflict:
			status = http.StatusConflict
		case fault.KindTimeout:
			status = http.StatusGatewayTimeout
		case fault.KindStorage:
			status = http.StatusServiceUnavailable
		}
	} else {
		switch {
		case errors.Is(err, definition.ErrNotFound),
			errors.Is(err, workflow.ErrNotFound),
			errors.Is(err, conversation.ErrNotFound):
			body.Kind = string(fault.KindNotFound)
			status = http.StatusNotFound
		case errors.Is(err, definition.ErrVersionExists):
			body.Kind = string(fault.KindConflict)
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		a.log.Error(ctx, "request failed", "err", err)
	}
	a.writeJSON(ctx, w, status, errorEnvelope{Error: body})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		a.writeError(r.Context(), w, fault.Validation("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}
