package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/fault"
)

// sseHeartbeat is the interval between keep-alive comments on idle streams.
const sseHeartbeat = 15 * time.Second

// streamEvents serves GET /v1/streams/{kind}/{id}/events as a server-sent
// event stream. Query parameters:
//
//	streams    - comma list of "events", "trace"; default both
//	types      - comma list of event types, exact match
//	categories - comma list of trace categories
//	sinceSeq   - replay persisted records with Seq > sinceSeq before live
//	replay     - "true" replays from the start of the stream
//
// Each record is framed as an "event:" line carrying the record type and a
// "data:" line carrying the wire envelope JSON. A leading ": connected"
// comment establishes the stream.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(ctx, w, fault.New(fault.KindInternal, "response writer does not support streaming"))
		return
	}

	streamID, err := streamKey(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	sub, err := a.eng.Subscribe(ctx, streamID, filter)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case env, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				a.log.Error(ctx, "encode envelope", "stream", streamID, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}

// streamKey validates the {kind}/{id} path pair and renders the stream key.
func streamKey(kind, id string) (string, error) {
	if id == "" {
		return "", fault.Validation("id", "stream id is required")
	}
	switch kind {
	case "runs", "run":
		return event.RunStream(id), nil
	case "conversations", "conversation":
		return event.ConversationStream(id), nil
	default:
		return "", fault.Validation("kind", "stream kind must be runs or conversations")
	}
}

// parseFilter builds the subscription filter from SSE query parameters.
func parseFilter(q map[string][]string) (event.Filter, error) {
	var f event.Filter
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
	if streams := get("streams"); streams != "" {
		for _, s := range strings.Split(streams, ",") {
			switch strings.TrimSpace(s) {
			case "events":
				f.Kinds = append(f.Kinds, event.KindEvent)
			case "trace":
				f.Kinds = append(f.Kinds, event.KindTrace)
			case "":
			default:
				return f, fault.Validation("streams", "stream must be events or trace")
			}
		}
	}
	if types := get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	if categories := get("categories"); categories != "" {
		for _, c := range strings.Split(categories, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.Categories = append(f.Categories, event.Category(c))
			}
		}
	}
	if since := get("sinceSeq"); since != "" {
		n, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			return f, fault.Validation("sinceSeq", "sinceSeq must be a non-negative integer")
		}
		f.Replay = true
		f.SinceSeq = n
	}
	if get("replay") == "true" {
		f.Replay = true
	}
	return f, nil
}
