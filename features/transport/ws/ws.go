// Package ws exposes stream subscriptions over a WebSocket endpoint. A
// single socket multiplexes any number of subscriptions: clients send
// subscribe/unsubscribe control messages and receive wire envelopes tagged
// with the subscription that matched them.
//
// One writer goroutine owns the socket write side; per-subscription pumps
// forward envelopes onto its outbound channel, so concurrent subscriptions
// never interleave frames.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/weave/runtime/event"
	"goa.design/weave/runtime/stream"
	"goa.design/weave/runtime/telemetry"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is the read deadline refreshed by client pongs.
	pongWait = 60 * time.Second
	// pingPeriod is the server ping cadence; must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// outboundBuffer is the per-socket send queue. A socket that falls
	// this far behind is closed.
	outboundBuffer = 256
)

type (
	// Subscriber attaches filtered subscriptions to stream keys. In
	// production this is *weave.Engine.
	Subscriber interface {
		Subscribe(ctx context.Context, streamID string, f event.Filter) (*stream.Subscription, error)
	}

	// Handler is the http.Handler serving the WebSocket endpoint.
	Handler struct {
		subs     Subscriber
		log      telemetry.Logger
		upgrader websocket.Upgrader
	}

	// Option customizes the handler.
	Option func(*Handler)

	// clientMessage is the inbound control frame.
	clientMessage struct {
		// Type is "subscribe" or "unsubscribe".
		Type string `json:"type"`
		// ID names the subscription within this socket.
		ID string `json:"id"`
		// Stream is the stream key, e.g. "run/run-1f3a".
		Stream string `json:"stream,omitempty"`
		// Filters selects records for subscribe messages.
		Filters event.Filter `json:"filters,omitempty"`
	}

	// serverMessage is the outbound frame.
	serverMessage struct {
		// Type is "event", "subscribed", "unsubscribed", or "error".
		Type string `json:"type"`
		// SubscriptionID names the subscription the frame belongs to.
		SubscriptionID string `json:"subscriptionId,omitempty"`
		// Stream is "events" or "trace" on event frames.
		Stream string `json:"stream,omitempty"`
		// Event is the wire envelope on event frames.
		Event *event.Envelope `json:"event,omitempty"`
		// Message carries error text on error frames.
		Message string `json:"message,omitempty"`
	}

	// session is the per-socket state.
	session struct {
		handler *Handler
		conn    *websocket.Conn
		send    chan serverMessage

		mu   sync.Mutex
		subs map[string]*stream.Subscription
	}
)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithCheckOrigin replaces the upgrader origin check. The default accepts
// every origin; deployments terminate auth upstream.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// New builds the WebSocket handler over the subscriber.
func New(subs Subscriber, opts ...Option) *Handler {
	h := &Handler{
		subs: subs,
		log:  telemetry.NewNoopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection and runs the session until the client
// disconnects or the write side stalls.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	s := &session{
		handler: h,
		conn:    conn,
		send:    make(chan serverMessage, outboundBuffer),
		subs:    make(map[string]*stream.Subscription),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.writeLoop(ctx, cancel)
	s.readLoop(ctx, cancel)
}

// readLoop processes control frames until the connection drops.
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		s.closeAll()
		_ = s.conn.Close()
	}()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			s.subscribe(ctx, msg)
		case "unsubscribe":
			s.unsubscribe(msg.ID)
		default:
			s.reply(ctx, serverMessage{Type: "error", Message: "unknown message type " + msg.Type})
		}
	}
}

// writeLoop owns the socket write side: queued frames plus keep-alive pings.
func (s *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		cancel()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) subscribe(ctx context.Context, msg clientMessage) {
	if msg.ID == "" || msg.Stream == "" {
		s.reply(ctx, serverMessage{Type: "error", Message: "subscribe requires id and stream"})
		return
	}
	s.mu.Lock()
	if _, exists := s.subs[msg.ID]; exists {
		s.mu.Unlock()
		s.reply(ctx, serverMessage{Type: "error", SubscriptionID: msg.ID, Message: "subscription id already in use"})
		return
	}
	s.mu.Unlock()

	sub, err := s.handler.subs.Subscribe(ctx, msg.Stream, msg.Filters)
	if err != nil {
		s.reply(ctx, serverMessage{Type: "error", SubscriptionID: msg.ID, Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.subs[msg.ID] = sub
	s.mu.Unlock()

	s.reply(ctx, serverMessage{Type: "subscribed", SubscriptionID: msg.ID})
	go s.pump(ctx, msg.ID, sub)
}

// pump forwards one subscription's envelopes onto the shared send queue.
func (s *session) pump(ctx context.Context, id string, sub *stream.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-sub.Events():
			if !open {
				return
			}
			streamName := "events"
			if env.Kind == event.KindTrace {
				streamName = "trace"
			}
			e := env
			s.reply(ctx, serverMessage{
				Type:           "event",
				SubscriptionID: id,
				Stream:         streamName,
				Event:          &e,
			})
		}
	}
}

func (s *session) unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (s *session) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*stream.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// reply queues a frame, dropping the connection if the queue is full.
func (s *session) reply(ctx context.Context, msg serverMessage) {
	select {
	case s.send <- msg:
	default:
		s.handler.log.Warn(ctx, "websocket send queue full, dropping connection")
		_ = s.conn.Close()
	}
}
