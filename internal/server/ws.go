package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"auditline/internal/domain"
	"auditline/internal/engine/auth"
	"auditline/internal/registry"
)

const (
	defaultSendBuffer     = 64
	defaultWriteTimeout   = 10 * time.Second
	defaultReadTimeout    = registry.DefaultTimeout
	defaultMaxMessageSize = 4096
)

// WebSocketConfig tunes the /ws endpoint.
type WebSocketConfig struct {
	// SendBuffer is the number of outbound frames queued per connection
	// before writes fail with backpressure.
	SendBuffer   int
	WriteTimeout time.Duration
	// ReadTimeout closes a socket that sends nothing, not even a pong, for
	// this long. It should match the registry liveness timeout.
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout / 2
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// Client messages. decodeClientMessage returns exactly one of these.

type clientMessage interface {
	clientMessage()
}

type subscribeMessage struct {
	OwnerID string
	Channel string
}

type unsubscribeMessage struct {
	// Channel is empty for unsubscribe-all.
	Channel string
}

type pingMessage struct{}

func (subscribeMessage) clientMessage()   {}
func (unsubscribeMessage) clientMessage() {}
func (pingMessage) clientMessage()        {}

type wireClientMessage struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func decodeClientMessage(data []byte) (clientMessage, error) {
	var raw wireClientMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ValidationError{Field: "message", Reason: "malformed JSON"}
	}
	switch raw.Type {
	case "subscribe":
		if raw.Channel == "" {
			return nil, domain.ValidationError{Field: "channel", Reason: "required for subscribe"}
		}
		return subscribeMessage{OwnerID: raw.OwnerID, Channel: raw.Channel}, nil
	case "unsubscribe":
		return unsubscribeMessage{Channel: raw.Channel}, nil
	case "ping":
		return pingMessage{}, nil
	case "":
		return nil, domain.ValidationError{Field: "type", Reason: "required"}
	default:
		return nil, domain.ValidationError{Field: "type", Reason: "unknown message type " + raw.Type}
	}
}

// Server replies.

const (
	replyConnected    = "connected"
	replySubscribed   = "subscribed"
	replyUnsubscribed = "unsubscribed"
	replyPong         = "pong"
	replyError        = "error"
)

type wsErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type serverMessage struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connectionId,omitempty"`
	Channel      string       `json:"channel,omitempty"`
	Error        *wsErrorBody `json:"error,omitempty"`
	Timestamp    string       `json:"timestamp"`
}

// wsTransport adapts a gorilla connection to registry.Transport. Frames are
// queued on out and written by a single writeLoop goroutine.
type wsTransport struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
	cfg  WebSocketConfig
}

func newWSTransport(conn *websocket.Conn, cfg WebSocketConfig) *wsTransport {
	return &wsTransport{
		conn: conn,
		out:  make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
		cfg:  cfg,
	}
}

func (t *wsTransport) Write(payload []byte) error {
	select {
	case <-t.done:
		return registry.ErrClosed
	default:
	}
	select {
	case t.out <- payload:
		return nil
	case <-t.done:
		return registry.ErrClosed
	default:
		return registry.ErrBackpressure
	}
}

func (t *wsTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *wsTransport) writeLoop() {
	ping := time.NewTicker(t.cfg.PingInterval)
	defer func() {
		ping.Stop()
		t.conn.Close()
	}()
	for {
		select {
		case msg := <-t.out:
			if err := t.write(msg); err != nil {
				t.Close()
				return
			}
		case <-ping.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.Close()
				return
			}
		case <-t.done:
			t.flush()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes frames queued before Close, so a final reply is not lost.
func (t *wsTransport) flush() {
	for {
		select {
		case msg := <-t.out:
			if err := t.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) write(msg []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

type wsHandler struct {
	registry *registry.Registry
	authz    SubscriptionAuthorizer
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func newWSHandler(reg *registry.Registry, authz SubscriptionAuthorizer, cfg WebSocketConfig, log zerolog.Logger) *wsHandler {
	cfg = cfg.withDefaults()
	return &wsHandler{
		registry: reg,
		authz:    authz,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, authErr := principalFromRequest(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	t := newWSTransport(conn, h.cfg)
	go t.writeLoop()

	s := &wsSession{
		id:        uuid.NewString(),
		principal: principal,
		transport: t,
		h:         h,
		log:       h.log.With().Str("owner_id", principal.ActorID).Logger(),
	}
	s.log = s.log.With().Str("connection_id", s.id).Logger()
	s.reply(serverMessage{Type: replyConnected, ConnectionID: s.id})

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.registry.RecordLiveness(s.id)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		if !s.handle(r.Context(), data) {
			break
		}
	}
	s.close("disconnected")
}

type wsSession struct {
	id         string
	principal  Principal
	transport  *wsTransport
	h          *wsHandler
	registered bool
	log        zerolog.Logger
}

// handle routes one inbound frame. It returns false when the session should
// end.
func (s *wsSession) handle(ctx context.Context, data []byte) bool {
	msg, err := decodeClientMessage(data)
	if err != nil {
		s.replyError(err)
		return true
	}
	switch m := msg.(type) {
	case subscribeMessage:
		s.subscribe(ctx, m)
	case unsubscribeMessage:
		if m.Channel == "" {
			s.reply(serverMessage{Type: replyUnsubscribed})
			s.close("unsubscribe_all")
			return false
		}
		if s.registered {
			_ = s.h.registry.Unsubscribe(s.id, m.Channel)
		}
		s.reply(serverMessage{Type: replyUnsubscribed, Channel: m.Channel})
	case pingMessage:
		s.h.registry.RecordLiveness(s.id)
		s.reply(serverMessage{Type: replyPong})
	}
	return true
}

func (s *wsSession) subscribe(ctx context.Context, m subscribeMessage) {
	if m.OwnerID != "" && m.OwnerID != s.principal.ActorID {
		s.replyError(auth.ForbiddenError{Channel: m.Channel})
		return
	}
	if err := s.h.authz.CanSubscribe(ctx, s.principal.ActorID, m.Channel); err != nil {
		s.replyError(err)
		return
	}
	if !s.registered {
		if err := s.h.registry.Register(registry.Connection{
			ID:        s.id,
			OwnerID:   s.principal.ActorID,
			Transport: s.transport,
		}); err != nil {
			s.replyError(err)
			return
		}
		s.registered = true
	}
	if err := s.h.registry.Subscribe(s.id, m.Channel); err != nil {
		s.replyError(err)
		return
	}
	s.reply(serverMessage{Type: replySubscribed, Channel: m.Channel})
}

func (s *wsSession) close(reason string) {
	if s.registered {
		if reason == "unsubscribe_all" {
			s.h.registry.UnsubscribeAll(s.id)
		} else {
			s.h.registry.Close(s.id, reason)
		}
		s.registered = false
		return
	}
	s.transport.Close()
}

func (s *wsSession) reply(m serverMessage) {
	m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b, err := json.Marshal(m)
	if err != nil {
		s.log.Error().Err(err).Msg("encode reply")
		return
	}
	if err := s.transport.Write(b); err != nil {
		s.log.Debug().Err(err).Str("type", m.Type).Msg("reply dropped")
	}
}

func (s *wsSession) replyError(err error) {
	body := &wsErrorBody{Code: "internal_error", Message: "internal error"}
	var (
		ve domain.ValidationError
		ce domain.ConfigurationError
		fe auth.ForbiddenError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ce):
		body = &wsErrorBody{Code: "bad_request", Message: err.Error()}
	case errors.As(err, &fe):
		body = &wsErrorBody{Code: "forbidden", Message: err.Error()}
	default:
		s.log.Warn().Err(err).Msg("subscription failed")
	}
	s.reply(serverMessage{Type: replyError, Error: body})
}
