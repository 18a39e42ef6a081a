// Package ws exposes the relay over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/accord/backend/internal/metrics"
	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/service/auth"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
	"github.com/zhouzirui/accord/backend/internal/service/relay"
	"github.com/zhouzirui/accord/backend/internal/service/rooms"
)

// Inbound frame types.
const (
	typeAuthenticate  = "authenticate"
	typeDirectMessage = "direct_message"
	typeGroupMessage  = "group_message"
	typeAnalyzeChat   = "analyze_chat"
)

// Config tunes connection handling.
type Config struct {
	AuthTimeout    time.Duration
	SendRate       float64
	SendBurst      int
	AllowedOrigins []string
}

// Dependencies are the services a connection talks to.
type Dependencies struct {
	Verifier      auth.Verifier
	Relay         *relay.Relay
	Presence      *presence.Registry
	Subscriptions *rooms.Subscriptions
	Resolver      *rooms.Resolver
	Logger        *zap.Logger
}

// Handler upgrades /ws requests and runs one session per connection.
type Handler struct {
	cfg      Config
	verifier auth.Verifier
	relay    *relay.Relay
	presence *presence.Registry
	subs     *rooms.Subscriptions
	resolver *rooms.Resolver
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler applies connection defaults and builds the upgrader.
func NewHandler(cfg Config, deps Dependencies) *Handler {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 5
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 10
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		cfg:      cfg,
		verifier: deps.Verifier,
		relay:    deps.Relay,
		presence: deps.Presence,
		subs:     deps.Subscriptions,
		resolver: deps.Resolver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts GET /ws.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type directMessagePayload struct {
	ReceiverID int64  `json:"receiverId"`
	Body       string `json:"body"`
}

type groupMessagePayload struct {
	GroupID int64  `json:"groupId"`
	Body    string `json:"body"`
}

// analyzePayload accepts either a room key or the chatId/chatType pair older
// clients send.
type analyzePayload struct {
	RoomKey  chat.RoomKey `json:"roomKey"`
	ChatID   int64        `json:"chatId"`
	ChatType string       `json:"chatType"`
}

func (p analyzePayload) room(userID int64) chat.RoomKey {
	if p.RoomKey != "" || p.ChatID <= 0 {
		return p.RoomKey
	}
	if p.ChatType == "group" {
		return chat.GroupRoomKey(p.ChatID)
	}
	return chat.DirectRoomKey(userID, p.ChatID)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	userID, err := h.authenticate(conn, r.URL.Query().Get("token"))
	if err != nil {
		metrics.AuthFailures.Inc()
		h.logger.Info("websocket authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, userID, rate.NewLimiter(rate.Limit(h.cfg.SendRate), h.cfg.SendBurst), h.logger)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()
	defer func() {
		c.close()
		<-pumpDone
	}()

	joined, err := h.join(ctx, c)
	if err != nil {
		c.logger.Error("failed to join rooms", zap.Error(err))
		c.sendError("could not load your rooms")
		return
	}
	metrics.ActiveConnections.Set(float64(h.presence.Count()))
	defer func() {
		h.subs.Leave(c)
		h.presence.Deregister(c)
		metrics.ActiveConnections.Set(float64(h.presence.Count()))
		c.logger.Info("connection closed")
	}()

	c.logger.Info("connection joined", zap.Int("rooms", len(joined)))
	if err := c.Send(chat.Joined(userID, joined)); err != nil {
		return
	}

	h.readLoop(ctx, c)
}

// authenticate resolves the caller's identity from the upgrade query or from
// an authenticate frame received within AuthTimeout.
func (h *Handler) authenticate(conn *websocket.Conn, queryToken string) (int64, error) {
	if queryToken != "" {
		return h.verifier.Verify(queryToken)
	}

	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("waiting for authenticate frame: %w", err)
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, fmt.Errorf("decode authenticate frame: %w", err)
	}
	if msg.Type != typeAuthenticate {
		return 0, fmt.Errorf("expected %s frame, got %q", typeAuthenticate, msg.Type)
	}

	var payload authenticatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return 0, fmt.Errorf("decode authenticate payload: %w", err)
	}
	return h.verifier.Verify(payload.Token)
}

// join registers c and snapshots its group rooms. The returned rooms are the
// snapshot sends from c are checked against.
func (h *Handler) join(ctx context.Context, c *client) ([]chat.RoomKey, error) {
	keys, err := h.resolver.RoomsFor(ctx, c.UserID())
	if err != nil {
		return nil, err
	}
	h.presence.Register(c)
	h.subs.Join(c, keys)

	joined := h.subs.RoomsOf(c)
	if joined == nil {
		joined = []chat.RoomKey{}
	}
	return joined, nil
}

func (h *Handler) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		h.handleMessage(ctx, c, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *client, msg *inboundMessage) {
	switch msg.Type {
	case typeDirectMessage:
		var payload directMessagePayload
		if !h.decode(c, msg, &payload) || !h.allow(c) {
			return
		}
		h.send(ctx, c, relay.SendRequest{ReceiverID: payload.ReceiverID, Body: payload.Body})
	case typeGroupMessage:
		var payload groupMessagePayload
		if !h.decode(c, msg, &payload) || !h.allow(c) {
			return
		}
		h.send(ctx, c, relay.SendRequest{GroupID: payload.GroupID, Body: payload.Body})
	case typeAnalyzeChat:
		var payload analyzePayload
		if !h.decode(c, msg, &payload) || !h.allow(c) {
			return
		}
		if err := h.relay.Analyze(ctx, c, payload.room(c.UserID())); err != nil {
			c.logger.Debug("analysis not scheduled", zap.Error(err))
		}
	case typeAuthenticate:
		c.sendError("already authenticated")
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

func (h *Handler) send(ctx context.Context, c *client, req relay.SendRequest) {
	if _, err := h.relay.Send(ctx, c, req); err != nil {
		if errors.Is(err, relay.ErrRejected) {
			c.logger.Debug("send rejected", zap.Error(err))
			return
		}
		c.logger.Warn("send failed", zap.Error(err))
	}
}

func (h *Handler) decode(c *client, msg *inboundMessage, out any) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		c.sendError("invalid " + msg.Type + " payload")
		return false
	}
	return true
}

// allow applies the per-connection send budget.
func (h *Handler) allow(c *client) bool {
	if c.limiter.Allow() {
		return true
	}
	metrics.MessagesRejected.WithLabelValues(relay.ReasonRateLimited).Inc()
	if err := c.Send(chat.Rejected(relay.ReasonRateLimited)); err != nil {
		c.logger.Debug("dropping rate limit notice", zap.Error(err))
	}
	return false
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
