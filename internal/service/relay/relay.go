// Package relay validates, persists and fans out chat messages, and runs the
// @ai turns and conversation analyses they trigger.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zhouzirui/accord/backend/internal/analysis/tags"
	"github.com/zhouzirui/accord/backend/internal/metrics"
	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/model/roster"
	"github.com/zhouzirui/accord/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/accord/backend/internal/service/chat"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
	"github.com/zhouzirui/accord/backend/internal/service/rooms"
)

var (
	// ErrRejected wraps every send refused before or during persistence.
	ErrRejected = errors.New("message rejected")
	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("relay is shutting down")
)

// Rejection reasons sent back to clients in message.rejected.
const (
	ReasonEmptyBody        = "message body is empty"
	ReasonTooLong          = "message is too long"
	ReasonNoTarget         = "exactly one of receiverId or groupId is required"
	ReasonUnknownRecipient = "unknown recipient"
	ReasonNotMember        = "not a member of this group"
	ReasonPersistFailed    = "message could not be saved"
	ReasonRateLimited      = "rate limited"
	ReasonUnavailable      = "server is shutting down"
)

const (
	defaultMaxBodyLength        = 1000
	defaultHistoryLimit         = 50
	defaultAnalysisHistoryLimit = 100
	defaultAITimeout            = 30 * time.Second
	defaultFallbackMessage      = "Sorry, I'm having trouble responding right now. Please try again later."
)

// Config tunes validation and AI behaviour.
type Config struct {
	MaxBodyLength        int
	SystemUserID         int64
	HistoryLimit         int
	AnalysisHistoryLimit int
	AITimeout            time.Duration
	FallbackMessage      string
}

func (c Config) withDefaults() Config {
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = defaultMaxBodyLength
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.AnalysisHistoryLimit <= 0 {
		c.AnalysisHistoryLimit = defaultAnalysisHistoryLimit
	}
	if c.AITimeout <= 0 {
		c.AITimeout = defaultAITimeout
	}
	if strings.TrimSpace(c.FallbackMessage) == "" {
		c.FallbackMessage = defaultFallbackMessage
	}
	return c
}

// Dependencies are the collaborators a Relay writes through.
type Dependencies struct {
	Store         chatservice.Store
	Directory     roster.Directory
	Presence      *presence.Registry
	Subscriptions *rooms.Subscriptions
	Inference     ai.Inference
	Logger        *zap.Logger
}

// SendRequest is one inbound send. Exactly one of ReceiverID and GroupID is set.
type SendRequest struct {
	ReceiverID int64
	GroupID    int64
	Body       string
}

// Relay is safe for concurrent use by every connection.
type Relay struct {
	cfg       Config
	store     chatservice.Store
	directory roster.Directory
	presence  *presence.Registry
	subs      *rooms.Subscriptions
	inference ai.Inference
	logger    *zap.Logger
	locks     *roomLocks

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New wires a relay. A nil Inference behaves as ai.Disabled.
func New(cfg Config, deps Dependencies) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inference := deps.Inference
	if inference == nil {
		inference = ai.Disabled{}
	}

	cfg = cfg.withDefaults()
	if cfg.SystemUserID == 0 {
		logger.Warn("no AI system user configured, @ai tags will be ignored")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:       cfg,
		store:     deps.Store,
		directory: deps.Directory,
		presence:  deps.Presence,
		subs:      deps.Subscriptions,
		inference: inference,
		logger:    logger,
		locks:     newRoomLocks(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send validates, persists and delivers one message from h. Rejections are
// reported to h alone and returned wrapped in ErrRejected. When the body
// carries @ai, an AI turn is dispatched after delivery and Send returns
// without waiting for it.
func (r *Relay) Send(ctx context.Context, from presence.Handle, req SendRequest) (chat.Message, error) {
	room, reason := r.validate(ctx, from, req)
	if reason != "" {
		return chat.Message{}, r.reject(from, reason)
	}

	parsed := tags.Parse(req.Body)
	mentions, err := tags.Resolve(ctx, parsed, r.directory)
	if err != nil {
		r.logger.Warn("mention lookup failed, delivering without mentions",
			zap.String("room", string(room)),
			zap.Error(err))
		mentions = nil
	}

	stored, err := r.commit(ctx, chat.Message{
		RoomKey:     room,
		SenderID:    from.UserID(),
		Body:        req.Body,
		Mentions:    mentions,
		AIRequested: parsed.AIRequested,
	}, r.roomTargets)
	if err != nil {
		r.logger.Error("failed to persist message",
			zap.String("room", string(room)),
			zap.Int64("sender", from.UserID()),
			zap.Error(err))
		return chat.Message{}, r.reject(from, ReasonPersistFailed)
	}

	r.noteOfflinePeer(stored)
	if stored.AIRequested {
		r.dispatchAITurn(stored)
	}
	return stored, nil
}

// noteOfflinePeer counts direct messages whose recipient had no live handle.
// Such a message is only in history until the recipient reads it back.
func (r *Relay) noteOfflinePeer(msg chat.Message) {
	parsed, err := msg.RoomKey.Parse()
	if err != nil || parsed.Kind != chat.DirectRoom {
		return
	}
	peer := parsed.Other(msg.SenderID)
	if r.presence.Online(peer) {
		return
	}
	metrics.OfflineDirectMessages.Inc()
	r.logger.Debug("recipient offline, message kept in history",
		zap.String("room", string(msg.RoomKey)),
		zap.Int64("recipient", peer))
}

// validate resolves the room key for req or returns a rejection reason.
func (r *Relay) validate(ctx context.Context, from presence.Handle, req SendRequest) (chat.RoomKey, string) {
	if strings.TrimSpace(req.Body) == "" {
		return "", ReasonEmptyBody
	}
	if utf8.RuneCountInString(req.Body) > r.cfg.MaxBodyLength {
		return "", ReasonTooLong
	}

	switch {
	case req.ReceiverID > 0 && req.GroupID == 0:
		names, err := r.directory.DisplayNames(ctx, []int64{req.ReceiverID})
		if err != nil {
			r.logger.Warn("recipient lookup failed", zap.Int64("receiver", req.ReceiverID), zap.Error(err))
			return "", ReasonUnknownRecipient
		}
		if _, ok := names[req.ReceiverID]; !ok {
			return "", ReasonUnknownRecipient
		}
		return chat.DirectRoomKey(from.UserID(), req.ReceiverID), ""
	case req.GroupID > 0 && req.ReceiverID == 0:
		room := chat.GroupRoomKey(req.GroupID)
		if !r.subs.Joined(from, room) {
			return "", ReasonNotMember
		}
		return room, ""
	default:
		return "", ReasonNoTarget
	}
}

func (r *Relay) reject(h presence.Handle, reason string) error {
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	r.deliver([]presence.Handle{h}, chat.Rejected(reason))
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// commit persists msg and delivers it to targets while holding the room lock,
// so every recipient sees a room's messages in persisted order.
func (r *Relay) commit(ctx context.Context, msg chat.Message, targets func(chat.RoomKey) []presence.Handle) (chat.Message, error) {
	senderName := r.displayName(ctx, msg.SenderID)

	release, err := r.locks.acquire(ctx, msg.RoomKey)
	if err != nil {
		return chat.Message{}, fmt.Errorf("acquire room lock: %w", err)
	}
	defer release()

	start := time.Now()
	stored, err := r.store.Append(ctx, msg)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return chat.Message{}, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesPersisted.WithLabelValues(roomType(stored.RoomKey)).Inc()

	r.deliver(targets(stored.RoomKey), chat.Delivered(stored, senderName))
	return stored, nil
}

// displayName looks up userID's name for delivery payloads. A failed lookup
// leaves the name empty rather than blocking the message.
func (r *Relay) displayName(ctx context.Context, userID int64) string {
	names, err := r.directory.DisplayNames(ctx, []int64{userID})
	if err != nil {
		r.logger.Warn("sender name lookup failed", zap.Int64("user", userID), zap.Error(err))
		return ""
	}
	return names[userID]
}

// roomTargets lists the live handles that receive a room's traffic: both
// participants' handles for a direct room, the joined snapshot for a group.
func (r *Relay) roomTargets(room chat.RoomKey) []presence.Handle {
	parsed, err := room.Parse()
	if err != nil {
		r.logger.Error("cannot route invalid room key", zap.String("room", string(room)), zap.Error(err))
		return nil
	}
	if parsed.Kind == chat.GroupRoom {
		return r.subs.Handles(room)
	}

	targets := r.presence.HandlesFor(parsed.Peers[0])
	if parsed.Peers[1] != parsed.Peers[0] {
		targets = append(targets, r.presence.HandlesFor(parsed.Peers[1])...)
	}
	return targets
}

// deliver hands event to every target. A failing handle is logged and
// counted without affecting the rest.
func (r *Relay) deliver(targets []presence.Handle, event chat.Event) {
	for _, h := range targets {
		if err := h.Send(event); err != nil {
			metrics.DeliveryFailures.Inc()
			r.logger.Warn("delivery failed",
				zap.String("event", string(event.Type)),
				zap.String("handle", h.ID()),
				zap.Int64("user", h.UserID()),
				zap.Error(err))
			continue
		}
		metrics.Deliveries.Inc()
	}
}

// spawn runs fn on a supervised goroutine bound to the relay's lifetime.
func (r *Relay) spawn(task string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("background task panicked",
					zap.String("task", task),
					zap.Any("panic", p),
					zap.Stack("stack"))
			}
		}()
		fn(r.ctx)
	}()
	return true
}

// Shutdown stops accepting background work, cancels in-flight AI turns and
// analyses, and waits for them until ctx ends.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

func roomType(room chat.RoomKey) string {
	parsed, err := room.Parse()
	if err != nil {
		return "unknown"
	}
	return string(parsed.Kind)
}
