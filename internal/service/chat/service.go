package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
)

var (
	ErrRoomRequired   = errors.New("room key is required")
	ErrSenderRequired = errors.New("sender id is required")
)

// Store is the durable message log the relay writes through.
type Store interface {
	// Append persists msg and returns it with ID and CreatedAt assigned.
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)
	// RecentHistory returns up to limit of the newest messages in room,
	// oldest first.
	RecentHistory(ctx context.Context, room chat.RoomKey, limit int) ([]chat.Message, error)
}

// Service keeps the message log in memory, suitable for local runs and tests.
type Service struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[chat.RoomKey][]chat.Message
	now      func() time.Time
}

// NewService bootstraps an empty in-memory log.
func NewService() *Service {
	return &Service{
		messages: make(map[chat.RoomKey][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append stores the message under its room key.
func (s *Service) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	if msg.RoomKey == "" {
		return chat.Message{}, ErrRoomRequired
	}
	if msg.SenderID == 0 {
		return chat.Message{}, ErrSenderRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = s.nextID
	msg.CreatedAt = s.now()
	msg.Mentions = append([]chat.Mention(nil), msg.Mentions...)

	s.messages[msg.RoomKey] = append(s.messages[msg.RoomKey], msg)
	return msg, nil
}

// RecentHistory returns the tail of a room's log.
func (s *Service) RecentHistory(ctx context.Context, room chat.RoomKey, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if room == "" {
		return nil, ErrRoomRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[room]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}

	copied := make([]chat.Message, len(messages)-start)
	copy(copied, messages[start:])
	return copied, nil
}
