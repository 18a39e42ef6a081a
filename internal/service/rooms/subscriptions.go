package rooms

import (
	"sync"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
)

// Subscriptions indexes joined handles by room.
type Subscriptions struct {
	mu       sync.RWMutex
	byRoom   map[chat.RoomKey]map[string]presence.Handle
	byHandle map[string][]chat.RoomKey
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		byRoom:   make(map[chat.RoomKey]map[string]presence.Handle),
		byHandle: make(map[string][]chat.RoomKey),
	}
}

// Join subscribes h to rooms. A handle joins once; later calls replace its
// room set.
func (s *Subscriptions) Join(h presence.Handle, rooms []chat.RoomKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveLocked(h.ID())
	for _, room := range rooms {
		subs, ok := s.byRoom[room]
		if !ok {
			subs = make(map[string]presence.Handle)
			s.byRoom[room] = subs
		}
		subs[h.ID()] = h
	}
	s.byHandle[h.ID()] = append([]chat.RoomKey(nil), rooms...)
}

// Leave drops every subscription of h. Safe to call more than once.
func (s *Subscriptions) Leave(h presence.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(h.ID())
}

func (s *Subscriptions) leaveLocked(handleID string) {
	for _, room := range s.byHandle[handleID] {
		if subs, ok := s.byRoom[room]; ok {
			delete(subs, handleID)
			if len(subs) == 0 {
				delete(s.byRoom, room)
			}
		}
	}
	delete(s.byHandle, handleID)
}

// Handles returns the handles currently joined to room.
func (s *Subscriptions) Handles(room chat.RoomKey) []presence.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.byRoom[room]
	out := make([]presence.Handle, 0, len(subs))
	for _, h := range subs {
		out = append(out, h)
	}
	return out
}

// Joined reports whether h joined room.
func (s *Subscriptions) Joined(h presence.Handle, room chat.RoomKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byRoom[room][h.ID()]
	return ok
}

// RoomsOf returns the room snapshot h joined with.
func (s *Subscriptions) RoomsOf(h presence.Handle) []chat.RoomKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.RoomKey(nil), s.byHandle[h.ID()]...)
}
