// Package presence tracks which live connection handles each user has.
// State is in memory only; a restart drops it and clients re-register.
package presence

import (
	"sync"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
)

// Handle is one live connection of one identity.
type Handle interface {
	ID() string
	UserID() int64
	// Send queues an event for the connection. It must not block on the
	// network; an error means this handle could not take the event.
	Send(event chat.Event) error
}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	handles map[int64]map[string]Handle
}

// Registry maps identities to their live handles. Multiple handles per
// identity are supported (multi-device).
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{handles: make(map[int64]map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	idx := userID % shardCount
	if idx < 0 {
		idx = -idx
	}
	return r.shards[idx]
}

// Register records an additional live handle. Registering the same handle
// id twice is a no-op.
func (r *Registry) Register(h Handle) {
	s := r.shardFor(h.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.handles[h.UserID()]
	if !ok {
		set = make(map[string]Handle)
		s.handles[h.UserID()] = set
	}
	set[h.ID()] = h
}

// Deregister removes exactly h. It reports whether h was registered, so a
// second call for the same handle returns false and changes nothing.
func (r *Registry) Deregister(h Handle) bool {
	s := r.shardFor(h.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.handles[h.UserID()]
	if !ok {
		return false
	}
	if _, ok := set[h.ID()]; !ok {
		return false
	}
	delete(set, h.ID())
	if len(set) == 0 {
		delete(s.handles, h.UserID())
	}
	return true
}

// HandlesFor returns a snapshot of userID's live handles. Empty means offline.
func (r *Registry) HandlesFor(userID int64) []Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.handles[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

// Online reports whether userID has at least one live handle.
func (r *Registry) Online(userID int64) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles[userID]) > 0
}

// Count returns the number of live handles across all identities.
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.handles {
			total += len(set)
		}
		s.mu.RUnlock()
	}
	return total
}
