package roster

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// User is the slice of a user profile the relay cares about.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Group is a named room with an authoritative member list.
type Group struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Members []int64 `json:"members"`
}

// GroupStore answers group membership questions.
type GroupStore interface {
	GroupsOf(ctx context.Context, userID int64) ([]int64, error)
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
}

// Directory maps @handles and ids to users. Handle matching is case-insensitive
// and results are keyed by the lower-cased handle.
type Directory interface {
	ResolveHandles(ctx context.Context, handles []string) (map[string]int64, error)
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// MemoryStore implements GroupStore and Directory in memory, suitable for
// local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[int64]User
	groups map[int64]Group
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied users and groups.
func NewMemoryStore(users []User, groups []Group) *MemoryStore {
	s := &MemoryStore{
		users:  make(map[int64]User, len(users)),
		groups: make(map[int64]Group, len(groups)),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	for _, g := range groups {
		g.Members = append([]int64(nil), g.Members...)
		s.groups[g.ID] = g
	}
	return s
}

// AddMember puts userID into groupID, creating the group if needed.
func (s *MemoryStore) AddMember(groupID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.groups[groupID]
	g.ID = groupID
	for _, id := range g.Members {
		if id == userID {
			return
		}
	}
	g.Members = append(g.Members, userID)
	s.groups[groupID] = g
}

// RemoveMember drops userID from groupID.
func (s *MemoryStore) RemoveMember(groupID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return
	}
	kept := g.Members[:0]
	for _, id := range g.Members {
		if id != userID {
			kept = append(kept, id)
		}
	}
	g.Members = kept
	s.groups[groupID] = g
}

// GroupsOf lists the ids of every group userID belongs to, ascending.
func (s *MemoryStore) GroupsOf(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for _, g := range s.groups {
		for _, member := range g.Members {
			if member == userID {
				ids = append(ids, g.ID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MembersOf lists the members of groupID.
func (s *MemoryStore) MembersOf(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.groups[groupID].Members...), nil
}

func (s *MemoryStore) ResolveHandles(_ context.Context, handles []string) (map[string]int64, error) {
	wanted := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		wanted[strings.ToLower(h)] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	resolved := make(map[string]int64)
	for _, u := range s.users {
		key := strings.ToLower(u.Username)
		if _, ok := wanted[key]; ok {
			resolved[key] = u.ID
		}
	}
	return resolved, nil
}

func (s *MemoryStore) DisplayNames(_ context.Context, ids []int64) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			names[id] = u.Name
		}
	}
	return names, nil
}
