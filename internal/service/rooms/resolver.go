// Package rooms resolves which group rooms a connection joins and keeps the
// per-room snapshot of joined handles.
//
// Membership is read once, when a connection joins. A user added to or
// removed from a group keeps the old room set until they reconnect.
package rooms

import (
	"context"
	"fmt"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/model/roster"
)

// Resolver maps an identity to its group rooms.
type Resolver struct {
	groups roster.GroupStore
}

func NewResolver(groups roster.GroupStore) *Resolver {
	return &Resolver{groups: groups}
}

// RoomsFor returns one room key per group userID belongs to. Direct rooms are
// never listed; they are addressed by peer id at send time.
func (r *Resolver) RoomsFor(ctx context.Context, userID int64) ([]chat.RoomKey, error) {
	groupIDs, err := r.groups.GroupsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load groups for user %d: %w", userID, err)
	}

	keys := make([]chat.RoomKey, 0, len(groupIDs))
	for _, id := range groupIDs {
		keys = append(keys, chat.GroupRoomKey(id))
	}
	return keys, nil
}
