package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidRoomKey = errors.New("invalid room key")

// RoomKey addresses a broadcast scope: "dm:<lo>:<hi>" or "group:<id>".
type RoomKey string

// RoomKind distinguishes direct pairs from named groups.
type RoomKind string

const (
	DirectRoom RoomKind = "dm"
	GroupRoom  RoomKind = "group"
)

// DirectRoomKey builds the key shared by both participants of a direct chat,
// independent of who sends.
func DirectRoomKey(a, b int64) RoomKey {
	if a > b {
		a, b = b, a
	}
	return RoomKey(fmt.Sprintf("%s:%d:%d", DirectRoom, a, b))
}

// GroupRoomKey builds the key of a group room.
func GroupRoomKey(groupID int64) RoomKey {
	return RoomKey(fmt.Sprintf("%s:%d", GroupRoom, groupID))
}

// Room is the decoded form of a RoomKey.
type Room struct {
	Kind    RoomKind
	GroupID int64
	Peers   [2]int64
}

// Includes reports whether userID is one of the two direct participants.
func (r Room) Includes(userID int64) bool {
	return r.Kind == DirectRoom && (r.Peers[0] == userID || r.Peers[1] == userID)
}

// Other returns the direct participant that is not userID.
func (r Room) Other(userID int64) int64 {
	if r.Peers[0] == userID {
		return r.Peers[1]
	}
	return r.Peers[0]
}

// Parse decodes a room key.
func (k RoomKey) Parse() (Room, error) {
	parts := strings.Split(string(k), ":")
	switch {
	case len(parts) == 2 && parts[0] == string(GroupRoom):
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomKey, k)
		}
		return Room{Kind: GroupRoom, GroupID: id}, nil
	case len(parts) == 3 && parts[0] == string(DirectRoom):
		lo, errLo := strconv.ParseInt(parts[1], 10, 64)
		hi, errHi := strconv.ParseInt(parts[2], 10, 64)
		if errLo != nil || errHi != nil || lo <= 0 || hi <= 0 || lo > hi {
			return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomKey, k)
		}
		return Room{Kind: DirectRoom, Peers: [2]int64{lo, hi}}, nil
	default:
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomKey, k)
	}
}
