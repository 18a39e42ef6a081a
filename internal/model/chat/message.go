package chat

import "time"

// Message is one persisted chat turn, direct or group.
type Message struct {
	ID            int64     `json:"id"`
	RoomKey       RoomKey   `json:"roomKey"`
	SenderID      int64     `json:"senderId"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"createdAt"`
	IsAIGenerated bool      `json:"isAIGenerated"`
	Mentions      []Mention `json:"mentions,omitempty"`
	AIRequested   bool      `json:"aiRequested"`
}

// Mention links a resolved @handle in a message body to a user.
type Mention struct {
	TargetUserID int64  `json:"targetUserId"`
	RawToken     string `json:"rawToken"`
}
