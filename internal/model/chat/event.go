package chat

import "time"

// EventType names an outbound event delivered to a connection.
type EventType string

const (
	EventJoined           EventType = "session.joined"
	EventDelivered        EventType = "message.delivered"
	EventRejected         EventType = "message.rejected"
	EventAnalysisComplete EventType = "analysis.complete"
	EventAnalysisFailed   EventType = "analysis.error"
)

// Event is what the relay hands to a connection handle.
type Event struct {
	Type    EventType
	Payload any
}

// DeliveredPayload is the wire shape of message.delivered.
type DeliveredPayload struct {
	ID            int64     `json:"id"`
	RoomKey       RoomKey   `json:"roomKey"`
	SenderID      int64     `json:"senderId"`
	SenderName    string    `json:"senderName,omitempty"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"createdAt"`
	IsAIGenerated bool      `json:"isAIGenerated"`
	Mentions      []Mention `json:"mentions,omitempty"`
}

// RejectedPayload is the wire shape of message.rejected.
type RejectedPayload struct {
	Reason string `json:"reason"`
}

// JoinedPayload acknowledges a connection's room snapshot.
type JoinedPayload struct {
	UserID int64     `json:"userId"`
	Rooms  []RoomKey `json:"rooms"`
}

// AnalysisPayload carries a conversation analysis back to its requester.
type AnalysisPayload struct {
	RoomKey  RoomKey `json:"roomKey"`
	Analysis string  `json:"analysis,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Delivered wraps a persisted message for fan-out. senderName may be empty
// when the directory has no entry for the sender.
func Delivered(msg Message, senderName string) Event {
	return Event{Type: EventDelivered, Payload: DeliveredPayload{
		ID:            msg.ID,
		RoomKey:       msg.RoomKey,
		SenderID:      msg.SenderID,
		SenderName:    senderName,
		Body:          msg.Body,
		CreatedAt:     msg.CreatedAt,
		IsAIGenerated: msg.IsAIGenerated,
		Mentions:      msg.Mentions,
	}}
}

func Rejected(reason string) Event {
	return Event{Type: EventRejected, Payload: RejectedPayload{Reason: reason}}
}

func Joined(userID int64, rooms []RoomKey) Event {
	return Event{Type: EventJoined, Payload: JoinedPayload{UserID: userID, Rooms: rooms}}
}

func AnalysisComplete(room RoomKey, analysis string) Event {
	return Event{Type: EventAnalysisComplete, Payload: AnalysisPayload{RoomKey: room, Analysis: analysis}}
}

func AnalysisFailed(room RoomKey, reason string) Event {
	return Event{Type: EventAnalysisFailed, Payload: AnalysisPayload{RoomKey: room, Reason: reason}}
}
