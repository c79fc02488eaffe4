package models

import "time"

// ChatEvent is the wire shape of a chat event on the relay and on room topics.
type ChatEvent struct {
	EventID   string      `json:"eventId,omitempty"`
	MessageID uint        `json:"messageId,omitempty"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Sender    string      `json:"sender"`
	RoomID    string      `json:"roomId"`
	Timestamp time.Time   `json:"timestamp"`
}

// ToMessage builds the row to persist for this event. CreatedAt is the
// server stamp applied at ingest.
func (e *ChatEvent) ToMessage() *Message {
	return &Message{
		EventID:        e.EventID,
		SenderUsername: e.Sender,
		RoomID:         e.RoomID,
		Content:        e.Content,
		Type:           e.Type,
		CreatedAt:      e.Timestamp,
	}
}

// EventFromMessage rebuilds the CHAT event for a stored row.
func EventFromMessage(m *Message) ChatEvent {
	return ChatEvent{
		EventID:   m.EventID,
		MessageID: m.ID,
		Type:      m.Type,
		Content:   m.Content,
		Sender:    m.SenderUsername,
		RoomID:    m.RoomID,
		Timestamp: m.CreatedAt,
	}
}

type RoomUsersUpdate struct {
	RoomID      string    `json:"roomId"`
	OnlineUsers []string  `json:"onlineUsers"`
	Timestamp   time.Time `json:"timestamp"`
}

type TypingEvent struct {
	Username  string `json:"username"`
	RoomID    string `json:"roomId"`
	Typing    bool   `json:"typing"`
	Timestamp int64  `json:"timestamp"`
}

type ReadReceipt struct {
	MessageID uint      `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceUpdate struct {
	Username  string     `json:"username"`
	Online    bool       `json:"online"`
	LastSeen  *time.Time `json:"lastSeen"`
	Timestamp time.Time  `json:"timestamp"`
}

type NotificationType string

const (
	NotificationMessage NotificationType = "MESSAGE"
	NotificationMention NotificationType = "MENTION"
	NotificationRoom    NotificationType = "ROOM_INVITE"
	NotificationSystem  NotificationType = "SYSTEM"
)

type Notification struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	Type            NotificationType `json:"type"`
	RelatedEntityID string           `json:"relatedEntityId,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}
