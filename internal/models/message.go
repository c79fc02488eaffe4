package models

import (
	"time"
)

type MessageType string

const (
	MessageChat        MessageType = "CHAT"
	MessageJoin        MessageType = "JOIN"
	MessageLeave       MessageType = "LEAVE"
	MessageTyping      MessageType = "TYPING"
	MessageStopTyping  MessageType = "STOP_TYPING"
	MessageReadReceipt MessageType = "READ_RECEIPT"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageChat, MessageJoin, MessageLeave, MessageTyping, MessageStopTyping, MessageReadReceipt:
		return true
	}
	return false
}

// GlobalRoomID is the room every user belongs to.
const GlobalRoomID = "global"

// RecentMessageLimit bounds a room's recent-message buffer.
const RecentMessageLimit = 50

// Message is the durable chat record. Only IsDelivered, IsRead and ReadBy change
// after insert.
type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"not null;index:idx_room_created,priority:2" json:"created_at"`

	// Assigned at ingest; redelivered events map onto the same row.
	EventID string `gorm:"type:varchar(36);uniqueIndex;not null" json:"event_id"`

	SenderUsername string      `gorm:"size:64;not null;index" json:"sender"`
	RoomID         string      `gorm:"size:64;not null;index:idx_room_created,priority:1" json:"room_id"`
	Content        string      `gorm:"type:text;not null" json:"content"`
	Type           MessageType `gorm:"type:varchar(20);not null;default:'CHAT'" json:"type"`

	IsDelivered bool `gorm:"not null;default:false" json:"is_delivered"`
	IsRead      bool `gorm:"not null;default:false" json:"is_read"`

	// Loaded from message_reads.
	ReadBy []string `gorm:"-" json:"read_by"`
}

// MessageRead is one entry of a message's readBy set.
type MessageRead struct {
	MessageID uint      `gorm:"primaryKey" json:"message_id"`
	Username  string    `gorm:"primaryKey;size:64" json:"username"`
	ReadAt    time.Time `gorm:"not null" json:"read_at"`
}

// CachedMessage is the projection kept in a room's recent-message buffer.
type CachedMessage struct {
	ID          uint        `msgpack:"id" json:"id"`
	Content     string      `msgpack:"content" json:"content"`
	Type        MessageType `msgpack:"type" json:"type"`
	Sender      string      `msgpack:"sender" json:"sender"`
	RoomID      string      `msgpack:"room_id" json:"roomId"`
	CreatedAt   time.Time   `msgpack:"created_at" json:"createdAt"`
	IsDelivered bool        `msgpack:"is_delivered" json:"isDelivered"`
	IsRead      bool        `msgpack:"is_read" json:"isRead"`
}

func (m *Message) ToCached() CachedMessage {
	return CachedMessage{
		ID:          m.ID,
		Content:     m.Content,
		Type:        m.Type,
		Sender:      m.SenderUsername,
		RoomID:      m.RoomID,
		CreatedAt:   m.CreatedAt,
		IsDelivered: m.IsDelivered,
		IsRead:      m.IsRead,
	}
}

// ToCachedList projects messages preserving order.
func ToCachedList(messages []Message) []CachedMessage {
	out := make([]CachedMessage, len(messages))
	for i := range messages {
		out[i] = messages[i].ToCached()
	}
	return out
}

type MessageResponse struct {
	ID          uint        `json:"id"`
	EventID     string      `json:"eventId"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	Sender      string      `json:"sender"`
	RoomID      string      `json:"roomId"`
	CreatedAt   time.Time   `json:"createdAt"`
	IsDelivered bool        `json:"isDelivered"`
	IsRead      bool        `json:"isRead"`
	ReadBy      []string    `json:"readBy"`
}

func (m *Message) ToResponse() MessageResponse {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return MessageResponse{
		ID:          m.ID,
		EventID:     m.EventID,
		Content:     m.Content,
		Type:        m.Type,
		Sender:      m.SenderUsername,
		RoomID:      m.RoomID,
		CreatedAt:   m.CreatedAt,
		IsDelivered: m.IsDelivered,
		IsRead:      m.IsRead,
		ReadBy:      readBy,
	}
}
