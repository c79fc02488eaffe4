package models

import "strings"

const (
	TopicPresence    = "presence"
	TopicOnlineUsers = "online.users"
	// TopicPublic receives chat events delivered while the relay is down.
	TopicPublic = "public"
)

func RoomTopic(roomID string) string        { return "room." + roomID }
func RoomUsersTopic(roomID string) string   { return "room." + roomID + ".users" }
func TypingTopic(roomID string) string      { return "typing." + roomID }
func ReadReceiptTopic(roomID string) string { return "read-receipt." + roomID }

func UserNotificationsTopic(username string) string {
	return "user." + username + ".notifications"
}

// RoomOfTopic returns the room a room-scoped topic belongs to.
func RoomOfTopic(topic string) (string, bool) {
	switch {
	case strings.HasPrefix(topic, "room.") && strings.HasSuffix(topic, ".users"):
		room := strings.TrimSuffix(strings.TrimPrefix(topic, "room."), ".users")
		return room, room != ""
	case strings.HasPrefix(topic, "room."):
		room := strings.TrimPrefix(topic, "room.")
		return room, room != ""
	case strings.HasPrefix(topic, "typing."):
		room := strings.TrimPrefix(topic, "typing.")
		return room, room != ""
	case strings.HasPrefix(topic, "read-receipt."):
		room := strings.TrimPrefix(topic, "read-receipt.")
		return room, room != ""
	}
	return "", false
}

// UserOfTopic returns the owner of a private notification topic.
func UserOfTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, "user.") || !strings.HasSuffix(topic, ".notifications") {
		return "", false
	}
	user := strings.TrimSuffix(strings.TrimPrefix(topic, "user."), ".notifications")
	return user, user != ""
}
