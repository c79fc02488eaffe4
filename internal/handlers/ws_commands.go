package handlers

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/handlers/ws"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/validation"
)

type topicRequest struct {
	Topic string `json:"topic"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type readRequest struct {
	MessageID uint `json:"messageId"`
}

type deliveredRequest struct {
	MessageIDs []uint `json:"messageIds"`
}

func (h *WebSocketHandler) routes() map[string]ws.HandlerFunc {
	return map[string]ws.HandlerFunc{
		"subscribe":         h.subscribe,
		"unsubscribe":       h.unsubscribe,
		"chat.send":         h.sendChat,
		"room.join":         h.joinRoom,
		"room.leave":        h.leaveRoom,
		"typing.start":      h.startTyping,
		"typing.stop":       h.stopTyping,
		"message.read":      h.markRead,
		"room.read":         h.markRoomRead,
		"message.delivered": h.markDelivered,
		"heartbeat":         h.heartbeat,
		"ping":              ws.Ping,
	}
}

func (h *WebSocketHandler) subscribe(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	var req topicRequest
	if err := ws.DecodePayload(payload, &req); err != nil {
		return err
	}
	if err := h.authorizeTopic(ctx, s, req.Topic); err != nil {
		return err
	}
	s.Subscribe(req.Topic)
	return s.Reply(map[string]string{"type": "subscribed", "topic": req.Topic})
}

func (h *WebSocketHandler) unsubscribe(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	var req topicRequest
	if err := ws.DecodePayload(payload, &req); err != nil {
		return err
	}
	s.Unsubscribe(req.Topic)
	return s.Reply(map[string]string{"type": "unsubscribed", "topic": req.Topic})
}

// authorizeTopic admits the public topics, the caller's own notification
// topic and room topics of rooms the caller belongs to.
func (h *WebSocketHandler) authorizeTopic(ctx context.Context, s *ws.Session, topic string) error {
	const op = "handlers.authorizeTopic"

	switch topic {
	case models.TopicPresence, models.TopicOnlineUsers, models.TopicPublic:
		return nil
	}
	if user, ok := models.UserOfTopic(topic); ok {
		if user != s.Username {
			return apperr.Permission(op, "cannot subscribe to another user's notifications")
		}
		return nil
	}
	if roomID, ok := models.RoomOfTopic(topic); ok {
		return h.requireMember(ctx, op, roomID, s.Username)
	}
	return apperr.Validation(op, "unknown topic")
}

func (h *WebSocketHandler) requireMember(ctx context.Context, op, roomID, username string) error {
	if h.svc.Members == nil {
		return nil
	}
	ok, err := h.svc.Members.IsMember(ctx, roomID, username)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Permission(op, "not a member of this room")
	}
	return nil
}

func (h *WebSocketHandler) sendChat(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	var ev models.ChatEvent
	if err := ws.DecodePayload(payload, &ev); err != nil {
		return err
	}
	if ev.Type == "" {
		ev.Type = models.MessageChat
	}
	clientEventID := ev.EventID
	sent, err := h.svc.Ingest.Send(ctx, s.Username, ev)
	if err != nil {
		return err
	}
	return s.Reply(map[string]interface{}{
		"type":          "chat.ack",
		"eventId":       sent.EventID,
		"clientEventId": clientEventID,
		"messageId": sent.MessageID,
		"roomId":    sent.RoomID,
		"timestamp": sent.Timestamp,
	})
}

func roomFromPayload(payload json.RawMessage) (string, error) {
	var req roomRequest
	if len(payload) > 0 {
		if err := ws.DecodePayload(payload, &req); err != nil {
			return "", err
		}
	}
	roomID := validation.NormalizeRoomID(req.RoomID)
	if !validation.ValidateRoomID(roomID) {
		return "", apperr.Validation("handlers.roomFromPayload", "invalid room id")
	}
	return roomID, nil
}

func roomTopics(roomID string) []string {
	return []string{
		models.RoomTopic(roomID),
		models.RoomUsersTopic(roomID),
		models.TypingTopic(roomID),
		models.ReadReceiptTopic(roomID),
	}
}

func (h *WebSocketHandler) joinRoom(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	if err := h.requireMember(ctx, "handlers.joinRoom", roomID, s.Username); err != nil {
		return err
	}

	for _, topic := range roomTopics(roomID) {
		s.Subscribe(topic)
	}
	users, err := h.svc.RoomPresence.Join(ctx, roomID, s.Username)
	if err != nil {
		return err
	}
	s.Joined(roomID)

	h.announce(ctx, s, roomID, models.MessageJoin)

	typers, err := h.svc.Typing.Typers(ctx, roomID)
	if err != nil {
		return err
	}
	typing := make([]string, 0, len(typers))
	for username := range typers {
		if username != s.Username {
			typing = append(typing, username)
		}
	}
	sort.Strings(typing)
	return s.Reply(map[string]interface{}{"type": "room.joined", "roomId": roomID, "onlineUsers": users, "typing": typing})
}

func (h *WebSocketHandler) leaveRoom(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	if !s.InRoom(roomID) {
		return apperr.Validation("handlers.leaveRoom", "not in this room")
	}

	for _, typingRoom := range s.TypingRooms() {
		if typingRoom == roomID {
			if err := h.svc.Typing.StopTyping(ctx, roomID, s.Username); err != nil {
				return err
			}
		}
	}
	if _, err := h.svc.RoomPresence.Leave(ctx, roomID, s.Username); err != nil {
		return err
	}
	s.Left(roomID)
	h.announce(ctx, s, roomID, models.MessageLeave)

	for _, topic := range roomTopics(roomID) {
		s.Unsubscribe(topic)
	}
	return s.Reply(map[string]interface{}{"type": "room.left", "roomId": roomID})
}

// announce publishes a JOIN or LEAVE event to the room. Failures are logged;
// the presence change already happened.
func (h *WebSocketHandler) announce(ctx context.Context, s *ws.Session, roomID string, kind models.MessageType) {
	_, err := h.svc.Ingest.Send(ctx, s.Username, models.ChatEvent{
		Type:   kind,
		Sender: s.Username,
		RoomID: roomID,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Str("type", string(kind)).Msg("room announcement failed")
	}
}

func (h *WebSocketHandler) startTyping(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	if err := h.requireMember(ctx, "handlers.startTyping", roomID, s.Username); err != nil {
		return err
	}
	if err := h.svc.Typing.StartTyping(ctx, roomID, s.Username); err != nil {
		return err
	}
	s.StartedTyping(roomID)
	return nil
}

func (h *WebSocketHandler) stopTyping(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	if err := h.svc.Typing.StopTyping(ctx, roomID, s.Username); err != nil {
		return err
	}
	s.StoppedTyping(roomID)
	return nil
}

func (h *WebSocketHandler) markRead(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	var req readRequest
	if err := ws.DecodePayload(payload, &req); err != nil {
		return err
	}
	if req.MessageID == 0 {
		return apperr.Validation("handlers.markRead", "messageId is required")
	}
	_, err := h.svc.Receipts.MarkMessageRead(ctx, req.MessageID, s.Username)
	return err
}

func (h *WebSocketHandler) markRoomRead(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	roomID, err := roomFromPayload(payload)
	if err != nil {
		return err
	}
	n, err := h.svc.Receipts.MarkRoomRead(ctx, roomID, s.Username)
	if err != nil {
		return err
	}
	return s.Reply(map[string]interface{}{"type": "room.read", "roomId": roomID, "marked": n})
}

func (h *WebSocketHandler) markDelivered(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	var req deliveredRequest
	if err := ws.DecodePayload(payload, &req); err != nil {
		return err
	}
	_, err := h.svc.Receipts.MarkDelivered(ctx, req.MessageIDs, s.Username)
	return err
}

func (h *WebSocketHandler) heartbeat(ctx context.Context, s *ws.Session, payload json.RawMessage) error {
	var req roomRequest
	if len(payload) > 0 {
		if err := ws.DecodePayload(payload, &req); err != nil {
			return err
		}
	}
	return h.svc.Presence.Heartbeat(ctx, s.Username, req.RoomID)
}
