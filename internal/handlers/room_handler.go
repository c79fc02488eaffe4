package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/httpx"
	"github.com/noteduco342/whispr-backend/internal/middleware"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/service"
	"github.com/noteduco342/whispr-backend/internal/validation"
	"github.com/rs/zerolog"
)

const maxRoomNameLength = 100

// RoomMembers is the room and membership store behind the room routes.
type RoomMembers interface {
	Create(ctx context.Context, room *models.Room) error
	FindByRoomID(ctx context.Context, roomID string) (*models.Room, error)
	AddMember(ctx context.Context, roomID, username string, role models.MemberRole) error
	ListMembers(ctx context.Context, roomID string) ([]string, error)
	RemoveMember(ctx context.Context, roomID, target, actor string) error
}

// TopicRevoker cuts a user's live connections off from topics.
type TopicRevoker interface {
	UnsubscribeUser(username string, topics ...string) int
}

type RoomHandler struct {
	members       RoomMembers
	roomPresence  *service.RoomPresenceService
	notifications *service.NotificationService
	revoker       TopicRevoker
	logger        zerolog.Logger
}

func NewRoomHandler(members RoomMembers, roomPresence *service.RoomPresenceService, notifications *service.NotificationService, revoker TopicRevoker, logger zerolog.Logger) *RoomHandler {
	return &RoomHandler{
		members:       members,
		roomPresence:  roomPresence,
		notifications: notifications,
		revoker:       revoker,
		logger:        logger,
	}
}

type createRoomRequest struct {
	RoomID     string `json:"roomId"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"isPrivate"`
	MaxMembers int    `json:"maxMembers"`
}

type addMemberRequest struct {
	Username string            `json:"username"`
	Role     models.MemberRole `json:"role"`
}

// CreateRoom stores a new room owned by the caller.
func (h *RoomHandler) CreateRoom(c *fiber.Ctx) error {
	var req createRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return httpx.BadRequest(c, "invalid_request", "Invalid request body")
	}

	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" || roomID == models.GlobalRoomID || !validation.ValidateRoomID(roomID) {
		return httpx.BadRequest(c, "invalid_room_id", "Invalid room id")
	}
	name := validation.TrimAndLimit(req.Name, maxRoomNameLength)
	if name == "" {
		name = roomID
	}
	if req.MaxMembers < 0 {
		return httpx.BadRequest(c, "invalid_request", "maxMembers must not be negative")
	}

	ctx := c.UserContext()
	switch _, err := h.members.FindByRoomID(ctx, roomID); {
	case err == nil:
		return httpx.Error(c, fiber.StatusConflict, "room_exists", "Room already exists")
	case !errors.Is(err, apperr.ErrNotFound):
		return httpx.FromError(c, err)
	}

	room := &models.Room{
		RoomID:     roomID,
		Name:       name,
		IsPrivate:  req.IsPrivate,
		MaxMembers: req.MaxMembers,
		CreatedBy:  middleware.Username(c),
	}
	if room.MaxMembers == 0 {
		room.MaxMembers = models.DefaultRoomCapacity
	}
	if err := h.members.Create(ctx, room); err != nil {
		return httpx.FromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(room)
}

// GetRoom returns the room record. Membership is checked by the route
// middleware.
func (h *RoomHandler) GetRoom(c *fiber.Ctx) error {
	room, err := h.members.FindByRoomID(c.UserContext(), validation.NormalizeRoomID(c.Params("roomId")))
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(room)
}

// AddMember joins a user to the room. Owners and admins only, checked by
// the route middleware.
func (h *RoomHandler) AddMember(c *fiber.Ctx) error {
	var req addMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return httpx.BadRequest(c, "invalid_request", "Invalid request body")
	}
	username := validation.NormalizeUsername(req.Username)
	if !validation.ValidateUsername(username) {
		return httpx.BadRequest(c, "invalid_username", "Invalid username")
	}
	switch req.Role {
	case "":
		req.Role = models.RoleMember
	case models.RoleMember, models.RoleAdmin:
	default:
		return httpx.BadRequest(c, "invalid_role", "Role must be MEMBER or ADMIN")
	}

	roomID := validation.NormalizeRoomID(c.Params("roomId"))
	if err := h.members.AddMember(c.UserContext(), roomID, username, req.Role); err != nil {
		return httpx.FromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"roomId": roomID, "username": username, "role": req.Role})
}

func (h *RoomHandler) GetMembers(c *fiber.Ctx) error {
	roomID := validation.NormalizeRoomID(c.Params("roomId"))
	members, err := h.members.ListMembers(c.UserContext(), roomID)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"roomId": roomID, "members": members})
}

// RemoveMember removes a member on behalf of the caller, drops them from
// the room's online set and its topics, and notifies them. The room's
// presence keys go once nobody is left.
func (h *RoomHandler) RemoveMember(c *fiber.Ctx) error {
	ctx := c.UserContext()
	roomID := validation.NormalizeRoomID(c.Params("roomId"))
	target := validation.NormalizeUsername(c.Params("username"))
	actor := middleware.Username(c)

	if err := h.members.RemoveMember(ctx, roomID, target, actor); err != nil {
		return httpx.FromError(c, err)
	}

	h.revoker.UnsubscribeUser(target, roomTopics(roomID)...)
	if _, err := h.roomPresence.Leave(ctx, roomID, target); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Str("username", target).Msg("room presence cleanup failed")
	}
	if remaining, err := h.members.ListMembers(ctx, roomID); err == nil && len(remaining) == 0 {
		if err := h.roomPresence.Clear(ctx, roomID); err != nil {
			h.logger.Warn().Err(err).Str("room_id", roomID).Msg("clear room presence failed")
		}
	}
	if target != actor {
		_, err := h.notifications.Notify(ctx, target, models.Notification{
			Title:           "Removed from room",
			Message:         fmt.Sprintf("%s removed you from %s", actor, roomID),
			Type:            models.NotificationRoom,
			RelatedEntityID: roomID,
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("username", target).Msg("removal notification failed")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}
