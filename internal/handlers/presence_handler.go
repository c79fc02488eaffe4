package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/httpx"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/noteduco342/whispr-backend/internal/service"
	"github.com/noteduco342/whispr-backend/internal/validation"
)

type PresenceHandler struct {
	presence     *service.PresenceService
	roomPresence *service.RoomPresenceService
	users        repository.UserRepositoryInterface
}

func NewPresenceHandler(presence *service.PresenceService, roomPresence *service.RoomPresenceService, users repository.UserRepositoryInterface) *PresenceHandler {
	return &PresenceHandler{presence: presence, roomPresence: roomPresence, users: users}
}

func (h *PresenceHandler) OnlineUsers(c *fiber.Ctx) error {
	users, err := h.presence.OnlineUsers(c.UserContext())
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"users": users})
}

// RoomUsers lists who is online in a room. Membership is checked by the
// route middleware.
func (h *PresenceHandler) RoomUsers(c *fiber.Ctx) error {
	roomID := validation.NormalizeRoomID(c.Params("roomId"))
	ctx := c.UserContext()
	users, err := h.roomPresence.OnlineUsers(ctx, roomID)
	if err != nil {
		return httpx.FromError(c, err)
	}
	count, err := h.roomPresence.Count(ctx, roomID)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"roomId": roomID, "users": users, "count": count})
}

// RoomUser reports whether a user is in a room and when they last left it.
func (h *PresenceHandler) RoomUser(c *fiber.Ctx) error {
	roomID := validation.NormalizeRoomID(c.Params("roomId"))
	username := validation.NormalizeUsername(c.Params("username"))
	if !validation.ValidateUsername(username) {
		return httpx.BadRequest(c, "invalid_username", "Invalid username")
	}

	ctx := c.UserContext()
	inRoom, err := h.roomPresence.IsInRoom(ctx, roomID, username)
	if err != nil {
		return httpx.FromError(c, err)
	}
	lastSeen, err := h.roomPresence.LastSeen(ctx, roomID, username)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"roomId": roomID, "username": username, "inRoom": inRoom, "lastSeen": lastSeen})
}

// GetUser reports a user's presence, with their profile when one is stored.
func (h *PresenceHandler) GetUser(c *fiber.Ctx) error {
	username := validation.NormalizeUsername(c.Params("username"))
	if !validation.ValidateUsername(username) {
		return httpx.BadRequest(c, "invalid_username", "Invalid username")
	}

	ctx := c.UserContext()
	online, err := h.presence.IsOnline(ctx, username)
	if err != nil {
		return httpx.FromError(c, err)
	}
	lastSeen, err := h.presence.LastSeen(ctx, username)
	if err != nil {
		return httpx.FromError(c, err)
	}
	lastActivity, err := h.presence.LastActivity(ctx, username)
	if err != nil {
		return httpx.FromError(c, err)
	}

	resp := fiber.Map{
		"username":     username,
		"online":       online,
		"lastSeen":     lastSeen,
		"lastActivity": lastActivity,
	}

	if h.users != nil {
		user, err := h.users.FindByUsername(ctx, username)
		switch {
		case err == nil:
			if lastSeen == nil {
				resp["lastSeen"] = user.LastSeen
			}
			resp["user"] = user.ToResponse(online)
		case !errors.Is(err, apperr.ErrNotFound):
			return httpx.FromError(c, err)
		}
	}
	return c.JSON(resp)
}
