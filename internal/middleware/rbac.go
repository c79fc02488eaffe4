package middleware

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/httpx"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/validation"
)

// RoleLookup resolves a user's role in a room.
type RoleLookup interface {
	GetMemberRole(ctx context.Context, roomID, username string) (models.MemberRole, error)
}

// RequireRoomRole admits callers holding one of roles in the room named by
// the :roomId route parameter. With no roles any member is admitted.
func RequireRoomRole(lookup RoleLookup, roles ...models.MemberRole) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID := validation.NormalizeRoomID(c.Params("roomId"))
		if len(roles) == 0 && roomID == models.GlobalRoomID {
			return c.Next()
		}

		role, err := lookup.GetMemberRole(c.UserContext(), roomID, Username(c))
		if errors.Is(err, apperr.ErrNotFound) {
			return httpx.Forbidden(c, "forbidden", "Not a member of this room")
		}
		if err != nil {
			return httpx.FromError(c, err)
		}

		if len(roles) == 0 {
			return c.Next()
		}
		for _, r := range roles {
			if role == r {
				return c.Next()
			}
		}
		return httpx.Forbidden(c, "forbidden", "Insufficient permissions")
	}
}
