package httpx

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/apperr"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func requestID(c *fiber.Ctx) string {
	if v := c.Locals("requestid"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func Error(c *fiber.Ctx, status int, code string, message string) error {
	if message == "" {
		message = "Request failed"
	}
	return c.Status(status).JSON(ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID(c),
	})
}

func BadRequest(c *fiber.Ctx, code string, message string) error {
	return Error(c, fiber.StatusBadRequest, code, message)
}

func Unauthorized(c *fiber.Ctx, code string, message string) error {
	return Error(c, fiber.StatusUnauthorized, code, message)
}

func Forbidden(c *fiber.Ctx, code string, message string) error {
	return Error(c, fiber.StatusForbidden, code, message)
}

func Internal(c *fiber.Ctx, code string) error {
	return Error(c, fiber.StatusInternalServerError, code, "Internal server error")
}

// FromError writes err with the status of its kind. Transient and fatal
// causes are not exposed.
func FromError(c *fiber.Ctx, err error) error {
	return Error(c, StatusOf(err), apperr.Code(err), apperr.PublicMessage(err))
}

// ErrorHandler is the app-wide fiber error handler. Errors raised by fiber
// itself keep their status.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return Error(c, fe.Code, "", fe.Message)
	}
	return FromError(c, err)
}

func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		return fiber.StatusBadRequest
	case apperr.ErrNotFound:
		return fiber.StatusNotFound
	case apperr.ErrPermission:
		return fiber.StatusForbidden
	case apperr.ErrTransient:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func LocalString(c *fiber.Ctx, key string) (string, error) {
	v := c.Locals(key)
	if v == nil {
		return "", fmt.Errorf("missing local %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("invalid local %s", key)
	}
	return s, nil
}
