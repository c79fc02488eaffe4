package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/noteduco342/whispr-backend/internal/httpx"
	"github.com/noteduco342/whispr-backend/internal/middleware"
	"github.com/noteduco342/whispr-backend/internal/service"
)

type MessageHandler struct {
	messageService *service.MessageService
	receiptService *service.ReceiptService
}

func NewMessageHandler(messageService *service.MessageService, receiptService *service.ReceiptService) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		receiptService: receiptService,
	}
}

// GetRecent returns the room's newest messages from the recent buffer.
func (h *MessageHandler) GetRecent(c *fiber.Ctx) error {
	messages, err := h.messageService.GetRecent(c.UserContext(), c.Params("roomId"), middleware.Username(c))
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(messages)
}

func (h *MessageHandler) GetHistory(c *fiber.Ctx) error {
	page, err := queryInt(c, "page", 0)
	if err != nil {
		return httpx.BadRequest(c, "invalid_page", "Invalid page")
	}
	size, err := queryInt(c, "size", 0)
	if err != nil {
		return httpx.BadRequest(c, "invalid_size", "Invalid size")
	}

	result, err := h.messageService.GetHistory(c.UserContext(), c.Params("roomId"), middleware.Username(c), page, size)
	if err != nil {
		return httpx.FromError(c, err)
	}

	responses := make([]interface{}, len(result.Messages))
	for i := range result.Messages {
		responses[i] = result.Messages[i].ToResponse()
	}
	return c.JSON(fiber.Map{
		"messages": responses,
		"page":     result.Page,
		"size":     result.Size,
		"total":    result.Total,
	})
}

func (h *MessageHandler) CountUnread(c *fiber.Ctx) error {
	count, err := h.receiptService.CountUnread(c.UserContext(), c.Params("roomId"), middleware.Username(c))
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"count": count})
}

func (h *MessageHandler) MarkRoomRead(c *fiber.Ctx) error {
	marked, err := h.receiptService.MarkRoomRead(c.UserContext(), c.Params("roomId"), middleware.Username(c))
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"marked": marked})
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
