package service

import (
	"context"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/noteduco342/whispr-backend/internal/validation"
	"github.com/rs/zerolog"
)

// ReceiptService handles read and delivery acknowledgements.
type ReceiptService struct {
	messages repository.MessageRepositoryInterface
	rooms    repository.RoomRepositoryInterface
	recent   *cache.MessageCache
	hub      Broadcaster
	now      clock
	logger   zerolog.Logger
}

func NewReceiptService(
	messages repository.MessageRepositoryInterface,
	rooms repository.RoomRepositoryInterface,
	recent *cache.MessageCache,
	hub Broadcaster,
	logger zerolog.Logger,
) *ReceiptService {
	return &ReceiptService{
		messages: messages,
		rooms:    rooms,
		recent:   recent,
		hub:      hub,
		now:      utcNow,
		logger:   logger,
	}
}

// MarkMessageRead adds username to the message's readers and announces it
// on the room's read-receipt topic. Marking twice changes nothing.
func (s *ReceiptService) MarkMessageRead(ctx context.Context, messageID uint, username string) (*models.ReadReceipt, error) {
	const op = "service.ReceiptService.MarkMessageRead"

	message, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, op, message.RoomID, username); err != nil {
		return nil, err
	}
	if err := s.messages.MarkRead(ctx, messageID, username); err != nil {
		return nil, err
	}
	s.invalidate(ctx, message.RoomID)

	receipt := &models.ReadReceipt{
		MessageID: messageID,
		RoomID:    message.RoomID,
		Username:  username,
		Timestamp: s.now(),
	}
	if err := s.hub.Send(models.ReadReceiptTopic(message.RoomID), receipt); err != nil {
		s.logger.Warn().Err(err).Uint("message_id", messageID).Msg("read receipt broadcast failed")
	}
	return receipt, nil
}

// MarkRoomRead marks every message of the room not sent by username as read
// by them and returns how many were newly marked.
func (s *ReceiptService) MarkRoomRead(ctx context.Context, roomID, username string) (int64, error) {
	const op = "service.ReceiptService.MarkRoomRead"

	roomID = validation.NormalizeRoomID(roomID)
	if err := s.requireMember(ctx, op, roomID, username); err != nil {
		return 0, err
	}
	n, err := s.messages.BulkMarkRead(ctx, roomID, username)
	if err != nil {
		return 0, err
	}
	if roomID != models.GlobalRoomID {
		if err := s.rooms.UpdateLastRead(ctx, roomID, username, s.now()); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("update last read failed")
		}
	}
	if n > 0 {
		s.invalidate(ctx, roomID)
	}
	return n, nil
}

// MarkDelivered flags the given messages as delivered, skipping the
// user's own.
func (s *ReceiptService) MarkDelivered(ctx context.Context, ids []uint, username string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.messages.BulkMarkDelivered(ctx, ids, username)
}

func (s *ReceiptService) CountUnread(ctx context.Context, roomID, username string) (int64, error) {
	const op = "service.ReceiptService.CountUnread"

	roomID = validation.NormalizeRoomID(roomID)
	if err := s.requireMember(ctx, op, roomID, username); err != nil {
		return 0, err
	}
	return s.messages.CountUnread(ctx, roomID, username)
}

func (s *ReceiptService) requireMember(ctx context.Context, op, roomID, username string) error {
	ok, err := s.rooms.IsMember(ctx, roomID, username)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Permission(op, "not a member of this room")
	}
	return nil
}

// Read flags live in the cached projection, so the buffer is rebuilt on the
// next read.
func (s *ReceiptService) invalidate(ctx context.Context, roomID string) {
	if err := s.recent.Invalidate(ctx, roomID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("recent cache invalidate failed")
	}
}
