package service

import (
	"context"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/cache"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/noteduco342/whispr-backend/internal/repository"
	"github.com/noteduco342/whispr-backend/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// MessageService serves room history reads.
type MessageService struct {
	messageRepo repository.MessageRepositoryInterface
	recent      *cache.MessageCache
	members     MembershipChecker
}

func NewMessageService(messageRepo repository.MessageRepositoryInterface, recent *cache.MessageCache, members MembershipChecker) *MessageService {
	return &MessageService{messageRepo: messageRepo, recent: recent, members: members}
}

// GetRecent returns up to 50 of the room's newest messages, newest first.
func (s *MessageService) GetRecent(ctx context.Context, roomID, username string) ([]models.CachedMessage, error) {
	roomID, err := s.authorize(ctx, "service.MessageService.GetRecent", roomID, username)
	if err != nil {
		return nil, err
	}
	if s.recent == nil {
		messages, err := s.messageRepo.FindRecentTop50(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return models.ToCachedList(messages), nil
	}
	return s.recent.GetRecent(ctx, roomID)
}

// GetHistory returns one page of the room's messages, newest first. Pages
// start at 0.
func (s *MessageService) GetHistory(ctx context.Context, roomID, username string, page, size int) (*repository.Page, error) {
	roomID, err := s.authorize(ctx, "service.MessageService.GetHistory", roomID, username)
	if err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return s.messageRepo.FindPage(ctx, roomID, page, size)
}

func (s *MessageService) authorize(ctx context.Context, op, roomID, username string) (string, error) {
	roomID = validation.NormalizeRoomID(roomID)
	if !validation.ValidateRoomID(roomID) {
		return "", apperr.Validation(op, "invalid room id")
	}
	if roomID == models.GlobalRoomID || s.members == nil {
		return roomID, nil
	}
	ok, err := s.members.IsMember(ctx, roomID, username)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Permission(op, "not a member of this room")
	}
	return roomID, nil
}
