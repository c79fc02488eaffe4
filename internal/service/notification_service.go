package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/models"
	"github.com/rs/zerolog"
)

// NotificationService pushes notifications to a user's private topic.
type NotificationService struct {
	hub    Broadcaster
	now    clock
	logger zerolog.Logger
}

func NewNotificationService(hub Broadcaster, logger zerolog.Logger) *NotificationService {
	return &NotificationService{hub: hub, now: utcNow, logger: logger}
}

// Notify stamps n with an id and time when missing and delivers it to every
// connection of username.
func (s *NotificationService) Notify(ctx context.Context, username string, n models.Notification) (*models.Notification, error) {
	if username == "" {
		return nil, apperr.Validation("service.NotificationService.Notify", "recipient is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = models.NotificationSystem
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now()
	}
	if err := s.hub.SendToUser(username, n); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("username", username).Str("notification_id", n.ID).Msg("notification sent")
	return &n, nil
}

// SetClock replaces the timestamp source.
func (s *NotificationService) SetClock(now func() time.Time) {
	s.now = now
}
