package repository

import (
	"context"
	"time"

	"github.com/noteduco342/whispr-backend/internal/models"
)

// MessageRepositoryInterface is the persistence writer used by ingest,
// delivery and read receipts.
type MessageRepositoryInterface interface {
	Save(ctx context.Context, message *models.Message) (*models.Message, bool, error)
	FindByID(ctx context.Context, id uint) (*models.Message, error)
	FindRecentTop50(ctx context.Context, roomID string) ([]models.Message, error)
	FindPage(ctx context.Context, roomID string, page, size int) (*Page, error)
	CountUnread(ctx context.Context, roomID, excludingUser string) (int64, error)
	MarkRead(ctx context.Context, messageID uint, username string) error
	BulkMarkRead(ctx context.Context, roomID, excludingUser string) (int64, error)
	BulkMarkDelivered(ctx context.Context, ids []uint, excludingUser string) (int64, error)
}

// RoomRepositoryInterface covers membership lookups for rooms.
type RoomRepositoryInterface interface {
	IsMember(ctx context.Context, roomID, username string) (bool, error)
	GetMemberRole(ctx context.Context, roomID, username string) (models.MemberRole, error)
	ListMembers(ctx context.Context, roomID string) ([]string, error)
	UpdateLastRead(ctx context.Context, roomID, username string, at time.Time) error
}

type UserRepositoryInterface interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateLastSeen(ctx context.Context, username string, at time.Time) error
}
