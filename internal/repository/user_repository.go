package repository

import (
	"context"
	"time"

	"github.com/noteduco342/whispr-backend/internal/models"
	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// EnsureUser returns the user row for username, creating it on first sight.
// Accounts are issued elsewhere; this keeps a local row per known identity.
func (r *UserRepository) EnsureUser(ctx context.Context, username string) (*models.User, error) {
	const op = "repository.UserRepository.EnsureUser"

	user := models.User{Username: username}
	if err := r.db.WithContext(ctx).Where("username = ?", username).FirstOrCreate(&user).Error; err != nil {
		return nil, dbErr(op, err)
	}
	return &user, nil
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	const op = "repository.UserRepository.FindByUsername"

	var user models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, dbErr(op, err)
	}
	return &user, nil
}

func (r *UserRepository) UpdateLastSeen(ctx context.Context, username string, at time.Time) error {
	const op = "repository.UserRepository.UpdateLastSeen"

	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ?", username).
		Update("last_seen", at).Error
	return dbErr(op, err)
}
