package repository

import (
	"context"
	"errors"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RoomRepository struct {
	db *gorm.DB
}

func NewRoomRepository(db *gorm.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// Create stores the room and makes its creator the owner.
func (r *RoomRepository) Create(ctx context.Context, room *models.Room) error {
	const op = "repository.RoomRepository.Create"

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(&models.RoomMember{
			RoomID:   room.RoomID,
			Username: room.CreatedBy,
			Role:     models.RoleOwner,
		}).Error
	})
	return dbErr(op, err)
}

func (r *RoomRepository) FindByRoomID(ctx context.Context, roomID string) (*models.Room, error) {
	const op = "repository.RoomRepository.FindByRoomID"

	var room models.Room
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error; err != nil {
		return nil, dbErr(op, err)
	}
	return &room, nil
}

// AddMember joins username to the room, enforcing the room's capacity.
func (r *RoomRepository) AddMember(ctx context.Context, roomID, username string, role models.MemberRole) error {
	const op = "repository.RoomRepository.AddMember"

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("room_id = ?", roomID).First(&room).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.RoomMember{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
			return err
		}
		if room.MaxMembers > 0 && count >= int64(room.MaxMembers) {
			return apperr.Validation(op, "room has reached maximum capacity")
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.RoomMember{
			RoomID:   roomID,
			Username: username,
			Role:     role,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Validation(op, "user is already a member of this room")
		}
		return nil
	})
	return dbErr(op, err)
}

// RemoveMember removes target from the room on behalf of actor. Only owners
// and admins may remove others, and an owner can only remove themselves.
func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, target, actor string) error {
	const op = "repository.RoomRepository.RemoveMember"

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member models.RoomMember
		if err := tx.Where("room_id = ? AND username = ?", roomID, target).First(&member).Error; err != nil {
			return err
		}

		if actor != target {
			var remover models.RoomMember
			err := tx.Where("room_id = ? AND username = ?", roomID, actor).First(&remover).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !remover.Role.CanManage()) {
				return apperr.Permission(op, "insufficient permissions to remove members")
			}
			if err != nil {
				return err
			}
			if member.Role == models.RoleOwner {
				return apperr.Permission(op, "cannot remove room owner")
			}
		}

		return tx.Where("room_id = ? AND username = ?", roomID, target).Delete(&models.RoomMember{}).Error
	})
	return dbErr(op, err)
}

// IsMember reports whether username belongs to the room. Everyone belongs to
// the global room.
func (r *RoomRepository) IsMember(ctx context.Context, roomID, username string) (bool, error) {
	const op = "repository.RoomRepository.IsMember"

	if roomID == models.GlobalRoomID {
		return true, nil
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND username = ?", roomID, username).
		Count(&count).Error
	if err != nil {
		return false, dbErr(op, err)
	}
	return count > 0, nil
}

func (r *RoomRepository) GetMemberRole(ctx context.Context, roomID, username string) (models.MemberRole, error) {
	const op = "repository.RoomRepository.GetMemberRole"

	var member models.RoomMember
	if err := r.db.WithContext(ctx).Where("room_id = ? AND username = ?", roomID, username).First(&member).Error; err != nil {
		return "", dbErr(op, err)
	}
	return member.Role, nil
}

func (r *RoomRepository) ListMembers(ctx context.Context, roomID string) ([]string, error) {
	const op = "repository.RoomRepository.ListMembers"

	usernames := []string{}
	err := r.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("username ASC").
		Pluck("username", &usernames).Error
	if err != nil {
		return nil, dbErr(op, err)
	}
	return usernames, nil
}

func (r *RoomRepository) UpdateLastRead(ctx context.Context, roomID, username string, at time.Time) error {
	const op = "repository.RoomRepository.UpdateLastRead"

	err := r.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND username = ?", roomID, username).
		Update("last_read_at", at).Error
	return dbErr(op, err)
}
