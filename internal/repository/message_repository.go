package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/noteduco342/whispr-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Page is one page of a room's history, newest first.
type Page struct {
	Messages []models.Message `json:"messages"`
	Page     int              `json:"page"`
	Size     int              `json:"size"`
	Total    int64            `json:"total"`
}

// Save inserts message unless a row with the same event id exists. The
// boolean reports whether a new row was created; on a duplicate the stored
// row is returned instead.
func (r *MessageRepository) Save(ctx context.Context, message *models.Message) (*models.Message, bool, error) {
	const op = "repository.MessageRepository.Save"

	if message.EventID == "" {
		message.EventID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Type == "" {
		message.Type = models.MessageChat
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(message)
	if res.Error != nil {
		return nil, false, dbErr(op, res.Error)
	}
	if res.RowsAffected > 0 {
		return message, true, nil
	}

	var existing models.Message
	if err := r.db.WithContext(ctx).Where("event_id = ?", message.EventID).First(&existing).Error; err != nil {
		return nil, false, dbErr(op, err)
	}
	one := []models.Message{existing}
	if err := r.loadReadBy(ctx, one); err != nil {
		return nil, false, dbErr(op, err)
	}
	return &one[0], false, nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id uint) (*models.Message, error) {
	const op = "repository.MessageRepository.FindByID"

	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return nil, dbErr(op, err)
	}
	one := []models.Message{message}
	if err := r.loadReadBy(ctx, one); err != nil {
		return nil, dbErr(op, err)
	}
	return &one[0], nil
}

// FindRecentTop50 returns the newest messages of a room, newest first.
func (r *MessageRepository) FindRecentTop50(ctx context.Context, roomID string) ([]models.Message, error) {
	const op = "repository.MessageRepository.FindRecentTop50"

	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(models.RecentMessageLimit).
		Find(&messages).Error
	if err != nil {
		return nil, dbErr(op, err)
	}
	if err := r.loadReadBy(ctx, messages); err != nil {
		return nil, dbErr(op, err)
	}
	return messages, nil
}

// FindPage returns a zero-based page of a room's history, newest first.
func (r *MessageRepository) FindPage(ctx context.Context, roomID string, page, size int) (*Page, error) {
	const op = "repository.MessageRepository.FindPage"

	if page < 0 {
		page = 0
	}
	if size < 1 {
		size = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Message{}).Where("room_id = ?", roomID).Count(&total).Error; err != nil {
		return nil, dbErr(op, err)
	}

	messages := []models.Message{}
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Offset(page * size).
		Limit(size).
		Find(&messages).Error
	if err != nil {
		return nil, dbErr(op, err)
	}
	if err := r.loadReadBy(ctx, messages); err != nil {
		return nil, dbErr(op, err)
	}

	return &Page{Messages: messages, Page: page, Size: size, Total: total}, nil
}

// CountUnread counts messages in the room sent by others that username has
// not read.
func (r *MessageRepository) CountUnread(ctx context.Context, roomID, excludingUser string) (int64, error) {
	const op = "repository.MessageRepository.CountUnread"

	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ? AND sender_username <> ?", roomID, excludingUser).
		Where("NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = messages.id AND mr.username = ?)", excludingUser).
		Count(&count).Error
	if err != nil {
		return 0, dbErr(op, err)
	}
	return count, nil
}

// MarkRead adds username to the message's readBy set. Marking twice, or
// marking one's own message, changes nothing.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID uint, username string) error {
	const op = "repository.MessageRepository.MarkRead"

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var message models.Message
		if err := tx.Select("id", "sender_username").First(&message, messageID).Error; err != nil {
			return err
		}
		if message.SenderUsername == username {
			return nil
		}

		read := models.MessageRead{MessageID: messageID, Username: username, ReadAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&read).Error; err != nil {
			return err
		}
		return tx.Model(&models.Message{}).
			Where("id = ? AND is_read = ?", messageID, false).
			Update("is_read", true).Error
	})
	return dbErr(op, err)
}

// BulkMarkRead marks every message in the room not sent by excludingUser as
// read by them. It returns how many messages gained the reader.
func (r *MessageRepository) BulkMarkRead(ctx context.Context, roomID, excludingUser string) (int64, error) {
	const op = "repository.MessageRepository.BulkMarkRead"

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
			INSERT INTO message_reads (message_id, username, read_at)
			SELECT m.id, ?, ? FROM messages m
			WHERE m.room_id = ? AND m.sender_username <> ?
			AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.username = ?)
		`, excludingUser, time.Now().UTC(), roomID, excludingUser, excludingUser)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected

		return tx.Model(&models.Message{}).
			Where("room_id = ? AND sender_username <> ? AND is_read = ?", roomID, excludingUser, false).
			Update("is_read", true).Error
	})
	if err != nil {
		return 0, dbErr(op, err)
	}
	return affected, nil
}

// BulkMarkDelivered flags the given messages as delivered, skipping the
// ones sent by excludingUser.
func (r *MessageRepository) BulkMarkDelivered(ctx context.Context, ids []uint, excludingUser string) (int64, error) {
	const op = "repository.MessageRepository.BulkMarkDelivered"

	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Message{}).
			Where("id IN ? AND sender_username <> ? AND is_delivered = ?", ids, excludingUser, false).
			Update("is_delivered", true)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, dbErr(op, err)
	}
	return affected, nil
}

func (r *MessageRepository) loadReadBy(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]uint, len(messages))
	index := make(map[uint]int, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
		index[messages[i].ID] = i
		messages[i].ReadBy = []string{}
	}

	var reads []models.MessageRead
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("read_at ASC, username ASC").
		Find(&reads).Error
	if err != nil {
		return err
	}

	for _, read := range reads {
		if i, ok := index[read.MessageID]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, read.Username)
		}
	}
	return nil
}
