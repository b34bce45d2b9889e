package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// ErrDuplicateMembership is returned when an active membership for the same user and room already exists.
var ErrDuplicateMembership = errors.New("active membership already exists")

// ParticipantRepository persists chatroom membership records.
type ParticipantRepository interface {
	CreateBatch(ctx context.Context, participants []models.ChatParticipant) error
	FindActive(ctx context.Context, chatroomID, userID string) (models.ChatParticipant, error)
	HasMembership(ctx context.Context, chatroomID, userID string) (bool, error)
	ListActive(ctx context.Context, chatroomID string) ([]models.ChatParticipant, error)
	CountActiveAdmins(ctx context.Context, chatroomID string) (int64, error)
	MarkLeft(ctx context.Context, id string, at time.Time) (int64, error)
	SetAdmin(ctx context.Context, id string, isAdmin bool) error
	SetLastRead(ctx context.Context, id string, watermark ReadWatermark) error
}

type participantRepository struct {
	db *gorm.DB
}

// NewParticipantRepository constructs a participant repository backed by GORM.
func NewParticipantRepository(db *gorm.DB) ParticipantRepository {
	return &participantRepository{db: db}
}

func (r *participantRepository) CreateBatch(ctx context.Context, participants []models.ChatParticipant) error {
	if len(participants) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&participants).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMembership
		}
		return err
	}
	return nil
}

// FindActive loads the open membership of a user, locking the row on
// dialects that support it.
func (r *participantRepository) FindActive(ctx context.Context, chatroomID, userID string) (models.ChatParticipant, error) {
	var participant models.ChatParticipant
	err := lockForUpdate(r.db.WithContext(ctx)).
		Where("chatroom_id = ? AND user_id = ? AND left_at IS NULL", chatroomID, userID).
		First(&participant).Error
	if err != nil {
		return models.ChatParticipant{}, err
	}
	return participant, nil
}

// HasMembership reports whether the user ever held a membership in the room,
// open or closed.
func (r *participantRepository) HasMembership(ctx context.Context, chatroomID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatParticipant{}).
		Where("chatroom_id = ? AND user_id = ?", chatroomID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *participantRepository) ListActive(ctx context.Context, chatroomID string) ([]models.ChatParticipant, error) {
	var participants []models.ChatParticipant
	if err := r.db.WithContext(ctx).
		Where("chatroom_id = ? AND left_at IS NULL", chatroomID).
		Order("joined_at ASC").
		Order("id ASC").
		Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) CountActiveAdmins(ctx context.Context, chatroomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatParticipant{}).
		Where("chatroom_id = ? AND left_at IS NULL AND is_admin = ?", chatroomID, true).
		Count(&count).Error
	return count, err
}

// MarkLeft closes the membership window. Rows already closed are left untouched.
func (r *participantRepository) MarkLeft(ctx context.Context, id string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ChatParticipant{}).
		Where("id = ? AND left_at IS NULL", id).
		UpdateColumn("left_at", at)
	return result.RowsAffected, result.Error
}

func (r *participantRepository) SetAdmin(ctx context.Context, id string, isAdmin bool) error {
	return r.db.WithContext(ctx).
		Model(&models.ChatParticipant{}).
		Where("id = ?", id).
		UpdateColumn("is_admin", isAdmin).
		Error
}

func (r *participantRepository) SetLastRead(ctx context.Context, id string, watermark ReadWatermark) error {
	return r.db.WithContext(ctx).
		Model(&models.ChatParticipant{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"last_read_at":         watermark.At,
			"last_read_message_id": watermark.MessageID,
		}).
		Error
}
