package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// ErrDuplicateDirectRoom is returned when another request created the direct room for the same pair first.
var ErrDuplicateDirectRoom = errors.New("direct chatroom already exists for pair")

// ChatroomRepository persists chatroom entities.
type ChatroomRepository interface {
	Create(ctx context.Context, room *models.Chatroom) error
	FindByID(ctx context.Context, id string) (models.Chatroom, error)
	FindForUpdate(ctx context.Context, id string) (models.Chatroom, error)
	FindDirectByKey(ctx context.Context, key string) (models.Chatroom, error)
	Update(ctx context.Context, room *models.Chatroom) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	ListForUser(ctx context.Context, userID string, after *models.Chatroom, limit int) ([]models.Chatroom, error)
}

type chatroomRepository struct {
	db *gorm.DB
}

// NewChatroomRepository constructs a chatroom repository backed by GORM.
func NewChatroomRepository(db *gorm.DB) ChatroomRepository {
	return &chatroomRepository{db: db}
}

func (r *chatroomRepository) Create(ctx context.Context, room *models.Chatroom) error {
	err := r.db.WithContext(ctx).Create(room).Error
	if err != nil && room.DirectKey != nil && isUniqueViolation(err) {
		return ErrDuplicateDirectRoom
	}
	return err
}

func (r *chatroomRepository) FindByID(ctx context.Context, id string) (models.Chatroom, error) {
	var room models.Chatroom
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error; err != nil {
		return models.Chatroom{}, err
	}
	return room, nil
}

// FindForUpdate loads the room and holds its row lock until the surrounding
// transaction ends. Message writes and read watermarks serialise on it.
func (r *chatroomRepository) FindForUpdate(ctx context.Context, id string) (models.Chatroom, error) {
	var room models.Chatroom
	if err := lockForUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&room).Error; err != nil {
		return models.Chatroom{}, err
	}
	return room, nil
}

func (r *chatroomRepository) FindDirectByKey(ctx context.Context, key string) (models.Chatroom, error) {
	var room models.Chatroom
	err := r.db.WithContext(ctx).
		Where("direct_key = ? AND kind = ?", key, models.ChatroomKindDirect).
		First(&room).Error
	if err != nil {
		return models.Chatroom{}, err
	}
	return room, nil
}

func (r *chatroomRepository) Update(ctx context.Context, room *models.Chatroom) error {
	return r.db.WithContext(ctx).Model(room).Select("Name", "Description", "ImageURL", "UpdatedAt").Updates(room).Error
}

func (r *chatroomRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Chatroom{}).
		Where("id = ?", id).
		UpdateColumn("last_activity_at", at).
		Error
}

// ListForUser returns rooms where the user holds an active membership, most
// recently active first. after is the last room of the previous page.
func (r *chatroomRepository) ListForUser(ctx context.Context, userID string, after *models.Chatroom, limit int) ([]models.Chatroom, error) {
	if limit <= 0 {
		limit = 20
	}

	query := r.db.WithContext(ctx).
		Model(&models.Chatroom{}).
		Select("chatrooms.*").
		Joins("JOIN chat_participants ON chat_participants.chatroom_id = chatrooms.id AND chat_participants.user_id = ? AND chat_participants.left_at IS NULL", userID)

	if after != nil {
		query = query.Where(
			"(chatrooms.last_activity_at < ? OR (chatrooms.last_activity_at = ? AND chatrooms.id < ?))",
			after.LastActivityAt, after.LastActivityAt, after.ID,
		)
	}

	var rooms []models.Chatroom
	if err := query.
		Order("chatrooms.last_activity_at DESC").
		Order("chatrooms.id DESC").
		Limit(limit).
		Find(&rooms).Error; err != nil {
		return nil, err
	}

	return rooms, nil
}
