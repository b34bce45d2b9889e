package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// MessageQuery describes one page of a chatroom's history.
type MessageQuery struct {
	ChatroomID string
	// Since hides messages created before the reader's membership window.
	Since time.Time
	// Types restricts the page to the given message types when non-empty.
	Types []string
	// Before is the oldest message of the previous page.
	Before *models.ChatMessage
	Limit  int
}

// MessageRepository persists chat messages and their legacy read flags.
type MessageRepository interface {
	Create(ctx context.Context, message *models.ChatMessage) error
	FindByID(ctx context.Context, id string) (models.ChatMessage, error)
	List(ctx context.Context, query MessageQuery) ([]models.ChatMessage, error)
	Latest(ctx context.Context, chatroomID string, since time.Time) (models.ChatMessage, error)
	MarkRead(ctx context.Context, chatroomID, readerID string, since time.Time, ids []string, at time.Time) (int64, error)
	CountUnreadInRoom(ctx context.Context, chatroomID, userID string, since time.Time, watermark ReadWatermark) (int64, error)
	CountUnreadForUser(ctx context.Context, userID string) (int64, error)
}

// ReadWatermark marks how far a member has read. A message is read when it was
// stored before At, or at At with an id not above MessageID.
type ReadWatermark struct {
	At        *time.Time
	MessageID *string
}

// WatermarkOf returns the read position recorded on a membership.
func WatermarkOf(participant models.ChatParticipant) ReadWatermark {
	return ReadWatermark{At: participant.LastReadAt, MessageID: participant.LastReadMessageID}
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// List returns messages newest first, ordered by creation time with the id as
// tie-break.
func (r *messageRepository) List(ctx context.Context, query MessageQuery) ([]models.ChatMessage, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}

	db := r.db.WithContext(ctx).Where("chatroom_id = ?", query.ChatroomID)
	if !query.Since.IsZero() {
		db = db.Where("created_at >= ?", query.Since)
	}
	if len(query.Types) > 0 {
		db = db.Where("message_type IN ?", query.Types)
	}
	if query.Before != nil {
		db = db.Where(
			"(created_at < ? OR (created_at = ? AND id < ?))",
			query.Before.CreatedAt, query.Before.CreatedAt, query.Before.ID,
		)
	}

	var messages []models.ChatMessage
	if err := db.Order("created_at DESC").Order("id DESC").Limit(query.Limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *messageRepository) Latest(ctx context.Context, chatroomID string, since time.Time) (models.ChatMessage, error) {
	db := r.db.WithContext(ctx).Where("chatroom_id = ?", chatroomID)
	if !since.IsZero() {
		db = db.Where("created_at >= ?", since)
	}

	var message models.ChatMessage
	if err := db.Order("created_at DESC").Order("id DESC").First(&message).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// MarkRead sets the legacy read flag on messages written by others. A nil ids
// slice targets every unread message in the window; an empty one targets none.
func (r *messageRepository) MarkRead(ctx context.Context, chatroomID, readerID string, since time.Time, ids []string, at time.Time) (int64, error) {
	if ids != nil && len(ids) == 0 {
		return 0, nil
	}

	db := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("chatroom_id = ? AND sender_id <> ? AND read_at IS NULL", chatroomID, readerID)
	if !since.IsZero() {
		db = db.Where("created_at >= ?", since)
	}
	if ids != nil {
		db = db.Where("id IN ?", ids)
	}

	result := db.UpdateColumn("read_at", at)
	return result.RowsAffected, result.Error
}

func (r *messageRepository) CountUnreadInRoom(ctx context.Context, chatroomID, userID string, since time.Time, watermark ReadWatermark) (int64, error) {
	db := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("chatroom_id = ? AND sender_id <> ?", chatroomID, userID)
	if !since.IsZero() {
		db = db.Where("created_at >= ?", since)
	}
	switch {
	case watermark.At == nil:
	case watermark.MessageID == nil:
		db = db.Where("created_at >= ?", *watermark.At)
	default:
		db = db.Where("(created_at > ? OR (created_at = ? AND id > ?))", *watermark.At, *watermark.At, *watermark.MessageID)
	}

	var count int64
	err := db.Count(&count).Error
	return count, err
}

// CountUnreadForUser aggregates unread messages across every active membership
// of the user in a single query.
func (r *messageRepository) CountUnreadForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Joins("JOIN chat_participants ON chat_participants.chatroom_id = chat_messages.chatroom_id AND chat_participants.user_id = ? AND chat_participants.left_at IS NULL", userID).
		Where("chat_messages.sender_id <> ?", userID).
		Where("chat_messages.created_at >= chat_participants.joined_at").
		Where("(chat_participants.last_read_at IS NULL" +
			" OR chat_messages.created_at > chat_participants.last_read_at" +
			" OR (chat_messages.created_at = chat_participants.last_read_at" +
			" AND (chat_participants.last_read_message_id IS NULL OR chat_messages.id > chat_participants.last_read_message_id)))").
		Count(&count).Error
	return count, err
}
