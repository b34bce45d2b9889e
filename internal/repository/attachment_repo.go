package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// AttachmentRepository persists metadata about files uploaded into chatrooms.
type AttachmentRepository interface {
	Create(ctx context.Context, attachment *models.ChatAttachment) error
}

type attachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository constructs a repository for attachment records.
func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &attachmentRepository{db: db}
}

func (r *attachmentRepository) Create(ctx context.Context, attachment *models.ChatAttachment) error {
	return r.db.WithContext(ctx).Create(attachment).Error
}
