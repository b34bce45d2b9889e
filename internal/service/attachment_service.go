package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/observability"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = fmt.Errorf("%w: file exceeds maximum allowed size", ErrInvalidArgument)
	// ErrUploadTypeNotAllowed indicates the detected MIME type cannot be shared in a chat.
	ErrUploadTypeNotAllowed = fmt.Errorf("%w: file type not allowed", ErrInvalidArgument)
	// ErrUploadScanFailed indicates validation of the file contents failed.
	ErrUploadScanFailed = fmt.Errorf("%w: file scanning failed", ErrInvalidArgument)
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// AttachmentService stores files shared into a chatroom. The returned url is
// then referenced as the media_url of a message.
type AttachmentService interface {
	Upload(ctx context.Context, userID, chatroomID string, file *multipart.FileHeader) (dto.ChatAttachmentResponse, error)
}

type attachmentService struct {
	storage FileStorage
	store   repository.ChatStore
	repo    repository.AttachmentRepository
	guard   permissionGuard
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewAttachmentService constructs an attachment service.
func NewAttachmentService(storage FileStorage, store repository.ChatStore, repo repository.AttachmentRepository, maxSizeMB int, logger zerolog.Logger) AttachmentService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &attachmentService{
		storage: storage,
		store:   store,
		repo:    repo,
		logger:  logger.With().Str("component", "attachment_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/gema-chat-api/internal/service/attachment"),
	}
}

func (s *attachmentService) Upload(ctx context.Context, userID, chatroomID string, file *multipart.FileHeader) (dto.ChatAttachmentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.attachment.store", trace.WithAttributes(
		attribute.String("chat.chatroom_id", chatroomID),
		attribute.String("chat.user_id", userID),
		attribute.Int64("upload.max_bytes", s.maxSize),
	))
	defer span.End()

	room, err := s.guard.loadChatroom(ctx, s.store, chatroomID)
	if err != nil {
		span.RecordError(err)
		return dto.ChatAttachmentResponse{}, err
	}
	if _, err := s.guard.requireActiveParticipant(ctx, s.store, room.ID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not a participant")
		return dto.ChatAttachmentResponse{}, err
	}

	if file == nil {
		err := fmt.Errorf("%w: file is required", ErrInvalidArgument)
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return dto.ChatAttachmentResponse{}, err
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return dto.ChatAttachmentResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return dto.ChatAttachmentResponse{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.ChatAttachmentResponse{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		return dto.ChatAttachmentResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	mimeType := strings.ToLower(detected.String())
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	span.SetAttributes(attribute.String("upload.detected_mime", mimeType))

	messageType, ok := attachmentMessageType(mimeType)
	if !ok {
		return dto.ChatAttachmentResponse{}, s.reject(span, "type", ErrUploadTypeNotAllowed)
	}

	if err := s.scan(buf.Bytes(), mimeType); err != nil {
		return dto.ChatAttachmentResponse{}, s.reject(span, "scan", err)
	}

	checksum := sha256.Sum256(buf.Bytes())
	name := sanitizeFileName(file.Filename)

	url, err := s.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.ChatAttachmentsRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return dto.ChatAttachmentResponse{}, err
	}

	record := models.ChatAttachment{
		ChatroomID:  room.ID,
		UploaderID:  userID,
		FileName:    name,
		URL:         url,
		MimeType:    mimeType,
		MessageType: messageType,
		SizeBytes:   int64(buf.Len()),
		Checksum:    hex.EncodeToString(checksum[:]),
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.ChatAttachmentResponse{}, err
	}

	observability.ChatAttachmentsUploaded().WithLabelValues(messageType).Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("chatroom_id", room.ID).Str("user_id", userID).Str("mime_type", mimeType).Msg("chat attachment stored")

	return dto.ChatAttachmentResponse{
		URL:         record.URL,
		MessageType: record.MessageType,
		MimeType:    record.MimeType,
		SizeBytes:   record.SizeBytes,
		Checksum:    record.Checksum,
		FileName:    record.FileName,
	}, nil
}

func (s *attachmentService) reject(span trace.Span, reason string, err error) error {
	observability.ChatAttachmentsRejected().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

func (s *attachmentService) scan(payload []byte, mimeType string) error {
	if !strings.Contains(mimeType, "zip") {
		return nil
	}
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return ErrUploadScanFailed
	}
	var totalUncompressed uint64
	for _, f := range reader.File {
		totalUncompressed += f.UncompressedSize64
		if totalUncompressed > uint64(s.maxSize*20) {
			return fmt.Errorf("zip archive uncompressed size too large: %w", ErrUploadScanFailed)
		}
	}
	return nil
}

// attachmentMessageType maps a detected MIME type onto the message type the
// attachment is sent as.
func attachmentMessageType(mimeType string) (string, bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MessageTypeImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return models.MessageTypeVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MessageTypeAudio, true
	}

	switch mimeType {
	case "application/pdf", "application/zip", "application/x-zip-compressed", "text/plain":
		return models.MessageTypeFile, true
	default:
		return "", false
	}
}

func sanitizeFileName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("attachment-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}
