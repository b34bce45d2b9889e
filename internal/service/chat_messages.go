package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/observability"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

const (
	defaultMessageLimit = 50
	defaultMediaLimit   = 20
	previewLength       = 120
)

const messageMetadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "maxProperties": 1,
  "additionalProperties": false,
  "properties": {
    "shared_content": {
      "type": "object",
      "required": ["id"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1, "maxLength": 64},
        "type": {"type": "string", "maxLength": 32}
      }
    },
    "link_preview": {
      "type": "object",
      "required": ["url"],
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string", "pattern": "^https?://", "maxLength": 2048},
        "title": {"type": "string", "maxLength": 300},
        "description": {"type": "string", "maxLength": 1000},
        "image_url": {"type": "string", "maxLength": 2048}
      }
    }
  }
}`

func (s *chatService) SendMessage(ctx context.Context, userID, chatroomID string, payload dto.ChatMessageSendRequest) (dto.ChatMessageResponse, error) {
	payload.MessageType = strings.ToUpper(strings.TrimSpace(payload.MessageType))
	if payload.MessageType == "" {
		payload.MessageType = models.MessageTypeText
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.ChatMessageResponse{}, invalidArgument(err)
	}

	if utf8.RuneCountInString(payload.Content) > maxMessageLength {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: message content exceeds %d characters", ErrInvalidArgument, maxMessageLength)
	}
	content := s.clean(payload.Content)
	if content == "" {
		return dto.ChatMessageResponse{}, ErrEmptyContent
	}

	metadata, err := s.buildMetadata(payload)
	if err != nil {
		return dto.ChatMessageResponse{}, err
	}

	spanCtx, span := s.startSpan(ctx, "chat.send_message", chatroomID, userID)
	defer span.End()
	span.SetAttributes(attribute.String("chat.message_type", payload.MessageType))

	var (
		message    models.ChatMessage
		recipients []string
	)
	err = s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		room, err := s.guard.lockChatroom(spanCtx, tx, chatroomID)
		if err != nil {
			return err
		}
		if _, err := s.guard.requireActiveParticipant(spanCtx, tx, room.ID, userID); err != nil {
			return err
		}

		message = models.ChatMessage{
			ID:          newMessageID(),
			ChatroomID:  room.ID,
			SenderID:    userID,
			Content:     content,
			MessageType: payload.MessageType,
			MediaURL:    trimOptional(payload.MediaURL),
			Metadata:    metadata,
			CreatedAt:   s.now(),
		}
		if err := tx.Messages().Create(spanCtx, &message); err != nil {
			return err
		}
		if err := tx.Chatrooms().TouchActivity(spanCtx, room.ID, message.CreatedAt); err != nil {
			return err
		}

		participants, err := tx.Participants().ListActive(spanCtx, room.ID)
		if err != nil {
			return err
		}
		for _, participant := range participants {
			if participant.UserID != userID {
				recipients = append(recipients, participant.UserID)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, err
	}

	observability.ChatMessagesSent().WithLabelValues(message.MessageType).Inc()
	s.logger.Debug().
		Str("chatroom_id", message.ChatroomID).
		Str("message_id", message.ID).
		Str("message_type", message.MessageType).
		Msg("chat message stored")

	s.dispatch(spanCtx, message, recipients)

	return dto.NewChatMessageResponse(message), nil
}

// dispatch hands the stored message to the notifier. Delivery failures never
// undo the write.
func (s *chatService) dispatch(ctx context.Context, message models.ChatMessage, recipients []string) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}

	event := ChatMessageEvent{
		ChatroomID:   message.ChatroomID,
		MessageID:    message.ID,
		SenderID:     message.SenderID,
		RecipientIDs: recipients,
		Preview:      messagePreview(message.Content),
		MessageType:  message.MessageType,
		SentAt:       message.CreatedAt,
	}

	if err := s.notifier.NotifyMessage(ctx, event); err != nil {
		observability.ChatNotificationFailures().Inc()
		s.logger.Warn().Err(err).
			Str("chatroom_id", message.ChatroomID).
			Str("message_id", message.ID).
			Msg("failed to dispatch chat notification")
	}
}

func (s *chatService) buildMetadata(payload dto.ChatMessageSendRequest) (datatypes.JSON, error) {
	if payload.SharedContent != nil && payload.LinkPreview != nil {
		return nil, ErrMetadataConflict
	}

	document := map[string]interface{}{}
	if shared := payload.SharedContent; shared != nil {
		document["shared_content"] = shared
	}
	if preview := payload.LinkPreview; preview != nil {
		preview.Title = s.clean(preview.Title)
		preview.Description = s.clean(preview.Description)
		document["link_preview"] = preview
	}
	if len(document) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	if err := s.metadata.Validate(decoded); err != nil {
		return nil, fmt.Errorf("%w: invalid message metadata: %s", ErrInvalidArgument, err.Error())
	}

	return datatypes.JSON(raw), nil
}

func (s *chatService) ListMessages(ctx context.Context, userID, chatroomID string, query dto.ChatMessageListQuery) (dto.ChatMessagePage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.ChatMessagePage{}, invalidArgument(err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	participant, err := s.readableMembership(ctx, userID, chatroomID)
	if err != nil {
		return dto.ChatMessagePage{}, err
	}

	return s.pageMessages(ctx, repository.MessageQuery{
		ChatroomID: participant.ChatroomID,
		Since:      participant.JoinedAt,
	}, query.Cursor, limit)
}

func (s *chatService) ListSharedMedia(ctx context.Context, userID, chatroomID string, query dto.ChatMediaListQuery) (dto.ChatMessagePage, error) {
	types := make([]string, 0, len(query.Types))
	for _, messageType := range query.Types {
		if trimmed := strings.ToUpper(strings.TrimSpace(messageType)); trimmed != "" {
			types = append(types, trimmed)
		}
	}
	query.Types = types

	if err := s.validator.Struct(query); err != nil {
		return dto.ChatMessagePage{}, invalidArgument(err)
	}
	if len(query.Types) == 0 {
		query.Types = models.MediaMessageTypes
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultMediaLimit
	}

	participant, err := s.readableMembership(ctx, userID, chatroomID)
	if err != nil {
		return dto.ChatMessagePage{}, err
	}

	return s.pageMessages(ctx, repository.MessageQuery{
		ChatroomID: participant.ChatroomID,
		Since:      participant.JoinedAt,
		Types:      query.Types,
	}, query.Cursor, limit)
}

func (s *chatService) readableMembership(ctx context.Context, userID, chatroomID string) (models.ChatParticipant, error) {
	room, err := s.guard.loadChatroom(ctx, s.store, chatroomID)
	if err != nil {
		return models.ChatParticipant{}, err
	}
	return s.guard.requireActiveParticipant(ctx, s.store, room.ID, userID)
}

// pageMessages fetches one extra row to learn whether an older page exists and
// returns the page oldest first. The cursor is the oldest id of the page.
func (s *chatService) pageMessages(ctx context.Context, query repository.MessageQuery, cursor string, limit int) (dto.ChatMessagePage, error) {
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		before, err := s.store.Messages().FindByID(ctx, cursor)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return dto.ChatMessagePage{}, ErrInvalidCursor
			}
			return dto.ChatMessagePage{}, err
		}
		if before.ChatroomID != query.ChatroomID {
			return dto.ChatMessagePage{}, ErrInvalidCursor
		}
		query.Before = &before
	}

	query.Limit = limit + 1
	messages, err := s.store.Messages().List(ctx, query)
	if err != nil {
		return dto.ChatMessagePage{}, err
	}

	page := dto.ChatMessagePage{}
	if len(messages) > limit {
		messages = messages[:limit]
		page.NextCursor = messages[len(messages)-1].ID
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	page.Items = dto.NewChatMessageResponseSlice(messages)

	return page, nil
}

// newMessageID returns a time-ordered identifier so ids follow creation order
// within the same timestamp.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func messagePreview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
