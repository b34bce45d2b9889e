package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

// MarkRead flags messages written by others as read and moves the caller's
// read watermark to now and the newest stored message. Unread counters are
// derived from the watermark.
func (s *chatService) MarkRead(ctx context.Context, userID, chatroomID string, payload dto.ChatMarkReadRequest) error {
	if err := s.validator.Struct(payload); err != nil {
		return invalidArgument(err)
	}

	spanCtx, span := s.startSpan(ctx, "chat.mark_read", chatroomID, userID)
	defer span.End()

	var marked int64
	err := s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		room, err := s.guard.lockChatroom(spanCtx, tx, chatroomID)
		if err != nil {
			return err
		}
		participant, err := s.guard.requireActiveParticipant(spanCtx, tx, room.ID, userID)
		if err != nil {
			return err
		}

		now := s.now()
		marked, err = tx.Messages().MarkRead(spanCtx, room.ID, userID, participant.JoinedAt, payload.MessageIDs, now)
		if err != nil {
			return err
		}

		watermark := repository.ReadWatermark{At: &now}
		latest, err := tx.Messages().Latest(spanCtx, room.ID, participant.JoinedAt)
		switch {
		case err == nil:
			watermark.MessageID = &latest.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Participants().SetLastRead(spanCtx, participant.ID, watermark)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int64("chat.marked", marked))
	return nil
}

func (s *chatService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	return s.store.Messages().CountUnreadForUser(ctx, userID)
}

func (s *chatService) RoomUnreadCount(ctx context.Context, userID, chatroomID string) (int64, error) {
	participant, err := s.readableMembership(ctx, userID, chatroomID)
	if err != nil {
		return 0, err
	}
	return s.store.Messages().CountUnreadInRoom(ctx, participant.ChatroomID, userID, participant.JoinedAt, repository.WatermarkOf(participant))
}
