package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

// AddParticipants opens memberships for users not already active in the group
// and returns how many were created.
func (s *chatService) AddParticipants(ctx context.Context, userID, chatroomID string, payload dto.ChatParticipantsAddRequest) (int, error) {
	if err := s.validator.Struct(payload); err != nil {
		return 0, invalidArgument(err)
	}
	candidates := uniqueUserIDs(payload.UserIDs, "")

	spanCtx, span := s.startSpan(ctx, "chat.add_participants", chatroomID, userID)
	defer span.End()

	var added int
	err := s.retryOnConflict(spanCtx, "add_participants", func() error {
		added = 0
		return s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
			room, err := s.guard.loadChatroom(spanCtx, tx, chatroomID)
			if err != nil {
				return err
			}
			if err := s.guard.requireGroup(room); err != nil {
				return err
			}
			if _, err := s.guard.requireActiveAdmin(spanCtx, tx, room.ID, userID); err != nil {
				return err
			}

			now := s.now()
			fresh := make([]models.ChatParticipant, 0, len(candidates))
			for _, candidate := range candidates {
				_, active, err := s.guard.isActiveParticipant(spanCtx, tx, room.ID, candidate)
				if err != nil {
					return err
				}
				if active {
					continue
				}
				fresh = append(fresh, s.newParticipant(room.ID, candidate, false, now))
			}

			if err := tx.Participants().CreateBatch(spanCtx, fresh); err != nil {
				return conflictOr(err)
			}
			added = len(fresh)
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if added > 0 {
		s.logger.Info().Str("chatroom_id", chatroomID).Str("user_id", userID).Int("added", added).Msg("participants added")
	}
	return added, nil
}

// RemoveParticipant ends the target's membership. Removing oneself behaves
// like Leave; removing a user without an active membership is a no-op.
func (s *chatService) RemoveParticipant(ctx context.Context, userID, chatroomID, targetUserID string) error {
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return fmt.Errorf("%w: target user id is required", ErrInvalidArgument)
	}

	spanCtx, span := s.startSpan(ctx, "chat.remove_participant", chatroomID, userID)
	defer span.End()

	err := s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		room, err := s.guard.loadChatroom(spanCtx, tx, chatroomID)
		if err != nil {
			return err
		}
		if err := s.guard.requireGroup(room); err != nil {
			return err
		}
		actor, err := s.guard.requireActiveAdmin(spanCtx, tx, room.ID, userID)
		if err != nil {
			return err
		}

		if targetUserID == userID {
			return s.closeMembership(spanCtx, tx, room, actor)
		}

		target, active, err := s.guard.isActiveParticipant(spanCtx, tx, room.ID, targetUserID)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		return s.closeMembership(spanCtx, tx, room, target)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.Info().Str("chatroom_id", chatroomID).Str("user_id", userID).Str("target_user_id", targetUserID).Msg("participant removed")
	return nil
}

func (s *chatService) Leave(ctx context.Context, userID, chatroomID string) error {
	spanCtx, span := s.startSpan(ctx, "chat.leave", chatroomID, userID)
	defer span.End()

	err := s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		room, err := s.guard.loadChatroom(spanCtx, tx, chatroomID)
		if err != nil {
			return err
		}
		participant, err := s.guard.requireActiveParticipant(spanCtx, tx, room.ID, userID)
		if err != nil {
			return err
		}
		return s.closeMembership(spanCtx, tx, room, participant)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.Info().Str("chatroom_id", chatroomID).Str("user_id", userID).Msg("participant left chatroom")
	return nil
}

// Promote grants admin rights to an active member. Promoting an admin is a no-op.
func (s *chatService) Promote(ctx context.Context, userID, chatroomID, targetUserID string) error {
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return fmt.Errorf("%w: target user id is required", ErrInvalidArgument)
	}

	spanCtx, span := s.startSpan(ctx, "chat.promote", chatroomID, userID)
	defer span.End()

	var promoted bool
	err := s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		room, err := s.guard.loadChatroom(spanCtx, tx, chatroomID)
		if err != nil {
			return err
		}
		if err := s.guard.requireGroup(room); err != nil {
			return err
		}
		if _, err := s.guard.requireActiveAdmin(spanCtx, tx, room.ID, userID); err != nil {
			return err
		}

		target, active, err := s.guard.isActiveParticipant(spanCtx, tx, room.ID, targetUserID)
		if err != nil {
			return err
		}
		if !active {
			return ErrParticipantNotFound
		}
		if target.IsAdmin {
			return nil
		}

		promoted = true
		return tx.Participants().SetAdmin(spanCtx, target.ID, true)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if promoted {
		s.logger.Info().Str("chatroom_id", chatroomID).Str("user_id", userID).Str("target_user_id", targetUserID).Msg("participant promoted to admin")
	}
	return nil
}

// closeMembership ends a membership. When the last active admin of a group
// goes, the longest-standing remaining member takes over.
func (s *chatService) closeMembership(ctx context.Context, tx repository.ChatStore, room models.Chatroom, participant models.ChatParticipant) error {
	if _, err := tx.Participants().MarkLeft(ctx, participant.ID, s.now()); err != nil {
		return err
	}
	if !room.IsGroup() || !participant.IsAdmin {
		return nil
	}

	admins, err := tx.Participants().CountActiveAdmins(ctx, room.ID)
	if err != nil || admins > 0 {
		return err
	}

	remaining, err := tx.Participants().ListActive(ctx, room.ID)
	if err != nil || len(remaining) == 0 {
		return err
	}

	successor := remaining[0]
	if err := tx.Participants().SetAdmin(ctx, successor.ID, true); err != nil {
		return err
	}

	s.logger.Info().Str("chatroom_id", room.ID).Str("user_id", successor.UserID).Msg("admin rights handed to longest-standing member")
	return nil
}
