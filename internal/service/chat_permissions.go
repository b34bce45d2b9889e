package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

// permissionGuard evaluates membership predicates against whatever store it is
// handed, so callers run it on the transaction of the mutation it guards.
type permissionGuard struct{}

func (permissionGuard) loadChatroom(ctx context.Context, store repository.ChatStore, chatroomID string) (models.Chatroom, error) {
	room, err := store.Chatrooms().FindByID(ctx, chatroomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Chatroom{}, ErrChatroomNotFound
		}
		return models.Chatroom{}, err
	}
	return room, nil
}

// lockChatroom is loadChatroom holding the room's row lock for the rest of the
// transaction.
func (permissionGuard) lockChatroom(ctx context.Context, store repository.ChatStore, chatroomID string) (models.Chatroom, error) {
	room, err := store.Chatrooms().FindForUpdate(ctx, chatroomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Chatroom{}, ErrChatroomNotFound
		}
		return models.Chatroom{}, err
	}
	return room, nil
}

func (permissionGuard) isActiveParticipant(ctx context.Context, store repository.ChatStore, chatroomID, userID string) (models.ChatParticipant, bool, error) {
	participant, err := store.Participants().FindActive(ctx, chatroomID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatParticipant{}, false, nil
		}
		return models.ChatParticipant{}, false, err
	}
	return participant, true, nil
}

func (g permissionGuard) requireActiveParticipant(ctx context.Context, store repository.ChatStore, chatroomID, userID string) (models.ChatParticipant, error) {
	participant, ok, err := g.isActiveParticipant(ctx, store, chatroomID, userID)
	if err != nil {
		return models.ChatParticipant{}, err
	}
	if !ok {
		return models.ChatParticipant{}, ErrNotParticipant
	}
	return participant, nil
}

func (g permissionGuard) requireActiveAdmin(ctx context.Context, store repository.ChatStore, chatroomID, userID string) (models.ChatParticipant, error) {
	participant, ok, err := g.isActiveParticipant(ctx, store, chatroomID, userID)
	if err != nil {
		return models.ChatParticipant{}, err
	}
	if !ok || !participant.IsAdmin {
		return models.ChatParticipant{}, ErrNotAdmin
	}
	return participant, nil
}

func (permissionGuard) requireGroup(room models.Chatroom) error {
	if !room.IsGroup() {
		return ErrGroupOnly
	}
	return nil
}
