package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatStore groups the chat repositories behind one transactional scope so
// guards and mutations can share a transaction.
type ChatStore interface {
	Chatrooms() ChatroomRepository
	Participants() ParticipantRepository
	Messages() MessageRepository
	Transaction(ctx context.Context, fn func(store ChatStore) error) error
}

type chatStore struct {
	db *gorm.DB
}

// NewChatStore constructs a chat store backed by GORM.
func NewChatStore(db *gorm.DB) ChatStore {
	return &chatStore{db: db}
}

func (s *chatStore) Chatrooms() ChatroomRepository {
	return NewChatroomRepository(s.db)
}

func (s *chatStore) Participants() ParticipantRepository {
	return NewParticipantRepository(s.db)
}

func (s *chatStore) Messages() MessageRepository {
	return NewMessageRepository(s.db)
}

func (s *chatStore) Transaction(ctx context.Context, fn func(store ChatStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&chatStore{db: tx})
	})
}

// lockForUpdate adds a row lock on dialects that support it. SQLite serialises
// writers on its own and rejects FOR UPDATE.
func lockForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
