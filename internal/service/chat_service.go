package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/observability"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

const (
	conflictRetryAttempts = 3
	defaultChatroomLimit  = 20
	maxMessageLength      = 1000
)

// ChatService exposes the chatroom messaging use-cases. Every method takes the
// caller's resolved user id explicitly.
type ChatService interface {
	CreateChatroom(ctx context.Context, userID string, payload dto.ChatroomCreateRequest) (dto.ChatroomResponse, error)
	GetChatroom(ctx context.Context, userID, chatroomID string) (dto.ChatroomResponse, error)
	ListChatrooms(ctx context.Context, userID string, query dto.ChatroomListQuery) (dto.ChatroomListResponse, error)
	UpdateGroupSettings(ctx context.Context, userID, chatroomID string, payload dto.ChatroomUpdateRequest) (dto.ChatroomResponse, error)

	SendMessage(ctx context.Context, userID, chatroomID string, payload dto.ChatMessageSendRequest) (dto.ChatMessageResponse, error)
	ListMessages(ctx context.Context, userID, chatroomID string, query dto.ChatMessageListQuery) (dto.ChatMessagePage, error)
	ListSharedMedia(ctx context.Context, userID, chatroomID string, query dto.ChatMediaListQuery) (dto.ChatMessagePage, error)

	MarkRead(ctx context.Context, userID, chatroomID string, payload dto.ChatMarkReadRequest) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
	RoomUnreadCount(ctx context.Context, userID, chatroomID string) (int64, error)

	AddParticipants(ctx context.Context, userID, chatroomID string, payload dto.ChatParticipantsAddRequest) (int, error)
	RemoveParticipant(ctx context.Context, userID, chatroomID, targetUserID string) error
	Leave(ctx context.Context, userID, chatroomID string) error
	Promote(ctx context.Context, userID, chatroomID, targetUserID string) error
}

type chatService struct {
	store     repository.ChatStore
	notifier  MessageNotifier
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	metadata  *jsonschema.Schema
	guard     permissionGuard
	now       func() time.Time
}

// NewChatService creates a chat service over the given store. notifier may be nil.
func NewChatService(store repository.ChatStore, notifier MessageNotifier, validate *validator.Validate, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.StrictPolicy()

	return &chatService{
		store:     store,
		notifier:  notifier,
		validator: validate,
		logger:    logger.With().Str("component", "chat_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat-api/internal/service/chat"),
		sanitizer: sanitizer,
		metadata:  jsonschema.MustCompileString("https://schemas.gema.local/chat/message-metadata.json", messageMetadataSchema),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

func (s *chatService) CreateChatroom(ctx context.Context, userID string, payload dto.ChatroomCreateRequest) (dto.ChatroomResponse, error) {
	if err := requireUser(userID); err != nil {
		return dto.ChatroomResponse{}, err
	}

	payload.Kind = strings.ToUpper(strings.TrimSpace(payload.Kind))
	if err := s.validator.Struct(payload); err != nil {
		return dto.ChatroomResponse{}, invalidArgument(err)
	}

	if payload.Kind == models.ChatroomKindDirect {
		return s.createDirect(ctx, userID, payload.PeerID)
	}
	return s.createGroup(ctx, userID, payload)
}

func (s *chatService) createDirect(ctx context.Context, userID, peerID string) (dto.ChatroomResponse, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return dto.ChatroomResponse{}, fmt.Errorf("%w: peer_id is required for direct chatrooms", ErrInvalidArgument)
	}
	if peerID == userID {
		return dto.ChatroomResponse{}, ErrSelfDirectChat
	}

	key := directKey(userID, peerID)
	spanCtx, span := s.startSpan(ctx, "chat.create_direct", "", userID)
	defer span.End()

	var (
		room         models.Chatroom
		participants []models.ChatParticipant
		created      bool
	)

	err := s.retryOnConflict(spanCtx, "create_direct", func() error {
		created = false
		return s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
			existing, err := tx.Chatrooms().FindDirectByKey(spanCtx, key)
			switch {
			case err == nil:
				room = existing
				if err := s.reopenDirectMembership(spanCtx, tx, room, userID); err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				room, err = s.insertDirect(spanCtx, tx, key, userID, peerID)
				if err != nil {
					return err
				}
				created = true
			default:
				return err
			}

			participants, err = tx.Participants().ListActive(spanCtx, room.ID)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		return dto.ChatroomResponse{}, err
	}

	if created {
		observability.ChatroomsCreated().WithLabelValues(models.ChatroomKindDirect).Inc()
		s.logger.Info().Str("chatroom_id", room.ID).Str("user_id", userID).Str("peer_id", peerID).Msg("direct chatroom created")
	}

	return dto.NewChatroomResponse(room, participants), nil
}

func (s *chatService) insertDirect(ctx context.Context, tx repository.ChatStore, key, userID, peerID string) (models.Chatroom, error) {
	now := s.now()
	room := models.Chatroom{
		ID:             uuid.NewString(),
		Kind:           models.ChatroomKindDirect,
		DirectKey:      &key,
		CreatedBy:      userID,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := tx.Chatrooms().Create(ctx, &room); err != nil {
		if errors.Is(err, repository.ErrDuplicateDirectRoom) {
			return models.Chatroom{}, ErrConflict
		}
		return models.Chatroom{}, err
	}

	members := []models.ChatParticipant{
		s.newParticipant(room.ID, userID, false, now),
		s.newParticipant(room.ID, peerID, false, now),
	}
	if err := tx.Participants().CreateBatch(ctx, members); err != nil {
		return models.Chatroom{}, conflictOr(err)
	}

	return room, nil
}

// reopenDirectMembership gives a caller who left the pair room a fresh
// membership window; the room itself is reused.
func (s *chatService) reopenDirectMembership(ctx context.Context, tx repository.ChatStore, room models.Chatroom, userID string) error {
	_, ok, err := s.guard.isActiveParticipant(ctx, tx, room.ID, userID)
	if err != nil || ok {
		return err
	}

	// Only one of the two original members may re-enter a pair room.
	member, err := tx.Participants().HasMembership(ctx, room.ID, userID)
	if err != nil {
		return err
	}
	if !member {
		s.logger.Error().Str("chatroom_id", room.ID).Str("user_id", userID).Msg("direct key matched a room the caller never belonged to")
		return ErrNotParticipant
	}

	participant := s.newParticipant(room.ID, userID, false, s.now())
	if err := tx.Participants().CreateBatch(ctx, []models.ChatParticipant{participant}); err != nil {
		return conflictOr(err)
	}

	s.logger.Info().Str("chatroom_id", room.ID).Str("user_id", userID).Msg("direct chatroom membership reopened")
	return nil
}

func (s *chatService) createGroup(ctx context.Context, userID string, payload dto.ChatroomCreateRequest) (dto.ChatroomResponse, error) {
	name := s.clean(payload.Name)
	if name == "" {
		return dto.ChatroomResponse{}, fmt.Errorf("%w: group name is required", ErrInvalidArgument)
	}

	members := uniqueUserIDs(payload.MemberIDs, userID)
	if len(members) == 0 {
		return dto.ChatroomResponse{}, fmt.Errorf("%w: group requires at least one member besides the creator", ErrInvalidArgument)
	}

	spanCtx, span := s.startSpan(ctx, "chat.create_group", "", userID)
	defer span.End()
	span.SetAttributes(attribute.Int("chat.member_count", len(members)))

	now := s.now()
	room := models.Chatroom{
		ID:             uuid.NewString(),
		Kind:           models.ChatroomKindGroup,
		Name:           &name,
		Description:    s.cleanOptional(payload.Description),
		ImageURL:       trimOptional(payload.ImageURL),
		CreatedBy:      userID,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	participants := make([]models.ChatParticipant, 0, len(members)+1)
	participants = append(participants, s.newParticipant(room.ID, userID, true, now))
	for _, member := range members {
		participants = append(participants, s.newParticipant(room.ID, member, false, now))
	}

	err := s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		if err := tx.Chatrooms().Create(spanCtx, &room); err != nil {
			return err
		}
		return tx.Participants().CreateBatch(spanCtx, participants)
	})
	if err != nil {
		span.RecordError(err)
		return dto.ChatroomResponse{}, err
	}

	observability.ChatroomsCreated().WithLabelValues(models.ChatroomKindGroup).Inc()
	s.logger.Info().Str("chatroom_id", room.ID).Str("user_id", userID).Int("members", len(members)).Msg("group chatroom created")

	return dto.NewChatroomResponse(room, participants), nil
}

func (s *chatService) GetChatroom(ctx context.Context, userID, chatroomID string) (dto.ChatroomResponse, error) {
	room, err := s.guard.loadChatroom(ctx, s.store, chatroomID)
	if err != nil {
		return dto.ChatroomResponse{}, err
	}
	if _, err := s.guard.requireActiveParticipant(ctx, s.store, room.ID, userID); err != nil {
		return dto.ChatroomResponse{}, err
	}

	participants, err := s.store.Participants().ListActive(ctx, room.ID)
	if err != nil {
		return dto.ChatroomResponse{}, err
	}

	return dto.NewChatroomResponse(room, participants), nil
}

func (s *chatService) ListChatrooms(ctx context.Context, userID string, query dto.ChatroomListQuery) (dto.ChatroomListResponse, error) {
	if err := requireUser(userID); err != nil {
		return dto.ChatroomListResponse{}, err
	}
	if err := s.validator.Struct(query); err != nil {
		return dto.ChatroomListResponse{}, invalidArgument(err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultChatroomLimit
	}

	var after *models.Chatroom
	if cursor := strings.TrimSpace(query.Cursor); cursor != "" {
		room, err := s.store.Chatrooms().FindByID(ctx, cursor)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return dto.ChatroomListResponse{}, ErrInvalidCursor
			}
			return dto.ChatroomListResponse{}, err
		}
		after = &room
	}

	rooms, err := s.store.Chatrooms().ListForUser(ctx, userID, after, limit+1)
	if err != nil {
		return dto.ChatroomListResponse{}, err
	}

	response := dto.ChatroomListResponse{Items: make([]dto.ChatroomSummaryResponse, 0, len(rooms))}
	if len(rooms) > limit {
		rooms = rooms[:limit]
		response.NextCursor = rooms[len(rooms)-1].ID
	}

	for _, room := range rooms {
		summary, err := s.summarise(ctx, room, userID)
		if err != nil {
			return dto.ChatroomListResponse{}, err
		}
		response.Items = append(response.Items, summary)
	}

	return response, nil
}

func (s *chatService) summarise(ctx context.Context, room models.Chatroom, userID string) (dto.ChatroomSummaryResponse, error) {
	participants, err := s.store.Participants().ListActive(ctx, room.ID)
	if err != nil {
		return dto.ChatroomSummaryResponse{}, err
	}

	var (
		self   models.ChatParticipant
		others = make([]models.ChatParticipant, 0, len(participants))
	)
	for _, participant := range participants {
		if participant.UserID == userID {
			self = participant
			continue
		}
		others = append(others, participant)
	}

	summary := dto.ChatroomSummaryResponse{ChatroomResponse: dto.NewChatroomResponse(room, others)}

	last, err := s.store.Messages().Latest(ctx, room.ID, self.JoinedAt)
	switch {
	case err == nil:
		message := dto.NewChatMessageResponse(last)
		summary.LastMessage = &message
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.ChatroomSummaryResponse{}, err
	}

	unread, err := s.store.Messages().CountUnreadInRoom(ctx, room.ID, userID, self.JoinedAt, repository.WatermarkOf(self))
	if err != nil {
		return dto.ChatroomSummaryResponse{}, err
	}
	summary.UnreadCount = unread

	return summary, nil
}

func (s *chatService) UpdateGroupSettings(ctx context.Context, userID, chatroomID string, payload dto.ChatroomUpdateRequest) (dto.ChatroomResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ChatroomResponse{}, invalidArgument(err)
	}

	var name *string
	if payload.Name != nil {
		cleaned := s.clean(*payload.Name)
		if cleaned == "" {
			return dto.ChatroomResponse{}, fmt.Errorf("%w: group name cannot be empty", ErrInvalidArgument)
		}
		name = &cleaned
	}

	imageURL := trimOptional(payload.ImageURL)
	if imageURL != nil {
		if err := s.validator.Var(*imageURL, "url"); err != nil {
			return dto.ChatroomResponse{}, fmt.Errorf("%w: image_url must be a valid url", ErrInvalidArgument)
		}
	}

	spanCtx, span := s.startSpan(ctx, "chat.update_group", chatroomID, userID)
	defer span.End()

	var (
		room         models.Chatroom
		participants []models.ChatParticipant
	)
	err := s.store.Transaction(spanCtx, func(tx repository.ChatStore) error {
		var err error
		room, err = s.guard.loadChatroom(spanCtx, tx, chatroomID)
		if err != nil {
			return err
		}
		if err := s.guard.requireGroup(room); err != nil {
			return err
		}
		if _, err := s.guard.requireActiveAdmin(spanCtx, tx, room.ID, userID); err != nil {
			return err
		}

		if name != nil {
			room.Name = name
		}
		if payload.Description != nil {
			room.Description = s.cleanOptional(payload.Description)
		}
		if payload.ImageURL != nil {
			room.ImageURL = imageURL
		}
		room.UpdatedAt = s.now()

		if err := tx.Chatrooms().Update(spanCtx, &room); err != nil {
			return err
		}

		participants, err = tx.Participants().ListActive(spanCtx, room.ID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return dto.ChatroomResponse{}, err
	}

	s.logger.Info().Str("chatroom_id", room.ID).Str("user_id", userID).Msg("group settings updated")

	return dto.NewChatroomResponse(room, participants), nil
}

// retryOnConflict re-runs fn while it reports a lost uniqueness race. The
// re-run observes the winner's rows and converges.
func (s *chatService) retryOnConflict(ctx context.Context, operation string, fn func() error) error {
	for attempt := 1; attempt <= conflictRetryAttempts; attempt++ {
		err := fn()
		if !errors.Is(err, ErrConflict) {
			return err
		}

		observability.ChatConflictsRecovered().WithLabelValues(operation).Inc()
		s.logger.Debug().Str("operation", operation).Int("attempt", attempt).Msg("lost uniqueness race, retrying")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%s did not converge after %d attempts", operation, conflictRetryAttempts)
}

func (s *chatService) startSpan(ctx context.Context, name, chatroomID, userID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("chat.user_id", userID)}
	if chatroomID != "" {
		attrs = append(attrs, attribute.String("chat.chatroom_id", chatroomID))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *chatService) newParticipant(chatroomID, userID string, isAdmin bool, joinedAt time.Time) models.ChatParticipant {
	return models.ChatParticipant{
		ID:         uuid.NewString(),
		ChatroomID: chatroomID,
		UserID:     userID,
		IsAdmin:    isAdmin,
		JoinedAt:   joinedAt,
	}
}

// clean stores user text as plain text. Markup is stripped and the entities
// the sanitizer emits are decoded again; text without markup is kept as typed.
func (s *chatService) clean(value string) string {
	value = strings.TrimSpace(value)
	if !strings.Contains(value, "<") {
		return value
	}
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}

func (s *chatService) cleanOptional(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := s.clean(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	return nil
}

// directKey canonicalises an unordered user pair. Each id is length-prefixed
// so ids containing the separator cannot collide with another pair.
func directKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("%d:%s|%d:%s", len(pair[0]), pair[0], len(pair[1]), pair[1])
}

// uniqueUserIDs trims and de-duplicates ids, dropping blanks and exclude.
func uniqueUserIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func conflictOr(err error) error {
	if errors.Is(err, repository.ErrDuplicateMembership) {
		return ErrConflict
	}
	return err
}
