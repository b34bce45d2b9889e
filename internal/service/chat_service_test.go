package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// testClock hands out strictly increasing UTC instants.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ChatMessageEvent
	err    error
}

func (n *recordingNotifier) NotifyMessage(_ context.Context, event ChatMessageEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []ChatMessageEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ChatMessageEvent(nil), n.events...)
}

func setupChatDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.ChatModels()...))
	return db
}

func newTestChatService(t *testing.T, store repository.ChatStore, notifier MessageNotifier) *chatService {
	t.Helper()
	svc := NewChatService(store, notifier, validator.New(validator.WithRequiredStructEnabled()), testLogger()).(*chatService)
	clock := &testClock{current: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return svc
}

func setupChatService(t *testing.T) (*chatService, *recordingNotifier, *gorm.DB) {
	t.Helper()
	db := setupChatDB(t)
	notifier := &recordingNotifier{}
	return newTestChatService(t, repository.NewChatStore(db), notifier), notifier, db
}

func createGroup(t *testing.T, svc *chatService, creator string, members ...string) dto.ChatroomResponse {
	t.Helper()
	room, err := svc.CreateChatroom(context.Background(), creator, dto.ChatroomCreateRequest{
		Kind:      models.ChatroomKindGroup,
		Name:      "Lunch Crew",
		MemberIDs: members,
	})
	require.NoError(t, err)
	return room
}

func createDirect(t *testing.T, svc *chatService, caller, peer string) dto.ChatroomResponse {
	t.Helper()
	room, err := svc.CreateChatroom(context.Background(), caller, dto.ChatroomCreateRequest{
		Kind:   models.ChatroomKindDirect,
		PeerID: peer,
	})
	require.NoError(t, err)
	return room
}

func participantIDs(participants []dto.ChatParticipantResponse) []string {
	ids := make([]string, 0, len(participants))
	for _, participant := range participants {
		ids = append(ids, participant.UserID)
	}
	return ids
}

func TestCreateDirectIsIdempotentAcrossCallers(t *testing.T) {
	svc, _, db := setupChatService(t)

	first := createDirect(t, svc, "u1", "u2")
	again := createDirect(t, svc, "u1", "u2")
	reversed := createDirect(t, svc, "u2", "u1")

	require.Equal(t, first.ID, again.ID)
	require.Equal(t, first.ID, reversed.ID)
	require.Equal(t, models.ChatroomKindDirect, first.Kind)
	require.ElementsMatch(t, []string{"u1", "u2"}, participantIDs(first.Participants))
	for _, participant := range first.Participants {
		require.False(t, participant.IsAdmin)
	}

	var rooms, members int64
	require.NoError(t, db.Model(&models.Chatroom{}).Count(&rooms).Error)
	require.NoError(t, db.Model(&models.ChatParticipant{}).Count(&members).Error)
	require.Equal(t, int64(1), rooms)
	require.Equal(t, int64(2), members)
}

func TestCreateDirectRejectsInvalidPeers(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	_, err := svc.CreateChatroom(ctx, "u1", dto.ChatroomCreateRequest{Kind: "direct", PeerID: "u1"})
	require.ErrorIs(t, err, ErrSelfDirectChat)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateChatroom(ctx, "u1", dto.ChatroomCreateRequest{Kind: models.ChatroomKindDirect})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateChatroom(ctx, "u1", dto.ChatroomCreateRequest{Kind: "CHANNEL", PeerID: "u2"})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

// missingDirectStore hides existing direct rooms from the first lookups so the
// caller loses the insert race against a room that is already committed.
type missingDirectStore struct {
	repository.ChatStore
	misses *int
}

func (s missingDirectStore) Chatrooms() repository.ChatroomRepository {
	return missingDirectRooms{ChatroomRepository: s.ChatStore.Chatrooms(), misses: s.misses}
}

func (s missingDirectStore) Transaction(ctx context.Context, fn func(store repository.ChatStore) error) error {
	return s.ChatStore.Transaction(ctx, func(tx repository.ChatStore) error {
		return fn(missingDirectStore{ChatStore: tx, misses: s.misses})
	})
}

type missingDirectRooms struct {
	repository.ChatroomRepository
	misses *int
}

func (r missingDirectRooms) FindDirectByKey(ctx context.Context, key string) (models.Chatroom, error) {
	if *r.misses > 0 {
		*r.misses--
		return models.Chatroom{}, gorm.ErrRecordNotFound
	}
	return r.ChatroomRepository.FindDirectByKey(ctx, key)
}

func TestCreateDirectRecoversFromLostRace(t *testing.T) {
	db := setupChatDB(t)
	base := repository.NewChatStore(db)
	winner := createDirect(t, newTestChatService(t, base, nil), "u1", "u2")

	misses := 1
	loser := newTestChatService(t, missingDirectStore{ChatStore: base, misses: &misses}, nil)

	room, err := loser.CreateChatroom(context.Background(), "u2", dto.ChatroomCreateRequest{
		Kind:   models.ChatroomKindDirect,
		PeerID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, winner.ID, room.ID)
	require.Zero(t, misses)

	var rooms int64
	require.NoError(t, db.Model(&models.Chatroom{}).Count(&rooms).Error)
	require.Equal(t, int64(1), rooms)
}

func TestCreateDirectConcurrentCallsConverge(t *testing.T) {
	svc, _, db := setupChatService(t)

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, peer := "u1", "u2"
			if i%2 == 1 {
				caller, peer = peer, caller
			}
			room, err := svc.CreateChatroom(context.Background(), caller, dto.ChatroomCreateRequest{
				Kind:   models.ChatroomKindDirect,
				PeerID: peer,
			})
			ids[i], errs[i] = room.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}

	var rooms int64
	require.NoError(t, db.Model(&models.Chatroom{}).Count(&rooms).Error)
	require.Equal(t, int64(1), rooms)
}

func TestCreateDirectReopensMembershipForReturningCaller(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")
	_, err := svc.SendMessage(ctx, "u2", room.ID, dto.ChatMessageSendRequest{Content: "before"})
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, "u1", room.ID))
	_, err = svc.ListMessages(ctx, "u1", room.ID, dto.ChatMessageListQuery{})
	require.ErrorIs(t, err, ErrPermissionDenied)

	reopened := createDirect(t, svc, "u1", "u2")
	require.Equal(t, room.ID, reopened.ID)
	require.ElementsMatch(t, []string{"u1", "u2"}, participantIDs(reopened.Participants))

	page, err := svc.ListMessages(ctx, "u1", room.ID, dto.ChatMessageListQuery{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestCreateGroupMakesCreatorAdmin(t *testing.T) {
	svc, _, _ := setupChatService(t)

	description := "  <script>alert(1)</script>Fridays  "
	room, err := svc.CreateChatroom(context.Background(), "u1", dto.ChatroomCreateRequest{
		Kind:        models.ChatroomKindGroup,
		Name:        "<script>x</script>Lunch Crew",
		Description: &description,
		MemberIDs:   []string{"u2", "u3", "u2", " ", "u1"},
	})
	require.NoError(t, err)
	require.Equal(t, models.ChatroomKindGroup, room.Kind)
	require.NotNil(t, room.Name)
	require.Equal(t, "Lunch Crew", *room.Name)
	require.NotNil(t, room.Description)
	require.Equal(t, "Fridays", *room.Description)
	require.Len(t, room.Participants, 3)

	admins := map[string]bool{}
	for _, participant := range room.Participants {
		admins[participant.UserID] = participant.IsAdmin
	}
	require.Equal(t, map[string]bool{"u1": true, "u2": false, "u3": false}, admins)
}

func TestCreateGroupKeepsPunctuationInName(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	description := "Tom's & Jerry's <i>corner</i>"
	room, err := svc.CreateChatroom(ctx, "u1", dto.ChatroomCreateRequest{
		Kind:        models.ChatroomKindGroup,
		Name:        "Q&A 'daily'",
		Description: &description,
		MemberIDs:   []string{"u2"},
	})
	require.NoError(t, err)
	require.Equal(t, "Q&A 'daily'", *room.Name)
	require.Equal(t, "Tom's & Jerry's corner", *room.Description)

	loaded, err := svc.GetChatroom(ctx, "u2", room.ID)
	require.NoError(t, err)
	require.Equal(t, "Q&A 'daily'", *loaded.Name)
}

func TestCreateGroupValidatesInput(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	_, err := svc.CreateChatroom(ctx, "u1", dto.ChatroomCreateRequest{Kind: models.ChatroomKindGroup, Name: "Solo", MemberIDs: []string{"u1"}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateChatroom(ctx, "u1", dto.ChatroomCreateRequest{Kind: models.ChatroomKindGroup, Name: "   ", MemberIDs: []string{"u2"}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateChatroom(ctx, "", dto.ChatroomCreateRequest{Kind: models.ChatroomKindGroup, Name: "Crew", MemberIDs: []string{"u2"}})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetChatroomRequiresActiveMembership(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createGroup(t, svc, "u1", "u2")

	loaded, err := svc.GetChatroom(ctx, "u2", room.ID)
	require.NoError(t, err)
	require.Equal(t, room.ID, loaded.ID)

	_, err = svc.GetChatroom(ctx, "u9", room.ID)
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.GetChatroom(ctx, "u1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateGroupSettings(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createGroup(t, svc, "u1", "u2")

	name := "Dinner Crew"
	image := "https://cdn.example.com/crew.png"
	updated, err := svc.UpdateGroupSettings(ctx, "u1", room.ID, dto.ChatroomUpdateRequest{Name: &name, ImageURL: &image})
	require.NoError(t, err)
	require.Equal(t, "Dinner Crew", *updated.Name)
	require.Equal(t, image, *updated.ImageURL)

	cleared := ""
	updated, err = svc.UpdateGroupSettings(ctx, "u1", room.ID, dto.ChatroomUpdateRequest{ImageURL: &cleared})
	require.NoError(t, err)
	require.Nil(t, updated.ImageURL)
	require.Equal(t, "Dinner Crew", *updated.Name)

	_, err = svc.UpdateGroupSettings(ctx, "u2", room.ID, dto.ChatroomUpdateRequest{Name: &name})
	require.ErrorIs(t, err, ErrPermissionDenied)

	blank := "  "
	_, err = svc.UpdateGroupSettings(ctx, "u1", room.ID, dto.ChatroomUpdateRequest{Name: &blank})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGroupOnlyOperationsRejectDirectRooms(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")
	name := "Renamed"

	_, err := svc.UpdateGroupSettings(ctx, "u1", room.ID, dto.ChatroomUpdateRequest{Name: &name})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.AddParticipants(ctx, "u1", room.ID, dto.ChatParticipantsAddRequest{UserIDs: []string{"u3"}})
	require.ErrorIs(t, err, ErrInvalidState)

	err = svc.RemoveParticipant(ctx, "u1", room.ID, "u2")
	require.ErrorIs(t, err, ErrInvalidState)

	err = svc.Promote(ctx, "u1", room.ID, "u2")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestListChatroomsSummarisesRooms(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	direct := createDirect(t, svc, "u1", "u2")
	group := createGroup(t, svc, "u3", "u1")
	quiet := createGroup(t, svc, "u1", "u4")

	_, err := svc.SendMessage(ctx, "u2", direct.ID, dto.ChatMessageSendRequest{Content: "ping"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "u3", group.ID, dto.ChatMessageSendRequest{Content: "lunch?"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, "u3", group.ID, dto.ChatMessageSendRequest{Content: "anyone?"})
	require.NoError(t, err)

	first, err := svc.ListChatrooms(ctx, "u1", dto.ChatroomListQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	require.Equal(t, group.ID, first.Items[0].ID)
	require.Equal(t, int64(2), first.Items[0].UnreadCount)
	require.NotNil(t, first.Items[0].LastMessage)
	require.Equal(t, "anyone?", first.Items[0].LastMessage.Content)
	require.Equal(t, []string{"u3"}, participantIDs(first.Items[0].Participants))

	require.Equal(t, direct.ID, first.Items[1].ID)
	require.Equal(t, int64(1), first.Items[1].UnreadCount)
	require.Equal(t, []string{"u2"}, participantIDs(first.Items[1].Participants))

	second, err := svc.ListChatrooms(ctx, "u1", dto.ChatroomListQuery{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	require.Empty(t, second.NextCursor)
	require.Equal(t, quiet.ID, second.Items[0].ID)
	require.Nil(t, second.Items[0].LastMessage)
	require.Zero(t, second.Items[0].UnreadCount)

	_, err = svc.ListChatrooms(ctx, "u1", dto.ChatroomListQuery{Cursor: "missing"})
	require.ErrorIs(t, err, ErrInvalidCursor)

	_, err = svc.ListChatrooms(ctx, "u1", dto.ChatroomListQuery{Limit: 51})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRetryOnConflictGivesUpWithoutSurfacingConflict(t *testing.T) {
	svc, _, _ := setupChatService(t)

	calls := 0
	err := svc.retryOnConflict(context.Background(), "test", func() error {
		calls++
		return ErrConflict
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrConflict))
	require.Equal(t, conflictRetryAttempts, calls)
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	require.Equal(t, directKey("b", "a"), directKey("a", "b"))
	require.Equal(t, "1:a|1:b", directKey("b", "a"))
	require.NotEqual(t, directKey("a:b", "c"), directKey("a", "b:c"))
}

func TestCreateDirectKeepsColonSeparatedPairsApart(t *testing.T) {
	svc, _, _ := setupChatService(t)

	first := createDirect(t, svc, "a:b", "c")
	second := createDirect(t, svc, "a", "b:c")

	require.NotEqual(t, first.ID, second.ID)
	require.ElementsMatch(t, []string{"a:b", "c"}, participantIDs(first.Participants))
	require.ElementsMatch(t, []string{"a", "b:c"}, participantIDs(second.Participants))

	_, err := svc.GetChatroom(context.Background(), "a", first.ID)
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestCreateDirectRefusesRoomOutsideCallerHistory(t *testing.T) {
	svc, _, db := setupChatService(t)

	key := directKey("u1", "u2")
	room := models.Chatroom{
		ID:             uuid.NewString(),
		Kind:           models.ChatroomKindDirect,
		DirectKey:      &key,
		CreatedBy:      "u3",
		LastActivityAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&room).Error)

	_, err := svc.CreateChatroom(context.Background(), "u1", dto.ChatroomCreateRequest{
		Kind:   models.ChatroomKindDirect,
		PeerID: "u2",
	})
	require.ErrorIs(t, err, ErrNotParticipant)

	var count int64
	require.NoError(t, db.Model(&models.ChatParticipant{}).Where("chatroom_id = ?", room.ID).Count(&count).Error)
	require.Zero(t, count)
}
