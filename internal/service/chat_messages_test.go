package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
)

func TestSendMessageIntoDirectRoom(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")

	message, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", message.Content)
	require.Equal(t, models.MessageTypeText, message.MessageType)

	for _, reader := range []string{"u1", "u2"} {
		page, err := svc.ListMessages(ctx, reader, room.ID, dto.ChatMessageListQuery{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		require.Equal(t, "hi", page.Items[0].Content)
		require.Empty(t, page.NextCursor)
	}

	unread, err := svc.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, int64(1), unread)

	unread, err = svc.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, unread)
}

func TestSendMessageBumpsRoomActivity(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")
	message, err := svc.SendMessage(ctx, "u2", room.ID, dto.ChatMessageSendRequest{Content: "bump"})
	require.NoError(t, err)

	loaded, err := svc.GetChatroom(ctx, "u1", room.ID)
	require.NoError(t, err)
	require.True(t, loaded.LastActivityAt.Equal(message.CreatedAt))
	require.True(t, loaded.LastActivityAt.After(room.LastActivityAt))
}

func TestSendMessageRequiresActiveMembership(t *testing.T) {
	svc, notifier, _ := setupChatService(t)
	ctx := context.Background()

	room := createGroup(t, svc, "u1", "u2")

	_, err := svc.SendMessage(ctx, "u9", room.ID, dto.ChatMessageSendRequest{Content: "let me in"})
	require.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, svc.Leave(ctx, "u2", room.ID))
	_, err = svc.SendMessage(ctx, "u2", room.ID, dto.ChatMessageSendRequest{Content: "still here?"})
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.SendMessage(ctx, "u1", "missing", dto.ChatMessageSendRequest{Content: "hello"})
	require.ErrorIs(t, err, ErrNotFound)

	require.Empty(t, notifier.Events())
}

func TestSendMessageValidatesContent(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")

	_, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: ""})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "<script>alert(1)</script>"})
	require.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: strings.Repeat("a", 1001)})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "x", MessageType: "STICKER"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	message, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: strings.Repeat("a", 1000), MessageType: "image"})
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeImage, message.MessageType)
}

func TestSendMessageStoresPlainText(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")

	full := strings.Repeat("x", 996) + "&'&'"
	message, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: full})
	require.NoError(t, err)
	require.Equal(t, full, message.Content)

	quoted, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: `it's Tom & Jerry "live" a < b`})
	require.NoError(t, err)
	require.Equal(t, `it's Tom & Jerry "live" a < b`, quoted.Content)

	stripped, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "<b>Tom & Jerry</b>"})
	require.NoError(t, err)
	require.Equal(t, "Tom & Jerry", stripped.Content)

	link, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{
		Content:     "read",
		MessageType: models.MessageTypeLinkShare,
		LinkPreview: &dto.LinkPreviewPayload{URL: "https://example.com/a", Title: "<b>Q&A</b> it's out", Description: "Tom & Jerry"},
	})
	require.NoError(t, err)
	var metadata map[string]dto.LinkPreviewPayload
	require.NoError(t, json.Unmarshal(link.Metadata, &metadata))
	require.Equal(t, "Q&A it's out", metadata["link_preview"].Title)
	require.Equal(t, "Tom & Jerry", metadata["link_preview"].Description)

	page, err := svc.ListMessages(ctx, "u2", room.ID, dto.ChatMessageListQuery{Limit: 10})
	require.NoError(t, err)
	stored := map[string]string{}
	for _, item := range page.Items {
		stored[item.ID] = item.Content
	}
	require.Equal(t, full, stored[message.ID])
	require.Equal(t, `it's Tom & Jerry "live" a < b`, stored[quoted.ID])
	require.Equal(t, "Tom & Jerry", stored[stripped.ID])
}

func TestSendMessageMetadata(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")

	shared, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{
		Content:       "look at this",
		MessageType:   models.MessageTypePostShare,
		SharedContent: &dto.SharedContentPayload{ID: "post-7", Type: "post"},
	})
	require.NoError(t, err)

	var metadata map[string]map[string]string
	require.NoError(t, json.Unmarshal(shared.Metadata, &metadata))
	require.Equal(t, "post-7", metadata["shared_content"]["id"])

	link, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{
		Content:     "read",
		MessageType: models.MessageTypeLinkShare,
		LinkPreview: &dto.LinkPreviewPayload{URL: "https://example.com/a", Title: "<b>A</b> story"},
	})
	require.NoError(t, err)
	require.Contains(t, string(link.Metadata), "https://example.com/a")

	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{
		Content:       "both",
		SharedContent: &dto.SharedContentPayload{ID: "post-7"},
		LinkPreview:   &dto.LinkPreviewPayload{URL: "https://example.com"},
	})
	require.ErrorIs(t, err, ErrMetadataConflict)

	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{
		Content:     "bad link",
		LinkPreview: &dto.LinkPreviewPayload{URL: "javascript:alert(1)"},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{
		Content:       "no id",
		SharedContent: &dto.SharedContentPayload{},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSendMessageNotifiesOtherParticipants(t *testing.T) {
	svc, notifier, _ := setupChatService(t)
	ctx := context.Background()

	room := createGroup(t, svc, "u1", "u2", "u3")
	content := strings.Repeat("é", previewLength+10)

	message, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: content})
	require.NoError(t, err)

	events := notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, room.ID, events[0].ChatroomID)
	require.Equal(t, message.ID, events[0].MessageID)
	require.Equal(t, "u1", events[0].SenderID)
	require.ElementsMatch(t, []string{"u2", "u3"}, events[0].RecipientIDs)
	require.Equal(t, previewLength+1, len([]rune(events[0].Preview)))
}

func TestSendMessageSurvivesNotifierFailure(t *testing.T) {
	svc, notifier, _ := setupChatService(t)
	notifier.err = errors.New("broker down")
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")

	_, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "persisted"})
	require.NoError(t, err)

	page, err := svc.ListMessages(ctx, "u2", room.ID, dto.ChatMessageListQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Len(t, notifier.Events(), 1)
}

func TestListMessagesPaginatesOldestFirstWithinPage(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")
	for i := 1; i <= 5; i++ {
		_, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	var (
		pages  [][]string
		cursor string
	)
	for {
		page, err := svc.ListMessages(ctx, "u2", room.ID, dto.ChatMessageListQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)

		contents := make([]string, 0, len(page.Items))
		for _, item := range page.Items {
			contents = append(contents, item.Content)
		}
		pages = append(pages, contents)

		if page.NextCursor == "" {
			break
		}
		require.Equal(t, page.Items[0].ID, page.NextCursor)
		cursor = page.NextCursor
	}

	require.Equal(t, [][]string{{"m4", "m5"}, {"m2", "m3"}, {"m1"}}, pages)
}

func TestListMessagesRejectsForeignCursor(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")
	other := createDirect(t, svc, "u1", "u3")
	foreign, err := svc.SendMessage(ctx, "u1", other.ID, dto.ChatMessageSendRequest{Content: "elsewhere"})
	require.NoError(t, err)

	_, err = svc.ListMessages(ctx, "u1", room.ID, dto.ChatMessageListQuery{Cursor: foreign.ID})
	require.ErrorIs(t, err, ErrInvalidCursor)

	_, err = svc.ListMessages(ctx, "u1", room.ID, dto.ChatMessageListQuery{Cursor: "unknown"})
	require.ErrorIs(t, err, ErrInvalidCursor)

	_, err = svc.ListMessages(ctx, "u1", room.ID, dto.ChatMessageListQuery{Limit: 101})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestListMessagesHidesHistoryOutsideMembership(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createGroup(t, svc, "u1", "u2", "u3")
	_, err := svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "before leave"})
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, "u3", room.ID))
	_, err = svc.SendMessage(ctx, "u1", room.ID, dto.ChatMessageSendRequest{Content: "while away"})
	require.NoError(t, err)

	_, err = svc.ListMessages(ctx, "u3", room.ID, dto.ChatMessageListQuery{})
	require.ErrorIs(t, err, ErrPermissionDenied)

	added, err := svc.AddParticipants(ctx, "u1", room.ID, dto.ChatParticipantsAddRequest{UserIDs: []string{"u3"}})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	_, err = svc.SendMessage(ctx, "u2", room.ID, dto.ChatMessageSendRequest{Content: "welcome back"})
	require.NoError(t, err)

	page, err := svc.ListMessages(ctx, "u3", room.ID, dto.ChatMessageListQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "welcome back", page.Items[0].Content)

	unread, err := svc.RoomUnreadCount(ctx, "u3", room.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), unread)
}

func TestListSharedMediaFiltersTypes(t *testing.T) {
	svc, _, _ := setupChatService(t)
	ctx := context.Background()

	room := createDirect(t, svc, "u1", "u2")
	mediaURL := "https://cdn.example.com/a.png"
	send := func(content, messageType string) {
		t.Helper()
		payload := dto.ChatMessageSendRequest{Content: content, MessageType: messageType}
		if messageType != models.MessageTypeText {
			payload.MediaURL = &mediaURL
		}
		_, err := svc.SendMessage(ctx, "u1", room.ID, payload)
		require.NoError(t, err)
	}

	send("text", models.MessageTypeText)
	send("photo", models.MessageTypeImage)
	send("clip", models.MessageTypeVideo)
	send("more text", models.MessageTypeText)
	send("doc", models.MessageTypeFile)

	page, err := svc.ListSharedMedia(ctx, "u2", room.ID, dto.ChatMediaListQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	require.Equal(t, "photo", page.Items[0].Content)
	require.Equal(t, "doc", page.Items[2].Content)
	require.NotNil(t, page.Items[0].MediaURL)

	images, err := svc.ListSharedMedia(ctx, "u2", room.ID, dto.ChatMediaListQuery{Types: []string{"image"}})
	require.NoError(t, err)
	require.Len(t, images.Items, 1)

	paged, err := svc.ListSharedMedia(ctx, "u2", room.ID, dto.ChatMediaListQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, paged.Items, 2)
	require.Equal(t, []string{"clip", "doc"}, []string{paged.Items[0].Content, paged.Items[1].Content})

	rest, err := svc.ListSharedMedia(ctx, "u2", room.ID, dto.ChatMediaListQuery{Limit: 2, Cursor: paged.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	require.Equal(t, "photo", rest.Items[0].Content)

	_, err = svc.ListSharedMedia(ctx, "u3", room.ID, dto.ChatMediaListQuery{})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestMessagePreviewTruncatesOnRunes(t *testing.T) {
	require.Equal(t, "short", messagePreview("short"))
	long := strings.Repeat("ü", previewLength+1)
	require.Equal(t, strings.Repeat("ü", previewLength)+"…", messagePreview(long))
}
