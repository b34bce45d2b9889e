package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// ChatroomCreateRequest creates either a direct room with a peer or a named group.
type ChatroomCreateRequest struct {
	Kind        string   `json:"kind" validate:"required,oneof=DIRECT GROUP"`
	PeerID      string   `json:"peer_id" validate:"omitempty,max=64"`
	MemberIDs   []string `json:"member_ids" validate:"omitempty,max=100,dive,required,max=64"`
	Name        string   `json:"name" validate:"omitempty,max=120"`
	Description *string  `json:"description" validate:"omitempty,max=500"`
	ImageURL    *string  `json:"image_url" validate:"omitempty,url,max=512"`
}

// ChatroomUpdateRequest patches group settings. Nil fields are left untouched;
// an empty description or image url clears the value.
type ChatroomUpdateRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=120"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	ImageURL    *string `json:"image_url" validate:"omitempty,max=512"`
}

// ChatroomListQuery pages through the caller's chatroom index.
type ChatroomListQuery struct {
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=50"`
	Cursor string `query:"cursor" validate:"omitempty,max=64"`
}

// SharedContentPayload references an entity of the wider application shared into a chat.
type SharedContentPayload struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// LinkPreviewPayload carries an unfurled link attached to a message.
type LinkPreviewPayload struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// ChatMessageSendRequest appends a message to a chatroom.
type ChatMessageSendRequest struct {
	Content       string                `json:"content" validate:"required,min=1,max=1000"`
	MessageType   string                `json:"message_type" validate:"omitempty,oneof=TEXT IMAGE VIDEO AUDIO FILE POST_SHARE PLACE_SHARE LINK_SHARE"`
	MediaURL      *string               `json:"media_url" validate:"omitempty,url,max=512"`
	SharedContent *SharedContentPayload `json:"shared_content"`
	LinkPreview   *LinkPreviewPayload   `json:"link_preview"`
}

// ChatMessageListQuery pages backwards through a room's history.
type ChatMessageListQuery struct {
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
	Cursor string `query:"cursor" validate:"omitempty,max=64"`
}

// ChatMediaListQuery pages through non-text messages of a room.
type ChatMediaListQuery struct {
	Types  []string `query:"types" validate:"omitempty,dive,oneof=TEXT IMAGE VIDEO AUDIO FILE POST_SHARE PLACE_SHARE LINK_SHARE"`
	Limit  int      `query:"limit" validate:"omitempty,min=1,max=50"`
	Cursor string   `query:"cursor" validate:"omitempty,max=64"`
}

// ChatMarkReadRequest marks messages as read. Omitting MessageIDs targets every unread message.
type ChatMarkReadRequest struct {
	MessageIDs []string `json:"message_ids" validate:"omitempty,max=500,dive,required,max=64"`
}

// ChatParticipantsAddRequest adds members to a group.
type ChatParticipantsAddRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=100,dive,required,max=64"`
}

// ChatParticipantResponse is the serialized representation of an active membership.
type ChatParticipantResponse struct {
	UserID     string     `json:"user_id"`
	IsAdmin    bool       `json:"is_admin"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
}

// ChatroomResponse is the serialized representation of a chatroom.
type ChatroomResponse struct {
	ID             string                    `json:"id"`
	Kind           string                    `json:"kind"`
	Name           *string                   `json:"name,omitempty"`
	Description    *string                   `json:"description,omitempty"`
	ImageURL       *string                   `json:"image_url,omitempty"`
	CreatedBy      string                    `json:"created_by"`
	LastActivityAt time.Time                 `json:"last_activity_at"`
	CreatedAt      time.Time                 `json:"created_at"`
	Participants   []ChatParticipantResponse `json:"participants"`
}

// ChatroomSummaryResponse is one row of a user's chatroom index.
type ChatroomSummaryResponse struct {
	ChatroomResponse
	LastMessage *ChatMessageResponse `json:"last_message,omitempty"`
	UnreadCount int64                `json:"unread_count"`
}

// ChatroomListResponse is a page of chatroom summaries.
type ChatroomListResponse struct {
	Items      []ChatroomSummaryResponse `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID          string          `json:"id"`
	ChatroomID  string          `json:"chatroom_id"`
	SenderID    string          `json:"sender_id"`
	Content     string          `json:"content"`
	MessageType string          `json:"message_type"`
	MediaURL    *string         `json:"media_url,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ChatMessagePage is a page of messages, oldest first.
type ChatMessagePage struct {
	Items      []ChatMessageResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// ChatUnreadResponse wraps an unread counter.
type ChatUnreadResponse struct {
	Unread int64 `json:"unread"`
}

// ChatParticipantsAddResponse reports how many memberships were created.
type ChatParticipantsAddResponse struct {
	Added int `json:"added"`
}

// ChatAttachmentResponse describes an uploaded attachment ready to be referenced as media_url.
type ChatAttachmentResponse struct {
	URL         string `json:"url"`
	MessageType string `json:"message_type"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
	FileName    string `json:"file_name"`
}

// NewChatParticipantResponse converts a membership into a DTO.
func NewChatParticipantResponse(participant models.ChatParticipant) ChatParticipantResponse {
	return ChatParticipantResponse{
		UserID:     participant.UserID,
		IsAdmin:    participant.IsAdmin,
		JoinedAt:   participant.JoinedAt,
		LastReadAt: participant.LastReadAt,
	}
}

// NewChatroomResponse converts a chatroom and its active participants into a DTO.
func NewChatroomResponse(room models.Chatroom, participants []models.ChatParticipant) ChatroomResponse {
	out := make([]ChatParticipantResponse, 0, len(participants))
	for _, participant := range participants {
		out = append(out, NewChatParticipantResponse(participant))
	}

	return ChatroomResponse{
		ID:             room.ID,
		Kind:           room.Kind,
		Name:           room.Name,
		Description:    room.Description,
		ImageURL:       room.ImageURL,
		CreatedBy:      room.CreatedBy,
		LastActivityAt: room.LastActivityAt,
		CreatedAt:      room.CreatedAt,
		Participants:   out,
	}
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	response := ChatMessageResponse{
		ID:          message.ID,
		ChatroomID:  message.ChatroomID,
		SenderID:    message.SenderID,
		Content:     message.Content,
		MessageType: message.MessageType,
		MediaURL:    message.MediaURL,
		ReadAt:      message.ReadAt,
		CreatedAt:   message.CreatedAt,
	}
	if len(message.Metadata) > 0 {
		response.Metadata = json.RawMessage(message.Metadata)
	}
	return response
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}
