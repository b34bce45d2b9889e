package models

import (
	"time"

	"gorm.io/datatypes"
)

// Chatroom kinds.
const (
	ChatroomKindDirect = "DIRECT"
	ChatroomKindGroup  = "GROUP"
)

// Message types accepted by the chat subsystem.
const (
	MessageTypeText       = "TEXT"
	MessageTypeImage      = "IMAGE"
	MessageTypeVideo      = "VIDEO"
	MessageTypeAudio      = "AUDIO"
	MessageTypeFile       = "FILE"
	MessageTypePostShare  = "POST_SHARE"
	MessageTypePlaceShare = "PLACE_SHARE"
	MessageTypeLinkShare  = "LINK_SHARE"
)

// MediaMessageTypes lists every type shown in the shared media view.
var MediaMessageTypes = []string{
	MessageTypeImage,
	MessageTypeVideo,
	MessageTypeAudio,
	MessageTypeFile,
	MessageTypePostShare,
	MessageTypePlaceShare,
	MessageTypeLinkShare,
}

// Chatroom is a conversation container, either a direct pair or a named group.
type Chatroom struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Kind           string    `gorm:"size:16;not null;index" json:"kind"`
	Name           *string   `gorm:"size:120" json:"name,omitempty"`
	Description    *string   `gorm:"size:500" json:"description,omitempty"`
	ImageURL       *string   `gorm:"size:512" json:"image_url,omitempty"`
	DirectKey      *string   `gorm:"size:160;uniqueIndex" json:"-"`
	CreatedBy      string    `gorm:"size:64;not null" json:"created_by"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName pins the chatroom table name.
func (Chatroom) TableName() string { return "chatrooms" }

// IsGroup reports whether the room is a GROUP chatroom.
func (c Chatroom) IsGroup() bool { return c.Kind == ChatroomKindGroup }

// ChatParticipant is one membership window of a user in a chatroom. Rejoining
// opens a new record, so LeftAt is set at most once. LastReadMessageID breaks
// ties between the read watermark and messages stored in the same microsecond.
type ChatParticipant struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	ChatroomID        string     `gorm:"size:36;not null;index;uniqueIndex:idx_chat_participants_active,where:left_at IS NULL" json:"chatroom_id"`
	UserID            string     `gorm:"size:64;not null;index;uniqueIndex:idx_chat_participants_active,where:left_at IS NULL" json:"user_id"`
	IsAdmin           bool       `gorm:"not null;default:false" json:"is_admin"`
	JoinedAt          time.Time  `gorm:"not null" json:"joined_at"`
	LeftAt            *time.Time `gorm:"index" json:"left_at,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	LastReadMessageID *string    `gorm:"size:36" json:"last_read_message_id,omitempty"`
}

// TableName pins the participant table name.
func (ChatParticipant) TableName() string { return "chat_participants" }

// Active reports whether the membership window is still open.
func (p ChatParticipant) Active() bool { return p.LeftAt == nil }

// ChatMessage is an immutable message appended to a chatroom.
type ChatMessage struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	ChatroomID  string         `gorm:"size:36;not null;index:idx_chat_messages_room_created,priority:1" json:"chatroom_id"`
	SenderID    string         `gorm:"size:64;not null;index" json:"sender_id"`
	Content     string         `gorm:"type:text;not null" json:"content"`
	MessageType string         `gorm:"size:32;not null;default:TEXT;index" json:"message_type"`
	MediaURL    *string        `gorm:"size:512" json:"media_url,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_chat_messages_room_created,priority:2" json:"created_at"`
}

// TableName pins the message table name.
func (ChatMessage) TableName() string { return "chat_messages" }

// ChatAttachment records a file uploaded into a chatroom before it is referenced by a message.
type ChatAttachment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ChatroomID  string    `gorm:"size:36;not null;index" json:"chatroom_id"`
	UploaderID  string    `gorm:"size:64;not null;index" json:"uploader_id"`
	FileName    string    `gorm:"size:255;not null" json:"file_name"`
	URL         string    `gorm:"size:512;not null" json:"url"`
	MimeType    string    `gorm:"size:128;not null" json:"mime_type"`
	MessageType string    `gorm:"size:32;not null" json:"message_type"`
	SizeBytes   int64     `gorm:"not null" json:"size_bytes"`
	Checksum    string    `gorm:"size:128;index" json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName pins the attachment table name.
func (ChatAttachment) TableName() string { return "chat_attachments" }

// ChatModels lists every model that must be migrated for the chat subsystem.
func ChatModels() []interface{} {
	return []interface{}{&Chatroom{}, &ChatParticipant{}, &ChatMessage{}, &ChatAttachment{}}
}
