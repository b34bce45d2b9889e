package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ChatMessageEvent describes a stored message for offline recipients.
type ChatMessageEvent struct {
	ChatroomID   string    `json:"chatroom_id"`
	MessageID    string    `json:"message_id"`
	SenderID     string    `json:"sender_id"`
	RecipientIDs []string  `json:"recipient_ids"`
	Preview      string    `json:"preview"`
	MessageType  string    `json:"message_type"`
	SentAt       time.Time `json:"sent_at"`
}

// MessageNotifier delivers new-message events to the notification pipeline.
type MessageNotifier interface {
	NotifyMessage(ctx context.Context, event ChatMessageEvent) error
}

type chatNotification struct {
	Source string           `json:"source"`
	Type   string           `json:"type"`
	Event  ChatMessageEvent `json:"event"`
}

type brokerNotifier struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	timeout      time.Duration
	logger       zerolog.Logger
}

// NewMessageNotifier publishes events on a Redis channel and a NATS subject
// derived from channelBase. Either client may be nil.
func NewMessageNotifier(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, timeout time.Duration, logger zerolog.Logger) MessageNotifier {
	notifier := &brokerNotifier{
		redis:   redisClient,
		nats:    natsConn,
		nodeID:  uuid.NewString(),
		timeout: timeout,
		logger:  logger.With().Str("component", "chat_notifier").Logger(),
	}
	if channelBase != "" {
		notifier.redisChannel = channelBase + ":chat:messages"
		notifier.natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat.messages"
	}
	return notifier
}

func (n *brokerNotifier) NotifyMessage(ctx context.Context, event ChatMessageEvent) error {
	payload, err := json.Marshal(chatNotification{
		Source: n.nodeID,
		Type:   "chat.message.created",
		Event:  event,
	})
	if err != nil {
		return err
	}

	// The request may already be finished; delivery runs on its own deadline.
	ctx = context.WithoutCancel(ctx)
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var errs []error
	if n.redis != nil && n.redisChannel != "" {
		if err := n.redis.Publish(ctx, n.redisChannel, payload).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis publish: %w", err))
		}
	}
	if n.nats != nil && n.natsSubject != "" {
		if err := n.nats.Publish(n.natsSubject, payload); err != nil {
			errs = append(errs, fmt.Errorf("nats publish: %w", err))
		}
	}

	if len(errs) == 0 {
		n.logger.Debug().
			Str("chatroom_id", event.ChatroomID).
			Int("recipients", len(event.RecipientIDs)).
			Msg("chat notification published")
	}
	return errors.Join(errs...)
}
