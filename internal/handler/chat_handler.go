package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/service"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

// ChatHandler exposes chatroom, message and membership endpoints.
type ChatHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. sendLimiter, when
// non-nil, guards message creation.
func (h *ChatHandler) Register(router fiber.Router, sendLimiter fiber.Handler) {
	router.Post("/chatrooms", h.createChatroom)
	router.Get("/chatrooms", h.listChatrooms)
	router.Get("/unread-count", h.unreadCount)

	router.Get("/chatrooms/:id", h.getChatroom)
	router.Patch("/chatrooms/:id", h.updateChatroom)

	if sendLimiter != nil {
		router.Post("/chatrooms/:id/messages", sendLimiter, h.sendMessage)
	} else {
		router.Post("/chatrooms/:id/messages", h.sendMessage)
	}
	router.Get("/chatrooms/:id/messages", h.listMessages)
	router.Get("/chatrooms/:id/media", h.listMedia)
	router.Post("/chatrooms/:id/read", h.markRead)
	router.Get("/chatrooms/:id/unread-count", h.roomUnreadCount)

	router.Post("/chatrooms/:id/participants", h.addParticipants)
	router.Delete("/chatrooms/:id/participants/:userId", h.removeParticipant)
	router.Post("/chatrooms/:id/participants/:userId/promote", h.promote)
	router.Post("/chatrooms/:id/leave", h.leave)
}

func (h *ChatHandler) createChatroom(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatroomCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	room, err := h.service.CreateChatroom(withRequestContext(c), userID, payload)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "chatroom ready", room)
}

func (h *ChatHandler) listChatrooms(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	rooms, err := h.service.ListChatrooms(withRequestContext(c), userID, dto.ChatroomListQuery{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "chatrooms", rooms)
}

func (h *ChatHandler) getChatroom(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	room, err := h.service.GetChatroom(withRequestContext(c), userID, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "chatroom", room)
}

func (h *ChatHandler) updateChatroom(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatroomUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	room, err := h.service.UpdateGroupSettings(withRequestContext(c), userID, c.Params("id"), payload)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "chatroom updated", room)
}

func (h *ChatHandler) sendMessage(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatMessageSendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	message, err := h.service.SendMessage(withRequestContext(c), userID, c.Params("id"), payload)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) listMessages(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	page, err := h.service.ListMessages(withRequestContext(c), userID, c.Params("id"), dto.ChatMessageListQuery{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "messages", page)
}

func (h *ChatHandler) listMedia(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	page, err := h.service.ListSharedMedia(withRequestContext(c), userID, c.Params("id"), dto.ChatMediaListQuery{
		Types:  splitAndTrim(c.Query("types")),
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "shared media", page)
}

func (h *ChatHandler) markRead(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatMarkReadRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}

	if err := h.service.MarkRead(withRequestContext(c), userID, c.Params("id"), payload); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "messages marked as read", nil)
}

func (h *ChatHandler) unreadCount(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	unread, err := h.service.UnreadCount(withRequestContext(c), userID)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "unread count", dto.ChatUnreadResponse{Unread: unread})
}

func (h *ChatHandler) roomUnreadCount(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	unread, err := h.service.RoomUnreadCount(withRequestContext(c), userID, c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "unread count", dto.ChatUnreadResponse{Unread: unread})
}

func (h *ChatHandler) addParticipants(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ChatParticipantsAddRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	added, err := h.service.AddParticipants(withRequestContext(c), userID, c.Params("id"), payload)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "participants added", dto.ChatParticipantsAddResponse{Added: added})
}

func (h *ChatHandler) removeParticipant(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	if err := h.service.RemoveParticipant(withRequestContext(c), userID, c.Params("id"), c.Params("userId")); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "participant removed", nil)
}

func (h *ChatHandler) promote(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	if err := h.service.Promote(withRequestContext(c), userID, c.Params("id"), c.Params("userId")); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "participant promoted", nil)
}

func (h *ChatHandler) leave(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	if err := h.service.Leave(withRequestContext(c), userID, c.Params("id")); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "left chatroom", nil)
}

func (h *ChatHandler) fail(c *fiber.Ctx, err error) error {
	status := chatErrorStatus(err)
	if status >= fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Str("path", c.Path()).Msg("chat request failed")
		return utils.SendErrorCode(c, status, "internal", "internal server error")
	}
	return utils.SendErrorCode(c, status, chatErrorCode(err), err.Error())
}

// chatErrorCode names the error kind for API clients.
func chatErrorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, service.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, service.ErrNotFound):
		return "not_found"
	case errors.Is(err, service.ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}

// chatErrorStatus maps the chat error kinds onto HTTP statuses.
func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
