package ws

import (
	"errors"

	"shadowchat/internal/db"
	"shadowchat/internal/models"
)

const defaultMessagePage = 50

type chatsListBody struct {
	Chats []models.ChatMember `json:"chats"`
}

func (h *Handler) handleGetChats(session *Session, body []byte) {
	chats, err := h.db.UserChats(session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load chats"))
		return
	}
	session.Send(encodeFrame("chats_list", chatsListBody{Chats: chats}))
}

type getMessagesRequest struct {
	ChatID int64 `json:"chatId" validate:"required"`
	Begin  int64 `json:"begin"`
	Count  int   `json:"count"`
}

type messagesListBody struct {
	ChatID   int64             `json:"chatId"`
	Messages []*models.Message `json:"messages"`
}

func (h *Handler) handleGetMessages(session *Session, body []byte) {
	var req getMessagesRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !h.requireMember(session, req.ChatID) {
		return
	}
	if req.Count <= 0 {
		req.Count = defaultMessagePage
	}

	messages, err := h.db.ChatMessages(req.ChatID, req.Begin, req.Count)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load messages"))
		return
	}

	// Fetching the newest page clears the unread counter.
	if req.Begin == 0 {
		if err := h.db.ResetUnread(req.ChatID, session.userID); err == nil {
			h.dist.NotifyUser(session.userID, "unread_count", unreadCountBody{ChatID: req.ChatID, Unread: 0})
		}
	}

	session.Send(encodeFrame("messages_list", messagesListBody{ChatID: req.ChatID, Messages: messages}))
}

type sendMessageRequest struct {
	ChatID  int64              `json:"chatId" validate:"required"`
	Message string             `json:"message"`
	Type    models.MessageType `json:"type" validate:"required"`
}

func (h *Handler) handleSendMessage(session *Session, body []byte) {
	var req sendMessageRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !req.Type.Valid() {
		session.Send(notifyFrame(notifyError, "Unknown message type"))
		return
	}
	if !h.requireMember(session, req.ChatID) {
		return
	}

	msgID, err := h.db.AddMessage(req.Message, req.Type, req.ChatID, session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to store message"))
		return
	}
	if err := h.db.IncrementUnread(req.ChatID, session.userID); err != nil {
		h.logger.Warn("failed to bump unread counters", "chat_id", req.ChatID, "error", err)
	}
	if err := h.db.TouchChat(req.ChatID); err != nil {
		h.logger.Warn("failed to touch chat activity", "chat_id", req.ChatID, "error", err)
	}

	msg, err := h.db.GetMessage(msgID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load stored message"))
		return
	}
	h.dist.Distribute(msg, false)
}

type editMessageRequest struct {
	MessageID int64 `json:"messageId" validate:"required"`
	// Message nil means hard-delete rather than edit.
	Message *string `json:"message"`
}

func (h *Handler) handleEditMessage(session *Session, body []byte) {
	var req editMessageRequest
	if !h.decode(session, body, &req) {
		return
	}

	msg, err := h.db.GetMessage(req.MessageID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "Message not found"))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "Message lookup failed"))
		return
	}
	if msg.SenderID != session.userID {
		session.Send(notifyFrame(notifyError, "You can only edit your own messages"))
		return
	}

	if req.Message == nil {
		h.deleteMessage(msg)
		return
	}

	if err := h.db.UpdateMessageContent(msg.ID, *req.Message); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to edit message"))
		return
	}
	msg.Content = *req.Message
	h.dist.Distribute(msg, true)
}

// deleteMessage removes the message, its blob if any, and announces a
// tombstone: the original message id with empty content, delivered silently.
func (h *Handler) deleteMessage(msg *models.Message) {
	if msg.Type.HasFile() {
		if err := h.files.Delete(msg.ID); err != nil {
			h.logger.Warn("failed to delete message blob", "message_id", msg.ID, "error", err)
		}
	}
	if err := h.db.DeleteMessage(msg.ID); err != nil {
		h.logger.Error("failed to delete message row", "message_id", msg.ID, "error", err)
		return
	}
	tombstone := *msg
	tombstone.Content = ""
	h.dist.Distribute(&tombstone, true)
}

type toggleReactionRequest struct {
	MessageID int64  `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
}

func (h *Handler) handleToggleReaction(session *Session, body []byte) {
	var req toggleReactionRequest
	if !h.decode(session, body, &req) {
		return
	}

	msg, err := h.db.GetMessage(req.MessageID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "Message not found"))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "Message lookup failed"))
		return
	}
	if !h.requireMember(session, msg.ChatID) {
		return
	}

	reactions, err := h.db.ToggleReaction(msg.ID, session.userID, req.Emoji)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to update reaction"))
		return
	}
	msg.Reactions = reactions
	h.dist.Distribute(msg, true)
}

type markMessageReadRequest struct {
	MessageID int64 `json:"messageId" validate:"required"`
}

func (h *Handler) handleMarkMessageRead(session *Session, body []byte) {
	var req markMessageReadRequest
	if !h.decode(session, body, &req) {
		return
	}

	msg, err := h.db.GetMessage(req.MessageID)
	if errors.Is(err, db.ErrNotFound) {
		// The message may have burned between send and read receipt.
		return
	}
	if err != nil {
		return
	}
	if member, err := h.db.IsMember(msg.ChatID, session.userID); err != nil || !member {
		return
	}
	if msg.SenderID == session.userID {
		return
	}

	changed, err := h.db.MarkMessageRead(msg.ID)
	if err != nil || !changed {
		return
	}

	// Marking read also clears the reader's unread badge for the chat.
	if err := h.db.ResetUnread(msg.ChatID, session.userID); err == nil {
		h.dist.NotifyUser(session.userID, "unread_count", unreadCountBody{ChatID: msg.ChatID, Unread: 0})
	}

	updated, err := h.db.GetMessage(msg.ID)
	if err != nil {
		return
	}
	h.dist.Distribute(updated, true)
}

type chatIDRequest struct {
	ChatID int64 `json:"chatId" validate:"required"`
}

func (h *Handler) handleGetChatDetails(session *Session, body []byte) {
	var req chatIDRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !h.requireMember(session, req.ChatID) {
		return
	}
	h.sendChatDetails(session, req.ChatID)
}

type renameChatRequest struct {
	ChatID int64  `json:"chatId" validate:"required"`
	Name   string `json:"name" validate:"required"`
}

func (h *Handler) handleRenameChat(session *Session, body []byte) {
	var req renameChatRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !h.requireOwner(session, req.ChatID) {
		return
	}
	if err := h.db.RenameChat(req.ChatID, req.Name); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to rename chat"))
		return
	}
	h.broadcastChatDetails(req.ChatID)
}

type setDoNotDisturbRequest struct {
	ChatID       int64 `json:"chatId" validate:"required"`
	DoNotDisturb bool  `json:"doNotDisturb"`
}

func (h *Handler) handleSetDoNotDisturb(session *Session, body []byte) {
	var req setDoNotDisturbRequest
	if !h.decode(session, body, &req) {
		return
	}
	changed, err := h.db.SetDoNotDisturb(req.ChatID, session.userID, req.DoNotDisturb)
	if err != nil || !changed {
		session.Send(notifyFrame(notifyError, "You are not a member of this chat"))
		return
	}
	session.Send(notifyFrame(notifyInfo, "Notification preference updated"))
}

type setBurnTimeRequest struct {
	ChatID int64 `json:"chatId" validate:"required"`
	// BurnTime is milliseconds; null disables burn-after-read.
	BurnTime *int64 `json:"burnTime"`
}

func (h *Handler) handleSetBurnTime(session *Session, body []byte) {
	var req setBurnTimeRequest
	if !h.decode(session, body, &req) {
		return
	}
	if req.BurnTime != nil && *req.BurnTime <= 0 {
		session.Send(notifyFrame(notifyError, "Burn time must be positive"))
		return
	}
	if !h.requireMember(session, req.ChatID) {
		return
	}

	chat, err := h.db.GetChat(req.ChatID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Chat lookup failed"))
		return
	}
	if !chat.Private {
		session.Send(notifyFrame(notifyError, "Burn-after-read only applies to private chats"))
		return
	}
	if err := h.db.SetBurnTime(req.ChatID, req.BurnTime); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to set burn time"))
		return
	}
	h.broadcastChatDetails(req.ChatID)
}

// broadcastChatDetails pushes the refreshed chat_details packet to every
// member, so renames, burn-time and membership changes land everywhere.
func (h *Handler) broadcastChatDetails(chatID int64) {
	chat, err := h.db.GetChat(chatID)
	if err != nil {
		return
	}
	members, err := h.db.ChatMembersDetailed(chatID)
	if err != nil {
		return
	}
	h.dist.Notify(chatID, "chat_details", chatDetailsBody{Chat: chat, Members: members})
}
