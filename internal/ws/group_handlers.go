package ws

import (
	"errors"

	"shadowchat/internal/db"
)

// pushChatList sends the user's refreshed chat list to all their sessions.
// The list is per-user (names, keys, unread counts differ), so it cannot be
// broadcast chat-wide.
func (h *Handler) pushChatList(userID int64) {
	chats, err := h.db.UserChats(userID)
	if err != nil {
		h.logger.Warn("failed to load chat list for push", "user_id", userID, "error", err)
		return
	}
	h.dist.NotifyUser(userID, "chats_list", chatsListBody{Chats: chats})
}

type createGroupRequest struct {
	Name            string   `json:"name"`
	MemberUsernames []string `json:"memberUsernames" validate:"required,min=1"`
	// EncryptedKeys maps username to the group key encrypted for that user.
	EncryptedKeys map[string]string `json:"encryptedKeys" validate:"required"`
}

func (h *Handler) handleCreateGroup(session *Session, body []byte) {
	var req createGroupRequest
	if !h.decode(session, body, &req) {
		return
	}
	if req.Name == "" {
		req.Name = "New Group"
	}

	memberIDs := make(map[string]int64, len(req.MemberUsernames))
	for _, username := range req.MemberUsernames {
		user, err := h.db.GetUserByUsername(username)
		if err != nil {
			session.Send(notifyFrame(notifyError, "Create group failed: one or more users not found"))
			return
		}
		if _, ok := req.EncryptedKeys[username]; !ok {
			session.Send(notifyFrame(notifyError, "Create group failed: missing key for "+username))
			return
		}
		memberIDs[username] = user.ID
	}

	me, err := h.db.GetUserByID(session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Create group failed"))
		return
	}

	chatID, err := h.db.CreateChat(req.Name, session.userID, false)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Create group failed"))
		return
	}

	if key, ok := req.EncryptedKeys[me.Username]; ok {
		if err := h.db.AddMember(chatID, session.userID, key); err != nil {
			session.Send(notifyFrame(notifyError, "Create group failed"))
			return
		}
	}
	for username, userID := range memberIDs {
		if userID == session.userID {
			continue
		}
		if err := h.db.AddMember(chatID, userID, req.EncryptedKeys[username]); err != nil {
			h.logger.Warn("failed to add group member", "chat_id", chatID, "user_id", userID, "error", err)
		}
	}

	session.Send(notifyFrame(notifyInfo, "Group created successfully"))
	for _, userID := range memberIDs {
		h.pushChatList(userID)
	}
	h.pushChatList(session.userID)
}

type addMemberRequest struct {
	ChatID       int64  `json:"chatId" validate:"required"`
	Username     string `json:"username" validate:"required"`
	EncryptedKey string `json:"encryptedKey" validate:"required"`
}

func (h *Handler) handleAddMember(session *Session, body []byte) {
	var req addMemberRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !h.requireMember(session, req.ChatID) {
		return
	}

	target, err := h.db.GetUserByUsername(req.Username)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "User not found: "+req.Username))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "User lookup failed"))
		return
	}

	already, err := h.db.IsMember(req.ChatID, target.ID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Chat lookup failed"))
		return
	}
	if already {
		session.Send(notifyFrame(notifyError, req.Username+" is already a member"))
		return
	}

	if err := h.db.AddMember(req.ChatID, target.ID, req.EncryptedKey); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to add member"))
		return
	}

	session.Send(notifyFrame(notifyInfo, "Member added successfully"))
	h.broadcastChatDetails(req.ChatID)
	h.pushChatList(target.ID)
}

type kickMemberRequest struct {
	ChatID   int64  `json:"chatId" validate:"required"`
	Username string `json:"username" validate:"required"`
}

// handleKickMember covers three cases: kicking anyone from a private chat
// (or the owner kicking themselves from a group) tears the whole chat down;
// otherwise only the owner may kick, and never below three remaining
// members.
func (h *Handler) handleKickMember(session *Session, body []byte) {
	var req kickMemberRequest
	if !h.decode(session, body, &req) {
		return
	}

	chat, err := h.db.GetChat(req.ChatID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "Chat not found"))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "Chat lookup failed"))
		return
	}

	me, err := h.db.GetUserByID(session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "User lookup failed"))
		return
	}
	isOwner := chat.OwnerID == session.userID

	if chat.Private || (isOwner && me.Username == req.Username) {
		if !h.requireMember(session, req.ChatID) {
			return
		}
		memberIDs, err := h.db.MemberIDs(req.ChatID)
		if err != nil {
			session.Send(notifyFrame(notifyError, "Chat lookup failed"))
			return
		}
		h.deleteChatWithFiles(req.ChatID)
		for _, userID := range memberIDs {
			h.pushChatList(userID)
		}
		session.Send(notifyFrame(notifyInfo, "Chat deleted successfully"))
		return
	}

	if !isOwner {
		session.Send(notifyFrame(notifyError, "Only the owner can kick members"))
		return
	}

	target, err := h.db.GetUserByUsername(req.Username)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "User not found: "+req.Username))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "User lookup failed"))
		return
	}

	count, err := h.db.CountMembers(req.ChatID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Chat lookup failed"))
		return
	}
	if count-1 <= 2 {
		session.Send(notifyFrame(notifyError, "Cannot kick member: chat must keep at least 3 members"))
		return
	}

	if err := h.db.RemoveMember(req.ChatID, target.ID); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to kick member"))
		return
	}

	session.Send(notifyFrame(notifyInfo, "Member kicked successfully"))
	h.broadcastChatDetails(req.ChatID)
	h.pushChatList(target.ID)
}

// deleteChatWithFiles removes the chat's attachment blobs before the rows,
// so a crash in between leaves rows the next attempt can re-resolve.
func (h *Handler) deleteChatWithFiles(chatID int64) {
	fileIDs, err := h.db.FileMessageIDs(chatID)
	if err != nil {
		h.logger.Warn("failed to list chat attachments for cleanup", "chat_id", chatID, "error", err)
	}
	for _, id := range fileIDs {
		if err := h.files.Delete(id); err != nil {
			h.logger.Warn("failed to delete attachment blob", "message_id", id, "error", err)
		}
	}
	if err := h.db.RemoveFriendByChat(chatID); err != nil {
		h.logger.Warn("failed to remove friendship for deleted chat", "chat_id", chatID, "error", err)
	}
	if err := h.db.DeleteChat(chatID); err != nil {
		h.logger.Error("failed to delete chat", "chat_id", chatID, "error", err)
	}
}
