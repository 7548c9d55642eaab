package ws

import (
	"errors"

	"github.com/samber/lo"

	"shadowchat/internal/db"
	"shadowchat/internal/models"
)

const defaultMomentPage = 50

type momentPageRequest struct {
	Offset int64 `json:"offset"`
	Count  int   `json:"count"`
}

func (h *Handler) handleGetMoments(session *Session, body []byte) {
	var req momentPageRequest
	if len(body) > 0 {
		if !h.decode(session, body, &req) {
			return
		}
	}
	if req.Count <= 0 {
		req.Count = defaultMomentPage
	}

	moments, err := h.db.MomentMessagesFor(session.userID, req.Offset, req.Count)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load moments"))
		return
	}
	session.Send(encodeFrame("moments_list", struct {
		Moments []models.MomentItem `json:"moments"`
	}{moments}))
}

type postMomentRequest struct {
	Content string             `json:"content"`
	Type    models.MessageType `json:"type" validate:"required"`
	// Key is the moment chat key encrypted for the poster; required only
	// for the very first moment, when the chat does not exist yet.
	Key *string `json:"key"`
}

type momentPostedBody struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

func (h *Handler) handlePostMoment(session *Session, body []byte) {
	var req postMomentRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !req.Type.Valid() {
		session.Send(notifyFrame(notifyError, "Unknown message type"))
		return
	}

	me, err := h.db.GetUserByID(session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Post moment failed"))
		return
	}

	momentChatID, err := h.db.GetOrCreateMomentChat(session.userID, me.Username)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Post moment failed"))
		return
	}

	member, err := h.db.IsMember(momentChatID, session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Post moment failed"))
		return
	}
	if !member {
		if req.Key == nil {
			session.Send(notifyFrame(notifyError, "Post moment failed: key required for first moment"))
			return
		}
		if err := h.db.AddMember(momentChatID, session.userID, *req.Key); err != nil {
			session.Send(notifyFrame(notifyError, "Post moment failed"))
			return
		}
	}

	content := req.Content
	if req.Type != models.MessageTypeText {
		content = ""
	}
	msgID, err := h.db.AddMessage(content, req.Type, momentChatID, session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Post moment failed"))
		return
	}
	if err := h.db.TouchChat(momentChatID); err != nil {
		h.logger.Warn("failed to touch moment chat", "chat_id", momentChatID, "error", err)
	}

	session.Send(encodeFrame("moment_posted", momentPostedBody{MessageID: msgID, ChatID: momentChatID}))
	session.Send(notifyFrame(notifyInfo, "Moment posted successfully"))
}

type getUserMomentsRequest struct {
	UserID int64 `json:"userId" validate:"required"`
	Begin  int64 `json:"begin"`
	Count  int   `json:"count"`
}

type userMomentsBody struct {
	UserID   int64               `json:"userId"`
	Username string              `json:"username"`
	Moments  []models.MomentItem `json:"moments"`
}

func (h *Handler) handleGetUserMoments(session *Session, body []byte) {
	var req getUserMomentsRequest
	if !h.decode(session, body, &req) {
		return
	}
	if req.Count <= 0 {
		req.Count = defaultMomentPage
	}

	target, err := h.db.GetUserByID(req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "User not found"))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "User lookup failed"))
		return
	}

	momentChat, err := h.db.GetMomentChatByOwner(req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(encodeFrame("user_moments_list", userMomentsBody{
			UserID: target.ID, Username: target.Username, Moments: []models.MomentItem{},
		}))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load moments"))
		return
	}

	key, err := h.db.MemberKey(momentChat.ID, session.userID)
	if errors.Is(err, db.ErrNotFound) && req.UserID != session.userID {
		session.Send(notifyFrame(notifyError, "You are not a viewer of this user's moments"))
		return
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "Failed to load moments"))
		return
	}

	msgs, err := h.db.ChatMessages(momentChat.ID, req.Begin, req.Count)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load moments"))
		return
	}

	// Comments are replies; only original posts belong in the feed.
	moments := lo.FilterMap(msgs, func(msg *models.Message, _ int) (models.MomentItem, bool) {
		if msg.ReplyTo != nil {
			return models.MomentItem{}, false
		}
		return models.MomentItem{
			MessageID: msg.ID,
			Content:   msg.Content,
			Type:      msg.Type,
			OwnerID:   target.ID,
			OwnerName: target.Username,
			Time:      msg.Time,
			Key:       key,
			Reactions: msg.Reactions,
		}, true
	})

	session.Send(encodeFrame("user_moments_list", userMomentsBody{
		UserID: target.ID, Username: target.Username, Moments: moments,
	}))
}

// requireMoment resolves the message and its chat, erroring out unless the
// chat is a moment feed.
func (h *Handler) requireMoment(session *Session, messageID int64) (*models.Message, *models.Chat, bool) {
	msg, err := h.db.GetMessage(messageID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "Moment not found"))
		return nil, nil, false
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "Moment lookup failed"))
		return nil, nil, false
	}
	chat, err := h.db.GetChat(msg.ChatID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Moment lookup failed"))
		return nil, nil, false
	}
	if !chat.IsMoment {
		session.Send(notifyFrame(notifyError, "Not a moment"))
		return nil, nil, false
	}
	return msg, chat, true
}

type editMomentRequest struct {
	MessageID int64  `json:"messageId" validate:"required"`
	Content   string `json:"content"`
}

func (h *Handler) handleEditMoment(session *Session, body []byte) {
	var req editMomentRequest
	if !h.decode(session, body, &req) {
		return
	}
	msg, _, ok := h.requireMoment(session, req.MessageID)
	if !ok {
		return
	}
	if msg.SenderID != session.userID {
		session.Send(notifyFrame(notifyError, "You can only edit your own moments"))
		return
	}
	if err := h.db.UpdateMessageContent(msg.ID, req.Content); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to edit moment"))
		return
	}
	session.Send(encodeFrame("moment_edited", struct {
		MessageID int64  `json:"messageId"`
		Content   string `json:"content"`
	}{msg.ID, req.Content}))
}

type momentIDRequest struct {
	MessageID int64 `json:"messageId" validate:"required"`
}

func (h *Handler) handleDeleteMoment(session *Session, body []byte) {
	var req momentIDRequest
	if !h.decode(session, body, &req) {
		return
	}
	msg, _, ok := h.requireMoment(session, req.MessageID)
	if !ok {
		return
	}
	if msg.SenderID != session.userID {
		session.Send(notifyFrame(notifyError, "You can only delete your own moments"))
		return
	}

	comments, err := h.db.MomentComments(msg.ID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to delete moment"))
		return
	}
	for _, comment := range comments {
		h.deleteMomentMessage(comment)
	}
	h.deleteMomentMessage(msg)

	session.Send(encodeFrame("moment_deleted", struct {
		MessageID int64 `json:"messageId"`
	}{msg.ID}))
}

func (h *Handler) deleteMomentMessage(msg *models.Message) {
	if msg.Type.HasFile() {
		if err := h.files.Delete(msg.ID); err != nil {
			h.logger.Warn("failed to delete moment blob", "message_id", msg.ID, "error", err)
		}
	}
	if err := h.db.DeleteMessage(msg.ID); err != nil {
		h.logger.Error("failed to delete moment row", "message_id", msg.ID, "error", err)
	}
}

type commentMomentRequest struct {
	MomentMessageID int64              `json:"momentMessageId" validate:"required"`
	Content         string             `json:"content"`
	Type            models.MessageType `json:"type" validate:"required"`
}

func (h *Handler) handleCommentMoment(session *Session, body []byte) {
	var req commentMomentRequest
	if !h.decode(session, body, &req) {
		return
	}
	if !req.Type.Valid() {
		session.Send(notifyFrame(notifyError, "Unknown message type"))
		return
	}
	msg, chat, ok := h.requireMoment(session, req.MomentMessageID)
	if !ok {
		return
	}
	if member, err := h.db.IsMember(chat.ID, session.userID); err != nil || !member {
		session.Send(notifyFrame(notifyError, "You don't have permission to comment"))
		return
	}

	content := req.Content
	if req.Type != models.MessageTypeText {
		content = ""
	}
	commentID, err := h.db.AddReplyMessage(content, req.Type, chat.ID, session.userID, msg.ID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to add comment"))
		return
	}
	comment, err := h.db.GetMessage(commentID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load comment"))
		return
	}

	session.Send(encodeFrame("comment_added", struct {
		Comment *models.Message `json:"comment"`
	}{comment}))
}

type momentCommentsRequest struct {
	MomentMessageID int64 `json:"momentMessageId" validate:"required"`
}

func (h *Handler) handleGetMomentComments(session *Session, body []byte) {
	var req momentCommentsRequest
	if !h.decode(session, body, &req) {
		return
	}
	msg, chat, ok := h.requireMoment(session, req.MomentMessageID)
	if !ok {
		return
	}
	if member, err := h.db.IsMember(chat.ID, session.userID); err != nil || !member {
		session.Send(notifyFrame(notifyError, "You don't have permission to view comments"))
		return
	}

	comments, err := h.db.MomentComments(msg.ID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load comments"))
		return
	}
	session.Send(encodeFrame("moment_comments", struct {
		MomentMessageID int64             `json:"momentMessageId"`
		Comments        []*models.Message `json:"comments"`
	}{msg.ID, comments}))
}

type toggleMomentPermissionRequest struct {
	FriendID int64 `json:"friendId" validate:"required"`
	CanView  *bool `json:"canView" validate:"required"`
}

// handleToggleMomentPermission only revokes directly; granting needs the
// friend's encrypted key, which arrives through get_moment_permission.
func (h *Handler) handleToggleMomentPermission(session *Session, body []byte) {
	var req toggleMomentPermissionRequest
	if !h.decode(session, body, &req) {
		return
	}

	ok, err := h.db.AreFriends(session.userID, req.FriendID)
	if err != nil || !ok {
		session.Send(notifyFrame(notifyError, "User is not your friend"))
		return
	}

	if !*req.CanView {
		momentChat, err := h.db.GetMomentChatByOwner(session.userID)
		if err == nil {
			if err := h.db.RemoveMember(momentChat.ID, req.FriendID); err != nil {
				h.logger.Warn("failed to revoke moment access", "chat_id", momentChat.ID, "user_id", req.FriendID, "error", err)
			}
		}
	}

	session.Send(encodeFrame("moment_permission_status", momentPermissionBody{
		FriendID:          req.FriendID,
		CanFriendViewMine: *req.CanView,
	}))
}

type getMomentPermissionRequest struct {
	FriendID int64 `json:"friendId" validate:"required"`
	// EncryptedKey, when present, grants the friend viewer access.
	EncryptedKey *string `json:"encryptedKey"`
}

type momentPermissionBody struct {
	FriendID          int64 `json:"friendId"`
	CanFriendViewMine bool  `json:"canFriendViewMine"`
	CanIViewFriends   bool  `json:"canIViewFriends"`
}

func (h *Handler) handleGetMomentPermission(session *Session, body []byte) {
	var req getMomentPermissionRequest
	if !h.decode(session, body, &req) {
		return
	}

	ok, err := h.db.AreFriends(session.userID, req.FriendID)
	if err != nil || !ok {
		return
	}

	if req.EncryptedKey != nil {
		me, err := h.db.GetUserByID(session.userID)
		if err != nil {
			session.Send(notifyFrame(notifyError, "Failed to grant access"))
			return
		}
		momentChatID, err := h.db.GetOrCreateMomentChat(session.userID, me.Username)
		if err != nil {
			session.Send(notifyFrame(notifyError, "Failed to grant access"))
			return
		}
		if err := h.db.AddMember(momentChatID, req.FriendID, *req.EncryptedKey); err != nil {
			session.Send(notifyFrame(notifyError, "Failed to grant access"))
			return
		}
	}

	status := momentPermissionBody{FriendID: req.FriendID}
	if myChat, err := h.db.GetMomentChatByOwner(session.userID); err == nil {
		status.CanFriendViewMine, _ = h.db.IsMember(myChat.ID, req.FriendID)
	}
	if friendChat, err := h.db.GetMomentChatByOwner(req.FriendID); err == nil {
		status.CanIViewFriends, _ = h.db.IsMember(friendChat.ID, session.userID)
	}
	session.Send(encodeFrame("moment_permission_status", status))
}

type myMomentKeyBody struct {
	Exists bool    `json:"exists"`
	ChatID int64   `json:"chatId,omitempty"`
	Key    *string `json:"key"`
}

func (h *Handler) handleGetMyMomentKey(session *Session, body []byte) {
	momentChat, err := h.db.GetMomentChatByOwner(session.userID)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(encodeFrame("my_moment_key", myMomentKeyBody{Exists: false}))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load moment key"))
		return
	}

	response := myMomentKeyBody{Exists: true, ChatID: momentChat.ID}
	if key, err := h.db.MemberKey(momentChat.ID, session.userID); err == nil {
		response.Key = &key
	}
	session.Send(encodeFrame("my_moment_key", response))
}
