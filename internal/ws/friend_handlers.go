package ws

import (
	"errors"

	"shadowchat/internal/db"
	"shadowchat/internal/models"
)

type friendsListBody struct {
	Friends []models.Friend `json:"friends"`
}

func (h *Handler) handleGetFriends(session *Session, body []byte) {
	friends, err := h.db.Friends(session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to load friends"))
		return
	}
	session.Send(encodeFrame("friends_list", friendsListBody{Friends: friends}))
}

type addFriendRequest struct {
	Username string `json:"username" validate:"required"`
	// MyKey and FriendKey are the pair chat's symmetric key, encrypted for
	// each side by the requester (who knows both public keys).
	MyKey     string `json:"myKey" validate:"required"`
	FriendKey string `json:"friendKey" validate:"required"`
}

type friendAddedBody struct {
	ChatID   int64  `json:"chatId"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

func (h *Handler) handleAddFriend(session *Session, body []byte) {
	var req addFriendRequest
	if !h.decode(session, body, &req) {
		return
	}

	friend, err := h.db.GetUserByUsername(req.Username)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "No such user"))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "User lookup failed"))
		return
	}
	if friend.ID == session.userID {
		session.Send(notifyFrame(notifyError, "You cannot add yourself"))
		return
	}

	chatID, err := h.db.AddFriend(session.userID, friend.ID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Failed to add friend"))
		return
	}
	if err := h.db.AddMember(chatID, session.userID, req.MyKey); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to add friend"))
		return
	}
	if err := h.db.AddMember(chatID, friend.ID, req.FriendKey); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to add friend"))
		return
	}

	me, err := h.db.GetUserByID(session.userID)
	if err != nil {
		return
	}
	session.Send(encodeFrame("friend_added", friendAddedBody{ChatID: chatID, UserID: friend.ID, Username: friend.Username}))
	h.dist.NotifyUser(friend.ID, "friend_added", friendAddedBody{ChatID: chatID, UserID: me.ID, Username: me.Username})
}

type getPublicKeyRequest struct {
	Username string `json:"username" validate:"required"`
}

type publicKeyBody struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

func (h *Handler) handleGetPublicKey(session *Session, body []byte) {
	var req getPublicKeyRequest
	if !h.decode(session, body, &req) {
		return
	}
	user, err := h.db.GetUserByUsername(req.Username)
	if errors.Is(err, db.ErrNotFound) {
		session.Send(notifyFrame(notifyError, "No such user"))
		return
	}
	if err != nil {
		session.Send(notifyFrame(notifyError, "User lookup failed"))
		return
	}
	session.Send(encodeFrame("public_key_by_username", publicKeyBody{Username: user.Username, PublicKey: user.PublicKey}))
}

type updateSignatureRequest struct {
	Signature string `json:"signature"`
}

func (h *Handler) handleUpdateSignature(session *Session, body []byte) {
	var req updateSignatureRequest
	if !h.decode(session, body, &req) {
		return
	}
	if len([]rune(req.Signature)) > 100 {
		session.Send(notifyFrame(notifyError, "Signature too long (max 100 characters)"))
		return
	}
	if err := h.db.UpdateSignature(session.userID, req.Signature); err != nil {
		session.Send(notifyFrame(notifyError, "Failed to update signature"))
		return
	}
	session.Send(encodeFrame("signature_updated", struct {
		Signature string `json:"signature"`
	}{req.Signature}))
}
