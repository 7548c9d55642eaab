// Package ws owns the realtime surface: one websocket per client device, a
// login-gated packet protocol, and fan-out of chat events to every live
// session of every member.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"shadowchat/internal/db"
	"shadowchat/internal/filestore"
	"shadowchat/internal/models"
	"shadowchat/internal/registry"
)

var validate = validator.New()

type packetHandler func(s *Session, body []byte)

type Handler struct {
	db             *db.Database
	files          *filestore.Store
	registry       *registry.Registry
	dist           *Distributor
	logger         *slog.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader

	// handlers is built once at construction and read-only afterwards.
	handlers map[string]packetHandler
}

func NewHandler(database *db.Database, files *filestore.Store, reg *registry.Registry, dist *Distributor, allowedOrigins []string, logger *slog.Logger) *Handler {
	h := &Handler{
		db:             database,
		files:          files,
		registry:       reg,
		dist:           dist,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.handlers = map[string]packetHandler{
		"get_chats":                  h.handleGetChats,
		"get_messages":               h.handleGetMessages,
		"send_message":               h.handleSendMessage,
		"edit_message":               h.handleEditMessage,
		"toggle_reaction":            h.handleToggleReaction,
		"mark_message_read":          h.handleMarkMessageRead,
		"get_chat_details":           h.handleGetChatDetails,
		"rename_chat":                h.handleRenameChat,
		"set_do_not_disturb":         h.handleSetDoNotDisturb,
		"set_burn_time":              h.handleSetBurnTime,
		"get_friends":                h.handleGetFriends,
		"add_friend":                 h.handleAddFriend,
		"get_public_key_by_username": h.handleGetPublicKey,
		"update_signature":           h.handleUpdateSignature,
		"create_group":               h.handleCreateGroup,
		"add_member_to_chat":         h.handleAddMember,
		"kick_member_from_chat":      h.handleKickMember,
		"get_moments":                h.handleGetMoments,
		"get_user_moments":           h.handleGetUserMoments,
		"post_moment":                h.handlePostMoment,
		"edit_moment":                h.handleEditMoment,
		"delete_moment":              h.handleDeleteMoment,
		"comment_moment":             h.handleCommentMoment,
		"get_moment_comments":        h.handleGetMomentComments,
		"toggle_moment_permission":   h.handleToggleMomentPermission,
		"get_moment_permission":      h.handleGetMomentPermission,
		"get_my_moment_key":          h.handleGetMyMomentKey,
	}
	return h
}

// Distributor exposes the fan-out engine to collaborators outside the
// websocket surface, such as the file upload route.
func (h *Handler) Distributor() *Distributor {
	return h.dist
}

// checkOrigin admits non-browser clients (no Origin header) always, and
// browser clients only when their origin is on the allowlist. An empty
// allowlist admits any origin.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(originHost(allowed), originURL.Host) {
			return true
		}
	}
	return false
}

// originHost reduces an allowlist entry to its host, so entries with and
// without a scheme both match.
func originHost(entry string) string {
	entry = strings.TrimSpace(entry)
	if u, err := url.Parse(entry); err == nil && u.Host != "" {
		return u.Host
	}
	return entry
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	session := newSession(conn)
	h.logger.Info("websocket connected", "session", session.id)

	go session.writePump()
	h.readPump(session)
}

// readPump is the per-connection protocol state machine: frames are rejected
// with require_login until a login packet succeeds, then routed through the
// dispatch table. Frames from one connection are processed strictly in
// order, each to completion before the next.
func (h *Handler) readPump(session *Session) {
	authenticated := false

	defer func() {
		if authenticated {
			// Exactly once per connection, and only if login ever succeeded.
			h.registry.Deregister(session)
		}
		session.closeSend()
		session.conn.Close()
		h.logger.Info("websocket disconnected", "session", session.id, "user_id", session.userID)
	}()

	session.conn.SetReadLimit(maxFrameSize)
	session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		session.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, frame, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		name, body := parseFrame(frame)

		if !authenticated {
			if name != "login" {
				session.Send(requireLoginFrame())
				continue
			}
			authenticated = h.handleLogin(session, body)
			continue
		}

		handler, ok := h.handlers[name]
		if !ok {
			// Unknown packet names are ignored so older servers tolerate
			// newer clients.
			continue
		}
		handler(session, body)
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginSuccessBody struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Signature  string `json:"signature"`
}

// handleLogin verifies credentials and, on success, binds the user to the
// session and registers it. Returns whether the session is now
// authenticated.
func (h *Handler) handleLogin(session *Session, body []byte) bool {
	var req loginRequest
	if !h.decode(session, body, &req) {
		return false
	}

	user, err := h.db.GetUserByUsername(req.Username)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Invalid username or password"))
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		h.logger.Warn("login failed", "session", session.id, "username", req.Username)
		session.Send(notifyFrame(notifyError, "Invalid username or password"))
		return false
	}

	session.userID = user.ID
	h.registry.Register(session)
	h.logger.Info("login succeeded", "session", session.id, "user_id", user.ID, "username", user.Username)

	session.Send(encodeFrame("login_success", loginSuccessBody{
		ID:         user.ID,
		Username:   user.Username,
		PublicKey:  user.PublicKey,
		PrivateKey: user.PrivateKey,
		Signature:  user.Signature,
	}))
	return true
}

// decode unmarshals and validates a packet body, reporting protocol errors
// back to the same connection only.
func (h *Handler) decode(session *Session, body []byte, dst any) bool {
	if err := json.Unmarshal(body, dst); err != nil {
		session.Send(notifyFrame(notifyError, "Malformed packet body"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		session.Send(notifyFrame(notifyError, "Missing required fields"))
		return false
	}
	return true
}

// requireMember aborts the handler with an error notification unless the
// session's user is currently a member of the chat.
func (h *Handler) requireMember(session *Session, chatID int64) bool {
	member, err := h.db.IsMember(chatID, session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Chat lookup failed"))
		return false
	}
	if !member {
		session.Send(notifyFrame(notifyError, "You are not a member of this chat"))
		return false
	}
	return true
}

func (h *Handler) requireOwner(session *Session, chatID int64) bool {
	owner, err := h.db.IsChatOwner(chatID, session.userID)
	if err != nil {
		session.Send(notifyFrame(notifyError, "Chat lookup failed"))
		return false
	}
	if !owner {
		session.Send(notifyFrame(notifyError, "Only the chat owner can do that"))
		return false
	}
	return true
}

func (h *Handler) sendChatDetails(session *Session, chatID int64) {
	chat, err := h.db.GetChat(chatID)
	if err != nil {
		return
	}
	members, err := h.db.ChatMembersDetailed(chatID)
	if err != nil {
		return
	}
	session.Send(encodeFrame("chat_details", chatDetailsBody{Chat: chat, Members: members}))
}

type chatDetailsBody struct {
	Chat    *models.Chat  `json:"chat"`
	Members []models.User `json:"members"`
}
