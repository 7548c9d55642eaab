// Package httpapi is the non-realtime surface: account registration, file
// transfer for attachment blobs, and health. Everything conversational
// happens over the websocket instead.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"shadowchat/internal/db"
	"shadowchat/internal/filestore"
	"shadowchat/internal/middleware"
	"shadowchat/internal/models"
	"shadowchat/internal/ws"
)

var validate = validator.New()

type API struct {
	db             *db.Database
	files          *filestore.Store
	ws             *ws.Handler
	limiter        *middleware.RateLimiter
	logger         *slog.Logger
	maxUploadBytes int64
}

func New(database *db.Database, files *filestore.Store, wsHandler *ws.Handler, limiter *middleware.RateLimiter, maxUploadBytes int64, logger *slog.Logger) *API {
	return &API{
		db:             database,
		files:          files,
		ws:             wsHandler,
		limiter:        limiter,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Group(func(r chi.Router) {
		if a.limiter != nil {
			r.Use(a.limiter.Middleware)
		}
		r.Post("/register", a.handleRegister)
		r.Post("/send_file", a.handleSendFile)
	})
	r.Get("/file/{messageId}", a.handleGetFile)
	r.Get("/socket", a.ws.HandleWebSocket)

	return r
}

func (a *API) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("failed to write response", "error", err)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.db.Ping(); err != nil {
		a.logger.Error("health check failed", "error", err)
		a.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=4,max=20"`
	Password string `json:"password" validate:"required"`
	// PublicKey and PrivateKey are generated client-side; the private key
	// arrives already encrypted with the user's password.
	PublicKey  string `json:"publicKey" validate:"required"`
	PrivateKey string `json:"privateKey" validate:"required"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

func validUsername(name string) bool {
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondJSON(w, http.StatusBadRequest, registerResponse{Message: "Invalid request body"})
		return
	}
	if err := validate.Struct(&req); err != nil {
		a.respondJSON(w, http.StatusBadRequest, registerResponse{Message: "Username length must be between 4 and 20 characters"})
		return
	}
	if !validUsername(req.Username) {
		a.respondJSON(w, http.StatusBadRequest, registerResponse{Message: "Username contains invalid characters"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		a.respondJSON(w, http.StatusInternalServerError, registerResponse{Message: "Registration failed"})
		return
	}

	userID, err := a.db.CreateUser(req.Username, string(hash), req.PublicKey, req.PrivateKey)
	if errors.Is(err, db.ErrUserExists) {
		a.respondJSON(w, http.StatusConflict, registerResponse{Message: "Username already exists"})
		return
	}
	if err != nil {
		a.logger.Error("failed to create user", "username", req.Username, "error", err)
		a.respondJSON(w, http.StatusInternalServerError, registerResponse{Message: "Registration failed"})
		return
	}

	a.logger.Info("user registered", "user_id", userID, "username", req.Username)
	a.respondJSON(w, http.StatusOK, registerResponse{Success: true, UserID: userID})
}

// authenticate verifies the X-Auth-User / X-Auth-Token header pair used by
// the file routes, which run outside the websocket login.
func (a *API) authenticate(r *http.Request) (*models.User, bool) {
	username := r.Header.Get("X-Auth-User")
	token := r.Header.Get("X-Auth-Token")
	if username == "" || token == "" {
		return nil, false
	}
	user, err := a.db.GetUserByUsername(username)
	if err != nil {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(token)) != nil {
		return nil, false
	}
	return user, true
}

// handleSendFile stores an attachment as a new message: the blob body goes
// to the file store under the fresh message id, and the message event is
// distributed to the chat like any other send.
func (a *API) handleSendFile(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticate(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := strconv.ParseInt(r.Header.Get("X-Chat-Id"), 10, 64)
	if err != nil {
		http.Error(w, "Missing or invalid X-Chat-Id", http.StatusBadRequest)
		return
	}
	msgType := models.MessageType(r.Header.Get("X-Message-Type"))
	if !msgType.Valid() || !msgType.HasFile() {
		http.Error(w, "Invalid X-Message-Type", http.StatusBadRequest)
		return
	}

	member, err := a.db.IsMember(chatID, user.ID)
	if err != nil || !member {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	msgID, err := a.db.AddMessage("", msgType, chatID, user.ID)
	if err != nil {
		http.Error(w, "Failed to store message", http.StatusInternalServerError)
		return
	}

	body := http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	if _, err := a.files.Save(msgID, body); err != nil {
		// Roll the dangling row back so no file-typed message exists
		// without its blob.
		if delErr := a.db.DeleteMessage(msgID); delErr != nil {
			a.logger.Error("failed to roll back file message", "message_id", msgID, "error", delErr)
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File size exceeds limit", http.StatusRequestEntityTooLarge)
			return
		}
		a.logger.Error("failed to save file", "message_id", msgID, "error", err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	if err := a.db.TouchChat(chatID); err != nil {
		a.logger.Warn("failed to touch chat activity", "chat_id", chatID, "error", err)
	}
	if err := a.db.IncrementUnread(chatID, user.ID); err != nil {
		a.logger.Warn("failed to bump unread counters", "chat_id", chatID, "error", err)
	}

	a.respondJSON(w, http.StatusOK, map[string]int64{"messageId": msgID})

	if msg, err := a.db.GetMessage(msgID); err == nil {
		a.ws.Distributor().Distribute(msg, false)
	}
}

func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageId"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	f, err := a.files.Open(messageID)
	if errors.Is(err, filestore.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to open file", "message_id", messageID, "error", err)
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	// Blobs are immutable once written; let clients cache hard.
	w.Header().Set("Cache-Control", "max-age=2592000")
	w.Header().Set("Content-Type", "text/plain")
	if _, err := io.Copy(w, f); err != nil {
		a.logger.Warn("failed to stream file", "message_id", messageID, "error", err)
	}
}
