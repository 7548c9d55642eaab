package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"shadowchat/internal/db"
	"shadowchat/internal/filestore"
	"shadowchat/internal/httpapi"
	"shadowchat/internal/registry"
	"shadowchat/internal/sweeper"
	"shadowchat/internal/ws"
)

type stack struct {
	db      *db.Database
	files   *filestore.Store
	sweeper *sweeper.Sweeper
	server  *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	dist := ws.NewDistributor(database, reg, logger)
	wsHandler := ws.NewHandler(database, files, reg, dist, nil, logger)

	burnSweeper := sweeper.New(database, files, dist, 20*time.Millisecond, logger)
	burnSweeper.Start()
	t.Cleanup(burnSweeper.Stop)

	api := httpapi.New(database, files, wsHandler, nil, 1024*1024, logger)
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)

	return &stack{db: database, files: files, sweeper: burnSweeper, server: server}
}

func (s *stack) register(t *testing.T, username, password string) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	id, err := s.db.CreateUser(username, string(hash), "pub", "priv")
	require.NoError(t, err)
	return id
}

func (s *stack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/socket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name string, body any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(name+"\n"+string(encoded))))
}

// await reads frames until one with the wanted packet name arrives, and
// returns the full frame; body fields sit at the top level beside "packet".
func await(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	for range 50 {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		var head struct {
			Packet string `json:"packet"`
		}
		require.NoError(t, json.Unmarshal(frame, &head))
		if head.Packet == want {
			return frame
		}
	}
	t.Fatalf("packet %q never arrived", want)
	return nil
}

func login(t *testing.T, conn *websocket.Conn, username, password string) {
	t.Helper()
	send(t, conn, "login", map[string]string{"username": username, "password": password})
	await(t, conn, "login_success")
}

// Full lifecycle: register over HTTP, befriend, set a burn duration, send
// and read a message, then watch the sweeper burn it and announce the
// tombstone.
func TestBurnAfterReadLifecycle(t *testing.T) {
	s := newStack(t)
	s.register(t, "alice", "pa")
	s.register(t, "bob", "pb")

	alice := s.dial(t)
	bob := s.dial(t)
	login(t, alice, "alice", "pa")
	login(t, bob, "bob", "pb")

	// Befriending creates the private pair chat.
	send(t, alice, "add_friend", map[string]string{
		"username": "bob", "myKey": "ka", "friendKey": "kb",
	})
	var added struct {
		ChatID int64 `json:"chatId"`
	}
	require.NoError(t, json.Unmarshal(await(t, alice, "friend_added"), &added))
	chatID := added.ChatID
	require.NotZero(t, chatID)

	burn := int64(100)
	send(t, alice, "set_burn_time", map[string]any{"chatId": chatID, "burnTime": burn})
	await(t, alice, "chat_details")

	send(t, alice, "send_message", map[string]any{
		"chatId": chatID, "message": "self-destructing", "type": "TEXT",
	})

	var received struct {
		Message struct {
			ID      int64  `json:"id"`
			Content string `json:"content"`
		} `json:"message"`
		Silent bool `json:"silent"`
	}
	require.NoError(t, json.Unmarshal(await(t, bob, "receive_message"), &received))
	require.Equal(t, "self-destructing", received.Message.Content)
	msgID := received.Message.ID

	// Unburned until read.
	time.Sleep(150 * time.Millisecond)
	_, err := s.db.GetMessage(msgID)
	require.NoError(t, err)

	send(t, bob, "mark_message_read", map[string]any{"messageId": msgID})

	// Bob's read receipt reaches Alice as a silent update.
	require.NoError(t, json.Unmarshal(await(t, alice, "receive_message"), &received))

	// After readAt+burn the sweeper deletes the row and both sides get a
	// silent tombstone with empty content.
	for {
		require.NoError(t, json.Unmarshal(await(t, bob, "receive_message"), &received))
		if received.Message.ID == msgID && received.Message.Content == "" && received.Silent {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = s.db.GetMessage(msgID)
		if err != nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "message was never burned")
		time.Sleep(20 * time.Millisecond)
	}
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRegisterAndLoginOverHTTP(t *testing.T) {
	s := newStack(t)

	body := strings.NewReader(`{"username":"carol","password":"pc","publicKey":"pub","privateKey":"priv"}`)
	resp, err := http.Post(s.server.URL+"/register", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn := s.dial(t)
	login(t, conn, "carol", "pc")

	send(t, conn, "get_chats", struct{}{})
	await(t, conn, "chats_list")
}
