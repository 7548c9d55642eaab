package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 1 << 20
	sendBufferSize = 256
)

// Vars rather than consts so tests can shrink the liveness window.
var (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errSessionClosed = errors.New("session closed")

// Session is one live websocket connection. userID is zero until the login
// exchange completes; after that it never changes.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	userID int64

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

func (s *Session) ID() string    { return s.id }
func (s *Session) UserID() int64 { return s.userID }

// Send enqueues a frame without blocking. A full buffer or a closed session
// drops the frame and reports the failure; the read pump owns disconnect
// handling, not senders.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// closeSend marks the session closed and closes the send channel so the
// write pump drains and exits. Safe to call once only from the read pump.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
