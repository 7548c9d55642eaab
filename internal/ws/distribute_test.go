package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowchat/internal/db"
	"shadowchat/internal/models"
	"shadowchat/internal/registry"
)

type fakeSender struct {
	id     string
	userID int64

	mu     sync.Mutex
	frames [][]byte
	broken bool
}

func (f *fakeSender) ID() string    { return f.id }
func (f *fakeSender) UserID() int64 { return f.userID }

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) lastBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

func (f *fakeSender) packets(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.frames))
	for _, frame := range f.frames {
		var head struct {
			Packet string `json:"packet"`
		}
		require.NoError(t, json.Unmarshal(frame, &head))
		names = append(names, head.Packet)
	}
	return names
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupDistributionChat(t *testing.T) (*db.Database, int64, int64, int64, int64) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	a, err := database.CreateUser("a", "h", "p", "p")
	require.NoError(t, err)
	b, err := database.CreateUser("b", "h", "p", "p")
	require.NoError(t, err)
	c, err := database.CreateUser("c", "h", "p", "p")
	require.NoError(t, err)

	chatID, err := database.CreateChat("trio", a, false)
	require.NoError(t, err)
	for _, id := range []int64{a, b, c} {
		require.NoError(t, database.AddMember(chatID, id, "k"))
	}
	return database, chatID, a, b, c
}

// waitFor polls until cond holds, since distribution runs on its own
// goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDistributeFanOutCompleteness(t *testing.T) {
	database, chatID, a, b, c := setupDistributionChat(t)
	reg := registry.New(discardLogger())
	dist := NewDistributor(database, reg, discardLogger())

	// A on two devices, B and C on one each.
	aPhone := &fakeSender{id: "a1", userID: a}
	aLaptop := &fakeSender{id: "a2", userID: a}
	bPhone := &fakeSender{id: "b1", userID: b}
	cPhone := &fakeSender{id: "c1", userID: c}
	for _, s := range []*fakeSender{aPhone, aLaptop, bPhone, cPhone} {
		reg.Register(s)
	}

	msgID, err := database.AddMessage("cipher", models.MessageTypeText, chatID, a)
	require.NoError(t, err)
	require.NoError(t, database.IncrementUnread(chatID, a))
	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)

	dist.Distribute(msg, false)

	waitFor(t, func() bool {
		return len(cPhone.packets(t)) >= 2
	})

	assert.Contains(t, aPhone.packets(t), "receive_message")
	assert.Contains(t, aLaptop.packets(t), "receive_message")
	// The sender's sessions never get an unread push.
	assert.NotContains(t, aPhone.packets(t), "unread_count")
	assert.Equal(t, []string{"receive_message", "unread_count"}, bPhone.packets(t))
	assert.Equal(t, []string{"receive_message", "unread_count"}, cPhone.packets(t))

	// The pushed counter reflects the persisted value.
	var lastUnread unreadCountBody
	require.NoError(t, json.Unmarshal(bPhone.lastBody(), &lastUnread))
	assert.Equal(t, chatID, lastUnread.ChatID)
	assert.Equal(t, 1, lastUnread.Unread)
}

func TestDistributeSilentSuppressesUnread(t *testing.T) {
	database, chatID, a, b, _ := setupDistributionChat(t)
	reg := registry.New(discardLogger())
	dist := NewDistributor(database, reg, discardLogger())

	bPhone := &fakeSender{id: "b1", userID: b}
	reg.Register(bPhone)

	msgID, err := database.AddMessage("edited", models.MessageTypeText, chatID, a)
	require.NoError(t, err)
	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)

	dist.Distribute(msg, true)

	waitFor(t, func() bool {
		return len(bPhone.packets(t)) >= 1
	})
	assert.Equal(t, []string{"receive_message"}, bPhone.packets(t))
}

func TestDistributePerSessionIsolation(t *testing.T) {
	database, chatID, a, b, c := setupDistributionChat(t)
	reg := registry.New(discardLogger())
	dist := NewDistributor(database, reg, discardLogger())

	aPhone := &fakeSender{id: "a1", userID: a}
	bBroken := &fakeSender{id: "b1", userID: b, broken: true}
	bHealthy := &fakeSender{id: "b2", userID: b}
	cPhone := &fakeSender{id: "c1", userID: c}
	for _, s := range []*fakeSender{aPhone, bBroken, bHealthy, cPhone} {
		reg.Register(s)
	}

	msgID, err := database.AddMessage("cipher", models.MessageTypeText, chatID, a)
	require.NoError(t, err)
	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)

	dist.Distribute(msg, true)

	waitFor(t, func() bool {
		return len(cPhone.packets(t)) >= 1 && len(bHealthy.packets(t)) >= 1
	})

	// B's broken session must not cost anyone else their copy.
	assert.Contains(t, aPhone.packets(t), "receive_message")
	assert.Contains(t, bHealthy.packets(t), "receive_message")
	assert.Contains(t, cPhone.packets(t), "receive_message")
}

func TestDistributeReReadsMembership(t *testing.T) {
	database, chatID, a, b, _ := setupDistributionChat(t)
	reg := registry.New(discardLogger())
	dist := NewDistributor(database, reg, discardLogger())

	bPhone := &fakeSender{id: "b1", userID: b}
	reg.Register(bPhone)

	msgID, err := database.AddMessage("cipher", models.MessageTypeText, chatID, a)
	require.NoError(t, err)
	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)

	// B is kicked after the message was persisted but before distribution.
	require.NoError(t, database.RemoveMember(chatID, b))

	dist.Distribute(msg, true)
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, bPhone.packets(t))
}
