package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	userID int64

	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (f *fakeSession) ID() string    { return f.id }
func (f *fakeSession) UserID() int64 { return f.userID }

func (f *fakeSession) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send buffer full")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSession) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterMultipleDevices(t *testing.T) {
	reg := newTestRegistry()
	phone := &fakeSession{id: "phone", userID: 1}
	laptop := &fakeSession{id: "laptop", userID: 1}

	reg.Register(phone)
	reg.Register(laptop)

	assert.Len(t, reg.SessionsOf(1), 2)
	assert.True(t, reg.Online(1))
	assert.False(t, reg.Online(2))
}

func TestDeregisterRemovesEmptyEntry(t *testing.T) {
	reg := newTestRegistry()
	s := &fakeSession{id: "only", userID: 1}

	reg.Register(s)
	require.Equal(t, []int64{1}, reg.Users())

	reg.Deregister(s)
	assert.Empty(t, reg.Users())
	assert.Empty(t, reg.SessionsOf(1))

	// Deregistering twice stays harmless.
	reg.Deregister(s)
}

func TestForEachIsolatesFailures(t *testing.T) {
	reg := newTestRegistry()
	broken := &fakeSession{id: "broken", userID: 1, fail: true}
	healthy := &fakeSession{id: "healthy", userID: 1}

	reg.Register(broken)
	reg.Register(healthy)

	reg.ForEach(1, func(s Sender) error {
		return s.Send([]byte("hello"))
	})

	assert.Equal(t, 1, healthy.sent())
}

func TestForEachIsolatesPanics(t *testing.T) {
	reg := newTestRegistry()
	a := &fakeSession{id: "a", userID: 1}
	b := &fakeSession{id: "b", userID: 1}
	reg.Register(a)
	reg.Register(b)

	delivered := 0
	reg.ForEach(1, func(s Sender) error {
		if s.ID() == "a" {
			panic("boom")
		}
		delivered++
		return nil
	})

	assert.Equal(t, 1, delivered)
}

func TestForEachAllSpansUsers(t *testing.T) {
	reg := newTestRegistry()
	a := &fakeSession{id: "a", userID: 1}
	b := &fakeSession{id: "b", userID: 2}
	broken := &fakeSession{id: "c", userID: 3, fail: true}
	reg.Register(a)
	reg.Register(b)
	reg.Register(broken)

	reg.ForEachAll(func(s Sender) error {
		return s.Send([]byte("announcement"))
	})

	assert.Equal(t, 1, a.sent())
	assert.Equal(t, 1, b.sent())
}

func TestSnapshotSurvivesMutation(t *testing.T) {
	reg := newTestRegistry()
	a := &fakeSession{id: "a", userID: 1}
	b := &fakeSession{id: "b", userID: 1}
	reg.Register(a)
	reg.Register(b)

	// Deregistering mid-iteration must not disturb the walk.
	reg.ForEach(1, func(s Sender) error {
		reg.Deregister(b)
		return s.Send([]byte("x"))
	})

	assert.Equal(t, 1, a.sent())
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	reg := newTestRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := &fakeSession{id: string(rune('a'+n%26)) + "-sess", userID: int64(n % 5)}
			reg.Register(s)
			reg.SessionsOf(s.UserID())
			reg.Deregister(s)
		}(i)
	}
	wg.Wait()
	assert.Empty(t, reg.Users())
}
