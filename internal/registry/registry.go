// Package registry tracks which websocket sessions belong to which
// authenticated user. A user with several devices holds several sessions at
// once, and every delivery helper here fans out to all of them.
package registry

import (
	"log/slog"
	"sync"
)

// Sender is the one capability the registry needs from a session: a
// non-blocking enqueue of an outbound frame. Keeping it an interface keeps
// this package free of any transport import.
type Sender interface {
	ID() string
	UserID() int64
	Send(frame []byte) error
}

type Registry struct {
	mu       sync.Mutex
	sessions map[int64]map[string]Sender
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[int64]map[string]Sender),
		logger:   logger,
	}
}

// Register adds the session under its user id. Registering the same session
// twice is a no-op.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[s.UserID()]
	if !ok {
		set = make(map[string]Sender)
		r.sessions[s.UserID()] = set
	}
	set[s.ID()] = s
}

// Deregister removes the session. When a user's last session goes, the
// user's entry goes with it, so Users never reports stale ids.
func (r *Registry) Deregister(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[s.UserID()]
	if !ok {
		return
	}
	delete(set, s.ID())
	if len(set) == 0 {
		delete(r.sessions, s.UserID())
	}
}

// SessionsOf returns a snapshot of the user's live sessions. Callers iterate
// the snapshot without holding the registry lock, so a slow or dying session
// never stalls registration elsewhere.
func (r *Registry) SessionsOf(userID int64) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sessions[userID]
	snapshot := make([]Sender, 0, len(set))
	for _, s := range set {
		snapshot = append(snapshot, s)
	}
	return snapshot
}

// Online reports whether the user has at least one live session.
func (r *Registry) Online(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userID]) > 0
}

// Users returns a snapshot of every user id with a live session.
func (r *Registry) Users() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		users = append(users, id)
	}
	return users
}

// ForEach applies fn to each of the user's sessions, isolating failures: a
// panic or error in one session is logged and the rest still run.
func (r *Registry) ForEach(userID int64, fn func(Sender) error) {
	for _, s := range r.SessionsOf(userID) {
		r.apply(s, fn)
	}
}

// ForEachAll applies fn to every live session of every user, with the same
// per-session isolation as ForEach.
func (r *Registry) ForEachAll(fn func(Sender) error) {
	r.mu.Lock()
	snapshot := make([]Sender, 0, len(r.sessions))
	for _, set := range r.sessions {
		for _, s := range set {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		r.apply(s, fn)
	}
}

func (r *Registry) apply(s Sender, fn func(Sender) error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session callback panicked", "session", s.ID(), "user", s.UserID(), "panic", rec)
		}
	}()
	if err := fn(s); err != nil {
		r.logger.Warn("session callback failed", "session", s.ID(), "user", s.UserID(), "error", err)
	}
}
