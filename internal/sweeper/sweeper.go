// Package sweeper implements burn-after-read expiry: a single background
// loop that polls for messages whose read time plus the chat's burn duration
// has passed, deletes them, and announces silent tombstones.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shadowchat/internal/db"
	"shadowchat/internal/filestore"
	"shadowchat/internal/models"
)

const DefaultInterval = time.Second

// Distributor is the fan-out capability the sweeper needs to announce
// deletions.
type Distributor interface {
	Distribute(msg *models.Message, silent bool)
}

type Sweeper struct {
	db       *db.Database
	files    *filestore.Store
	dist     Distributor
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(database *db.Database, files *filestore.Store, dist Distributor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		db:       database,
		files:    files,
		dist:     dist,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the sweep loop. Starting an already-running sweeper is a
// warning, not an error: exactly one loop ever runs.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("sweeper already running, ignoring start")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)
	s.logger.Info("sweeper started", "interval", s.interval)
}

// Stop cancels the loop and waits for the current cycle to finish. Stopping
// a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

// run loops until cancelled. A failing cycle is logged and the loop carries
// on at the next tick; only Stop ends it.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(); err != nil {
				s.logger.Error("sweep cycle failed", "error", err)
			}
		}
	}
}

// sweep runs one expiry pass. Each expired message is handled
// independently: blob deletion failures are logged and do not block the row
// deletion, one message's failure does not abort the rest, and a row already
// gone by deletion time counts as handled.
func (s *Sweeper) sweep() error {
	expired, err := s.db.ExpiredMessages(time.Now().UnixMilli())
	if err != nil {
		return err
	}

	for _, e := range expired {
		s.burn(e)
	}
	return nil
}

func (s *Sweeper) burn(e models.ExpiredMessage) {
	if e.Type.HasFile() {
		if err := s.files.Delete(e.MessageID); err != nil {
			s.logger.Warn("failed to delete burned message blob", "message_id", e.MessageID, "error", err)
		}
	}

	if err := s.db.DeleteMessage(e.MessageID); err != nil {
		s.logger.Error("failed to delete burned message", "message_id", e.MessageID, "error", err)
		return
	}

	s.logger.Debug("message burned", "message_id", e.MessageID, "chat_id", e.ChatID)

	tombstone := &models.Message{
		ID:     e.MessageID,
		ChatID: e.ChatID,
		Type:   e.Type,
	}
	s.dist.Distribute(tombstone, true)
}
