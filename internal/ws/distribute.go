package ws

import (
	"log/slog"

	"shadowchat/internal/db"
	"shadowchat/internal/models"
	"shadowchat/internal/registry"
)

// Distributor fans a chat event out to every live session of every current
// member. Callers fire and forget: distribution runs on its own goroutine
// with its own error boundary and never reports back.
type Distributor struct {
	db       *db.Database
	registry *registry.Registry
	logger   *slog.Logger
}

func NewDistributor(database *db.Database, reg *registry.Registry, logger *slog.Logger) *Distributor {
	return &Distributor{db: database, registry: reg, logger: logger}
}

type receiveMessageBody struct {
	Message *models.Message `json:"message"`
	Silent  bool            `json:"silent"`
}

type unreadCountBody struct {
	ChatID int64 `json:"chatId"`
	Unread int   `json:"unread"`
}

// Distribute delivers msg to all members of its chat. Membership is re-read
// here, not at message creation, so joins and kicks between the two are
// honored. silent suppresses the unread-counter push (edits, tombstones,
// read receipts).
func (d *Distributor) Distribute(msg *models.Message, silent bool) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("distribution panicked", "chat_id", msg.ChatID, "message_id", msg.ID, "panic", rec)
			}
		}()
		d.fanOut(msg, silent)
	}()
}

func (d *Distributor) fanOut(msg *models.Message, silent bool) {
	memberIDs, err := d.db.MemberIDs(msg.ChatID)
	if err != nil {
		d.logger.Error("failed to resolve members for distribution", "chat_id", msg.ChatID, "error", err)
		return
	}

	frame := encodeFrame("receive_message", receiveMessageBody{Message: msg, Silent: silent})

	for _, memberID := range memberIDs {
		d.registry.ForEach(memberID, func(s registry.Sender) error {
			return s.Send(frame)
		})

		if silent || memberID == msg.SenderID {
			continue
		}
		unread, err := d.db.UnreadCount(msg.ChatID, memberID)
		if err != nil {
			d.logger.Warn("failed to read unread count", "chat_id", msg.ChatID, "user_id", memberID, "error", err)
			continue
		}
		unreadFrame := encodeFrame("unread_count", unreadCountBody{ChatID: msg.ChatID, Unread: unread})
		d.registry.ForEach(memberID, func(s registry.Sender) error {
			return s.Send(unreadFrame)
		})
	}
}

// Notify pushes an arbitrary packet to every member of a chat, for events
// that are not messages (renames, membership changes, burn-time changes).
func (d *Distributor) Notify(chatID int64, packet string, body any) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("notify panicked", "chat_id", chatID, "packet", packet, "panic", rec)
			}
		}()

		memberIDs, err := d.db.MemberIDs(chatID)
		if err != nil {
			d.logger.Error("failed to resolve members for notify", "chat_id", chatID, "error", err)
			return
		}
		frame := encodeFrame(packet, body)
		for _, memberID := range memberIDs {
			d.registry.ForEach(memberID, func(s registry.Sender) error {
				return s.Send(frame)
			})
		}
	}()
}

// NotifyUser pushes a packet to every live session of one user.
func (d *Distributor) NotifyUser(userID int64, packet string, body any) {
	frame := encodeFrame(packet, body)
	d.registry.ForEach(userID, func(s registry.Sender) error {
		return s.Send(frame)
	})
}
