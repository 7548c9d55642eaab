package db

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/samber/lo"

	"shadowchat/internal/models"
)

func (db *Database) AddMessage(content string, msgType models.MessageType, chatID, senderID int64) (int64, error) {
	result, err := db.Exec(
		"INSERT INTO messages (chat_id, sender_id, content, type, time) VALUES (?, ?, ?, ?, ?)",
		chatID, senderID, content, string(msgType), nowMillis(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// AddReplyMessage inserts a message that replies to another one. Used for
// moment comments.
func (db *Database) AddReplyMessage(content string, msgType models.MessageType, chatID, senderID, replyToID int64) (int64, error) {
	result, err := db.Exec(
		"INSERT INTO messages (chat_id, sender_id, content, type, time, reply_to) VALUES (?, ?, ?, ?, ?, ?)",
		chatID, senderID, content, string(msgType), nowMillis(), replyToID,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const messageSelect = `
	SELECT m.id, m.content, m.type, m.chat_id, m.sender_id, u.username, m.time, m.read_at, m.reactions,
	       r.id, r.content, r.sender_id, ru.username, r.type
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	LEFT JOIN messages r ON r.id = m.reply_to
	LEFT JOIN users ru ON ru.id = r.sender_id`

func scanMessage(scanner interface{ Scan(...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	var readAt sql.NullInt64
	var reactions sql.NullString
	var replyID, replySender sql.NullInt64
	var replyContent, replySenderName, replyType sql.NullString
	err := scanner.Scan(
		&msg.ID, &msg.Content, &msg.Type, &msg.ChatID, &msg.SenderID, &msg.SenderName, &msg.Time, &readAt, &reactions,
		&replyID, &replyContent, &replySender, &replySenderName, &replyType,
	)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Int64
	}
	msg.Reactions = decodeReactions(reactions)
	if replyID.Valid {
		msg.ReplyTo = &models.ReplyInfo{
			MessageID:  replyID.Int64,
			Content:    replyContent.String,
			SenderID:   replySender.Int64,
			SenderName: replySenderName.String,
			Type:       models.MessageType(replyType.String),
		}
	}
	return msg, nil
}

func decodeReactions(raw sql.NullString) []models.Reaction {
	if !raw.Valid || raw.String == "" {
		return []models.Reaction{}
	}
	var reactions []models.Reaction
	if err := json.Unmarshal([]byte(raw.String), &reactions); err != nil {
		return []models.Reaction{}
	}
	return reactions
}

func (db *Database) GetMessage(messageID int64) (*models.Message, error) {
	msg, err := scanMessage(db.QueryRow(messageSelect+" WHERE m.id = ?", messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ChatMessages returns a page of the chat's messages, oldest first within
// the page. begin counts back from the newest message.
func (db *Database) ChatMessages(chatID, begin int64, count int) ([]*models.Message, error) {
	rows, err := db.Query(
		messageSelect+" WHERE m.chat_id = ? ORDER BY m.time DESC LIMIT ? OFFSET ?",
		chatID, count, begin,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lo.Reverse(messages), nil
}

func (db *Database) UpdateMessageContent(messageID int64, newContent string) error {
	_, err := db.Exec("UPDATE messages SET content = ? WHERE id = ?", newContent, messageID)
	return err
}

// DeleteMessage is idempotent; deleting an absent row is not an error.
func (db *Database) DeleteMessage(messageID int64) error {
	_, err := db.Exec("DELETE FROM messages WHERE id = ?", messageID)
	return err
}

// MarkMessageRead stamps read_at once; later calls are no-ops. Returns
// whether this call set the timestamp.
func (db *Database) MarkMessageRead(messageID int64) (bool, error) {
	result, err := db.Exec(
		"UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL",
		nowMillis(), messageID,
	)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	return rowsAffected > 0, err
}

// ToggleReaction applies the at-most-one-emoji-per-user rule: toggling the
// user's current emoji removes it, any other emoji replaces it. Returns the
// resulting reaction list.
func (db *Database) ToggleReaction(messageID, userID int64, emoji string) ([]models.Reaction, error) {
	// The read-modify-write must be one transaction or concurrent toggles
	// can overwrite each other.
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRow("SELECT reactions FROM messages WHERE id = ?", messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	reactions := decodeReactions(raw)
	hadThisEmoji := lo.ContainsBy(reactions, func(r models.Reaction) bool {
		return r.Emoji == emoji && lo.Contains(r.UserIDs, userID)
	})

	// Remove the user from whichever reaction currently holds them.
	reactions = lo.FilterMap(reactions, func(r models.Reaction, _ int) (models.Reaction, bool) {
		r.UserIDs = lo.Without(r.UserIDs, userID)
		return r, len(r.UserIDs) > 0
	})

	if !hadThisEmoji {
		idx := lo.IndexOf(lo.Map(reactions, func(r models.Reaction, _ int) string { return r.Emoji }), emoji)
		if idx >= 0 {
			reactions[idx].UserIDs = append(reactions[idx].UserIDs, userID)
		} else {
			reactions = append(reactions, models.Reaction{Emoji: emoji, UserIDs: []int64{userID}})
		}
	}

	encoded, err := json.Marshal(reactions)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec("UPDATE messages SET reactions = ? WHERE id = ?", string(encoded), messageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reactions, nil
}

// ExpiredMessages returns burn-after-read candidates: messages of private
// chats with a burn duration whose read_at plus that duration is in the
// past. now is unix milliseconds.
func (db *Database) ExpiredMessages(now int64) ([]models.ExpiredMessage, error) {
	rows, err := db.Query(`
		SELECT m.id, m.chat_id, m.type
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.private = 1
		  AND c.burn_time_ms IS NOT NULL
		  AND m.read_at IS NOT NULL
		  AND m.read_at + c.burn_time_ms < ?`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []models.ExpiredMessage
	for rows.Next() {
		var e models.ExpiredMessage
		if err := rows.Scan(&e.MessageID, &e.ChatID, &e.Type); err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}

// FileMessageIDs lists the chat's messages that carry attachment blobs, so
// chat deletion can clean the file store.
func (db *Database) FileMessageIDs(chatID int64) ([]int64, error) {
	rows, err := db.Query(
		"SELECT id FROM messages WHERE chat_id = ? AND type IN ('IMAGE', 'VIDEO', 'FILE')",
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MomentMessagesFor returns the moment-feed page visible to the user:
// original posts (not comments) of every moment chat the user is a member
// of, newest first, each with the user's decryption key.
func (db *Database) MomentMessagesFor(userID, offset int64, count int) ([]models.MomentItem, error) {
	rows, err := db.Query(`
		SELECT m.id, m.content, m.type, c.owner, u.username, m.time, cm.key, m.reactions
		FROM chat_members cm
		JOIN chats c ON c.id = cm.chat_id AND c.is_moment = 1
		JOIN messages m ON m.chat_id = c.id AND m.reply_to IS NULL AND m.sender_id = c.owner
		JOIN users u ON u.id = c.owner
		WHERE cm.user_id = ?
		ORDER BY m.time DESC LIMIT ? OFFSET ?`,
		userID, count, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.MomentItem
	for rows.Next() {
		var item models.MomentItem
		var reactions sql.NullString
		if err := rows.Scan(&item.MessageID, &item.Content, &item.Type, &item.OwnerID, &item.OwnerName, &item.Time, &item.Key, &reactions); err != nil {
			return nil, err
		}
		item.Reactions = decodeReactions(reactions)
		items = append(items, item)
	}
	return items, rows.Err()
}

// MomentComments returns the comments of a moment post, oldest first.
func (db *Database) MomentComments(momentMessageID int64) ([]*models.Message, error) {
	rows, err := db.Query(
		messageSelect+" WHERE m.reply_to = ? ORDER BY m.time ASC",
		momentMessageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, msg)
	}
	return comments, rows.Err()
}
