package db

import (
	"database/sql"
	"errors"
	"strings"

	"shadowchat/internal/models"
)

// AddMember is idempotent: re-adding an existing (chat, user) pair keeps the
// original key blob.
func (db *Database) AddMember(chatID, userID int64, key string) error {
	_, err := db.Exec(
		"INSERT OR IGNORE INTO chat_members (chat_id, user_id, key) VALUES (?, ?, ?)",
		chatID, userID, key,
	)
	return err
}

// RemoveMember is a no-op when the pair is absent.
func (db *Database) RemoveMember(chatID, userID int64) error {
	_, err := db.Exec("DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return err
}

func (db *Database) IsMember(chatID, userID int64) (bool, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?",
		chatID, userID,
	).Scan(&count)
	return count > 0, err
}

// MemberIDs returns the current member user ids of a chat. Distribution
// re-reads this on every fan-out so membership changes take effect
// immediately.
func (db *Database) MemberIDs(chatID int64) ([]int64, error) {
	rows, err := db.Query("SELECT user_id FROM chat_members WHERE chat_id = ?", chatID)
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

// MemberKey returns the member's encrypted chat key, or ErrNotFound when the
// user is not a member.
func (db *Database) MemberKey(chatID, userID int64) (string, error) {
	var key string
	err := db.QueryRow(
		"SELECT key FROM chat_members WHERE chat_id = ? AND user_id = ?",
		chatID, userID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return key, err
}

func (db *Database) CountMembers(chatID int64) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM chat_members WHERE chat_id = ?", chatID).Scan(&count)
	return count, err
}

// UserChats returns the user's memberships shaped for the chats_list packet,
// most recently active chat first. Moment chats are excluded; they surface
// through the moments feed instead.
func (db *Database) UserChats(userID int64) ([]models.ChatMember, error) {
	rows, err := db.Query(`
		SELECT m.chat_id, c.name, c.private, m.key, m.unread, m.do_not_disturb
		FROM chat_members m
		JOIN chats c ON c.id = m.chat_id
		WHERE m.user_id = ? AND c.is_moment = 0
		ORDER BY c.last_chat_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.ChatMember
	for rows.Next() {
		var cm models.ChatMember
		var name sql.NullString
		if err := rows.Scan(&cm.ChatID, &name, &cm.Private, &cm.Key, &cm.UnreadCount, &cm.DoNotDisturb); err != nil {
			return nil, err
		}
		otherIDs, otherNames, err := db.otherMembers(cm.ChatID, userID)
		if err != nil {
			return nil, err
		}
		cm.OtherIDs = otherIDs
		cm.OtherNames = otherNames
		// Private chats display the peer's name, not the stored chat name.
		if cm.Private && len(otherNames) > 0 {
			cm.Name = strings.Join(otherNames, ", ")
		} else if name.Valid && name.String != "" {
			cm.Name = name.String
		} else {
			cm.Name = strings.Join(otherNames, ", ")
		}
		chats = append(chats, cm)
	}
	return chats, rows.Err()
}

func (db *Database) otherMembers(chatID, userID int64) ([]int64, []string, error) {
	rows, err := db.Query(`
		SELECT u.id, u.username
		FROM chat_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ? AND m.user_id != ?`,
		chatID, userID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids []int64
	var names []string
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		names = append(names, name)
	}
	return ids, names, rows.Err()
}

// ChatMembersDetailed returns the members as users with only the fields a
// peer may see (username and signature).
func (db *Database) ChatMembersDetailed(chatID int64) ([]models.User, error) {
	rows, err := db.Query(`
		SELECT u.id, u.username, u.signature
		FROM chat_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ?`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Signature); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IncrementUnread bumps the unread counter of every member except the sender.
func (db *Database) IncrementUnread(chatID, senderID int64) error {
	_, err := db.Exec(
		"UPDATE chat_members SET unread = unread + 1 WHERE chat_id = ? AND user_id != ?",
		chatID, senderID,
	)
	return err
}

func (db *Database) ResetUnread(chatID, userID int64) error {
	_, err := db.Exec(
		"UPDATE chat_members SET unread = 0 WHERE chat_id = ? AND user_id = ?",
		chatID, userID,
	)
	return err
}

func (db *Database) UnreadCount(chatID, userID int64) (int, error) {
	var unread int
	err := db.QueryRow(
		"SELECT unread FROM chat_members WHERE chat_id = ? AND user_id = ?",
		chatID, userID,
	).Scan(&unread)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return unread, err
}

// SetDoNotDisturb returns false when the user is not a member of the chat.
func (db *Database) SetDoNotDisturb(chatID, userID int64, dnd bool) (bool, error) {
	result, err := db.Exec(
		"UPDATE chat_members SET do_not_disturb = ? WHERE chat_id = ? AND user_id = ?",
		dnd, chatID, userID,
	)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	return rowsAffected > 0, err
}
