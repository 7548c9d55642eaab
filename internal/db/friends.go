package db

import (
	"fmt"

	"shadowchat/internal/models"
)

// AddFriend records the friendship and creates its private chat, returning
// the chat id. Pairs are stored (low, high) so (a,b) and (b,a) collide.
// Calling it for an existing pair returns the existing chat.
func (db *Database) AddFriend(userAID, userBID int64) (int64, error) {
	low, high := userAID, userBID
	if low > high {
		low, high = high, low
	}

	var existing int64
	err := db.QueryRow(
		"SELECT chat_id FROM friends WHERE user_a = ? AND user_b = ?",
		low, high,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT INTO chats (name, owner, private, last_chat_at) VALUES (?, ?, 1, ?)",
		fmt.Sprintf("Friend Chat (%d, %d)", low, high), low, nowMillis(),
	)
	if err != nil {
		return 0, err
	}
	chatID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(
		"INSERT INTO friends (user_a, user_b, chat_id) VALUES (?, ?, ?)",
		low, high, chatID,
	); err != nil {
		return 0, err
	}

	return chatID, tx.Commit()
}

func (db *Database) AreFriends(userAID, userBID int64) (bool, error) {
	low, high := userAID, userBID
	if low > high {
		low, high = high, low
	}
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM friends WHERE user_a = ? AND user_b = ?",
		low, high,
	).Scan(&count)
	return count > 0, err
}

// Friends returns the user's friends ordered by the pair chat's last
// activity, most recent first. CanViewMoments reflects whether the friend
// has been granted membership of the user's moment chat.
func (db *Database) Friends(userID int64) ([]models.Friend, error) {
	rows, err := db.Query(`
		SELECT u.id, u.username,
		       EXISTS (
		           SELECT 1 FROM chat_members cm
		           JOIN chats mc ON mc.id = cm.chat_id AND mc.is_moment = 1 AND mc.owner = ?
		           WHERE cm.user_id = u.id
		       )
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_a = ? THEN f.user_b ELSE f.user_a END
		JOIN chats c ON c.id = f.chat_id
		WHERE f.user_a = ? OR f.user_b = ?
		ORDER BY c.last_chat_at DESC`,
		userID, userID, userID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []models.Friend
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.ID, &f.Username, &f.CanViewMoments); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// RemoveFriendByChat deletes the friendship row backing the given pair chat,
// if any. Deleting a chat with no friendship row is a no-op, so group
// teardown can call it unconditionally.
func (db *Database) RemoveFriendByChat(chatID int64) error {
	_, err := db.Exec("DELETE FROM friends WHERE chat_id = ?", chatID)
	return err
}
