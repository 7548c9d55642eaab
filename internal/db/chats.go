package db

import (
	"database/sql"
	"errors"

	"shadowchat/internal/models"
)

func (db *Database) CreateChat(name string, ownerID int64, private bool) (int64, error) {
	result, err := db.Exec(
		"INSERT INTO chats (name, owner, private, last_chat_at) VALUES (?, ?, ?, ?)",
		nullableName(name), ownerID, private, nowMillis(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *Database) GetChat(chatID int64) (*models.Chat, error) {
	chat := &models.Chat{}
	var name sql.NullString
	var burn sql.NullInt64
	err := db.QueryRow(
		"SELECT id, name, owner, private, is_moment, burn_time_ms, last_chat_at FROM chats WHERE id = ?",
		chatID,
	).Scan(&chat.ID, &name, &chat.OwnerID, &chat.Private, &chat.IsMoment, &burn, &chat.LastChatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if name.Valid {
		chat.Name = name.String
	}
	if burn.Valid {
		chat.BurnTimeMillis = &burn.Int64
	}
	return chat, nil
}

func (db *Database) IsChatOwner(chatID, userID int64) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM chats WHERE id = ? AND owner = ?", chatID, userID).Scan(&count)
	return count > 0, err
}

func (db *Database) RenameChat(chatID int64, newName string) error {
	_, err := db.Exec("UPDATE chats SET name = ? WHERE id = ?", newName, chatID)
	return err
}

// TouchChat bumps the chat's last-activity timestamp, which orders the
// chats_list packet.
func (db *Database) TouchChat(chatID int64) error {
	_, err := db.Exec("UPDATE chats SET last_chat_at = ? WHERE id = ?", nowMillis(), chatID)
	return err
}

// SetBurnTime sets or clears (nil) the burn-after-read duration. Only
// meaningful for private chats; the caller enforces that.
func (db *Database) SetBurnTime(chatID int64, burnTimeMillis *int64) error {
	if burnTimeMillis == nil {
		_, err := db.Exec("UPDATE chats SET burn_time_ms = NULL WHERE id = ?", chatID)
		return err
	}
	_, err := db.Exec("UPDATE chats SET burn_time_ms = ? WHERE id = ?", *burnTimeMillis, chatID)
	return err
}

// DeleteChat removes the chat; members, friend links and messages go with it
// via foreign-key cascade.
func (db *Database) DeleteChat(chatID int64) error {
	_, err := db.Exec("DELETE FROM chats WHERE id = ?", chatID)
	return err
}

func (db *Database) GetMomentChatByOwner(ownerID int64) (*models.Chat, error) {
	chat := &models.Chat{}
	var name sql.NullString
	var burn sql.NullInt64
	err := db.QueryRow(
		"SELECT id, name, owner, private, is_moment, burn_time_ms, last_chat_at FROM chats WHERE owner = ? AND is_moment = 1",
		ownerID,
	).Scan(&chat.ID, &name, &chat.OwnerID, &chat.Private, &chat.IsMoment, &burn, &chat.LastChatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if name.Valid {
		chat.Name = name.String
	}
	if burn.Valid {
		chat.BurnTimeMillis = &burn.Int64
	}
	return chat, nil
}

// GetOrCreateMomentChat returns the id of the owner's moment chat, creating
// it on first use.
func (db *Database) GetOrCreateMomentChat(ownerID int64, ownerName string) (int64, error) {
	existing, err := db.GetMomentChatByOwner(ownerID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	result, err := db.Exec(
		"INSERT INTO chats (name, owner, private, is_moment, last_chat_at) VALUES (?, ?, 0, 1, ?)",
		ownerName+"'s moments", ownerID, nowMillis(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func nullableName(name string) any {
	if name == "" {
		return nil
	}
	return name
}
