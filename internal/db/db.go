package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrUserExists = errors.New("user already exists")
	ErrNotFound   = errors.New("not found")
)

const currentSchemaVersion = 1

// Database wraps the SQLite handle. All methods are single-statement (or
// single-transaction) atomic; callers never hold state across calls.
type Database struct {
	*sql.DB
}

func New(dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4) // SQLite is single-writer; more connections waste FDs and increase lock contention
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Database{db}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := createTablesInTx(tx); err != nil {
			return err
		}
		if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// All timestamps are unix milliseconds. Keeping them as plain integers lets
// the burn-after-read candidate query compare read_at + burn_time_ms against
// now without any date functions.
func createTablesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			public_key TEXT NOT NULL,
			private_key TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT,
			owner INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			private INTEGER NOT NULL DEFAULT 0,
			is_moment INTEGER NOT NULL DEFAULT 0,
			burn_time_ms INTEGER,
			last_chat_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_members (
			chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			unread INTEGER NOT NULL DEFAULT 0,
			do_not_disturb INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS friends (
			user_a INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			user_b INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			PRIMARY KEY (user_a, user_b)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'TEXT',
			time INTEGER NOT NULL,
			reply_to INTEGER REFERENCES messages(id) ON DELETE SET NULL,
			read_at INTEGER,
			reactions TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner);
		CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
		CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(time);
		CREATE INDEX IF NOT EXISTS idx_messages_read_at ON messages(read_at);
		CREATE INDEX IF NOT EXISTS idx_messages_reply_to ON messages(reply_to);
	`)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
