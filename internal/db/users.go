package db

import (
	"database/sql"
	"errors"

	"shadowchat/internal/models"
)

// CreateUser inserts a new user and returns its id. Returns ErrUserExists
// when the username is taken.
func (db *Database) CreateUser(username, passwordHash, publicKey, privateKey string) (int64, error) {
	result, err := db.Exec(
		"INSERT OR IGNORE INTO users (username, password_hash, public_key, private_key, created_at) VALUES (?, ?, ?, ?, ?)",
		username, passwordHash, publicKey, privateKey, nowMillis(),
	)
	if err != nil {
		return 0, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rowsAffected == 0 {
		return 0, ErrUserExists
	}
	return result.LastInsertId()
}

func (db *Database) GetUserByUsername(username string) (*models.User, error) {
	user := &models.User{}
	err := db.QueryRow(
		"SELECT id, username, password_hash, public_key, private_key, signature FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.PublicKey, &user.PrivateKey, &user.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *Database) GetUserByID(id int64) (*models.User, error) {
	user := &models.User{}
	err := db.QueryRow(
		"SELECT id, username, password_hash, public_key, private_key, signature FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.PublicKey, &user.PrivateKey, &user.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *Database) UpdateSignature(userID int64, signature string) error {
	_, err := db.Exec("UPDATE users SET signature = ? WHERE id = ?", signature, userID)
	return err
}
