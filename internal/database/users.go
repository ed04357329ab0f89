package database

import (
	"database/sql"
	"fmt"
	"time"
)

// User represents a registered account. APIHashEncrypted and
// TelegramSession hold Encryptor output, never plaintext.
type User struct {
	ID               int64
	Phone            string
	PasswordHash     string
	APIID            *int
	APIHashEncrypted *string
	TelegramSession  *string
	IsActive         bool
	LastLogin        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const userColumns = `id, phone, password_hash, api_id, api_hash_encrypted, telegram_session, is_active, last_login, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Phone,
		&u.PasswordHash,
		&u.APIID,
		&u.APIHashEncrypted,
		&u.TelegramSession,
		&u.IsActive,
		&u.LastLogin,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user. Returns ErrDuplicate when the phone is
// already registered.
func (d *DB) CreateUser(phone, passwordHash string, apiID int, apiHashEncrypted string) (*User, error) {
	u, err := scanUser(d.QueryRow(`
		INSERT INTO users (phone, password_hash, api_id, api_hash_encrypted)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		phone, passwordHash, apiID, apiHashEncrypted,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user %s: %w", phone, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// GetUserByPhone returns the user registered with phone, or ErrNotFound.
func (d *DB) GetUserByPhone(phone string) (*User, error) {
	return d.getUser(`WHERE phone = $1`, phone)
}

// GetUserByID returns the user with the given id, or ErrNotFound.
func (d *DB) GetUserByID(id int64) (*User, error) {
	return d.getUser(`WHERE id = $1`, id)
}

func (d *DB) getUser(where string, arg interface{}) (*User, error) {
	u, err := scanUser(d.QueryRow(`SELECT `+userColumns+` FROM users `+where, arg))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UpdateUserCredentials replaces the stored Telegram API credentials and
// invalidates the session blob, which was authorized under the old pair.
func (d *DB) UpdateUserCredentials(userID int64, apiID int, apiHashEncrypted string) error {
	_, err := d.Exec(`
		UPDATE users SET api_id = $1, api_hash_encrypted = $2, telegram_session = NULL
		WHERE id = $3
	`, apiID, apiHashEncrypted, userID)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return nil
}

// UpdateUserPassword replaces the stored password hash.
func (d *DB) UpdateUserPassword(userID int64, passwordHash string) error {
	_, err := d.Exec(`
		UPDATE users SET password_hash = $1 WHERE id = $2
	`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// TouchLastLogin records a successful login.
func (d *DB) TouchLastLogin(userID int64) error {
	_, err := d.Exec(`
		UPDATE users SET last_login = now() WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	return nil
}

// SetTelegramSession stores the encrypted session blob for a user.
func (d *DB) SetTelegramSession(userID int64, encryptedSession string) error {
	_, err := d.Exec(`
		UPDATE users SET telegram_session = $1 WHERE id = $2
	`, encryptedSession, userID)
	if err != nil {
		return fmt.Errorf("failed to store telegram session: %w", err)
	}
	return nil
}

// ClearTelegramSession drops the stored session blob, forcing the next
// login to re-authorize with Telegram.
func (d *DB) ClearTelegramSession(userID int64) error {
	_, err := d.Exec(`
		UPDATE users SET telegram_session = NULL WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear telegram session: %w", err)
	}
	return nil
}
