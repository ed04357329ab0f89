package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Logging session status values mirror the container lifecycle.
const (
	SessionStatusCreating = "creating"
	SessionStatusRunning  = "running"
	SessionStatusStopped  = "stopped"
	SessionStatusError    = "error"
	SessionStatusRemoved  = "removed"
)

// LoggingSession is one per-chat logging worker, active or historical.
type LoggingSession struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ChatID        int64      `json:"chat_id"`
	ChatTitle     string     `json:"chat_title"`
	ChatUsername  *string    `json:"chat_username,omitempty"`
	ChatType      *string    `json:"chat_type,omitempty"`
	ContainerName *string    `json:"container_name,omitempty"`
	Status        string     `json:"status"`
	IsActive      bool       `json:"is_active"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
}

const loggingSessionColumns = `id, user_id, chat_id, chat_title, chat_username, chat_type,
	container_name, status, is_active, error_message, created_at, updated_at, stopped_at`

func scanLoggingSession(row interface{ Scan(...interface{}) error }) (*LoggingSession, error) {
	var s LoggingSession
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ChatID,
		&s.ChatTitle,
		&s.ChatUsername,
		&s.ChatType,
		&s.ContainerName,
		&s.Status,
		&s.IsActive,
		&s.ErrorMessage,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.StoppedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// StartLoggingSession creates the active session row for (user, chat)
// inside one transaction. Any existing active row is locked first so two
// concurrent starts cannot both succeed; the partial unique index backstops
// the race. Returns ErrDuplicate when a session is already active.
func (d *DB) StartLoggingSession(ctx context.Context, userID, chatID int64, chatTitle, chatUsername, chatType string) (*LoggingSession, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM logging_sessions
		WHERE user_id = $1 AND chat_id = $2 AND is_active
		FOR UPDATE
	`, userID, chatID).Scan(&existingID)
	if err == nil {
		return nil, fmt.Errorf("session %d: %w", existingID, ErrDuplicate)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}

	session, err := scanLoggingSession(tx.QueryRowContext(ctx, `
		INSERT INTO logging_sessions (user_id, chat_id, chat_title, chat_username, chat_type, status, is_active)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, TRUE)
		RETURNING `+loggingSessionColumns,
		userID, chatID, chatTitle, chatUsername, chatType, SessionStatusCreating,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("chat %d: %w", chatID, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return session, nil
}

// GetLoggingSession returns the session by id scoped to its owner.
func (d *DB) GetLoggingSession(id, userID int64) (*LoggingSession, error) {
	s, err := scanLoggingSession(d.QueryRow(`
		SELECT `+loggingSessionColumns+`
		FROM logging_sessions
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetActiveSessionForChat returns the live session for (user, chat) or
// ErrNotFound.
func (d *DB) GetActiveSessionForChat(userID, chatID int64) (*LoggingSession, error) {
	s, err := scanLoggingSession(d.QueryRow(`
		SELECT `+loggingSessionColumns+`
		FROM logging_sessions
		WHERE user_id = $1 AND chat_id = $2 AND is_active
	`, userID, chatID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

// ListActiveSessionsForUser returns the user's live sessions, newest first.
func (d *DB) ListActiveSessionsForUser(userID int64) ([]*LoggingSession, error) {
	return d.listSessions(`WHERE user_id = $1 AND is_active ORDER BY created_at DESC`, userID)
}

// ListSessionsByStatus returns every session in the given status,
// regardless of owner. Used by the reaper.
func (d *DB) ListSessionsByStatus(status string) ([]*LoggingSession, error) {
	return d.listSessions(`WHERE status = $1 ORDER BY id`, status)
}

// ListActiveSessions returns all live sessions across users.
func (d *DB) ListActiveSessions() ([]*LoggingSession, error) {
	return d.listSessions(`WHERE is_active ORDER BY id`)
}

func (d *DB) listSessions(tail string, args ...interface{}) ([]*LoggingSession, error) {
	rows, err := d.Query(`
		SELECT `+loggingSessionColumns+`
		FROM logging_sessions `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*LoggingSession
	for rows.Next() {
		s, err := scanLoggingSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SetSessionContainer records the container name once it is created.
func (d *DB) SetSessionContainer(id int64, containerName string) error {
	_, err := d.Exec(`
		UPDATE logging_sessions SET container_name = $1 WHERE id = $2
	`, containerName, id)
	if err != nil {
		return fmt.Errorf("failed to set session container: %w", err)
	}
	return nil
}

// UpdateSessionStatus moves a session to a new lifecycle status.
func (d *DB) UpdateSessionStatus(id int64, status string) error {
	_, err := d.Exec(`
		UPDATE logging_sessions SET status = $1 WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// MarkSessionError parks a failed session. The row leaves the active set
// immediately; the escalation sweep later turns stale error rows into
// removed ones.
func (d *DB) MarkSessionError(id int64, message string) error {
	_, err := d.Exec(`
		UPDATE logging_sessions
		SET status = $1, error_message = $2, is_active = FALSE,
		    stopped_at = COALESCE(stopped_at, now())
		WHERE id = $3
	`, SessionStatusError, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark session error: %w", err)
	}
	return nil
}

// DeleteLoggingSession drops a session row outright. Used when a launch
// fails before the container ever ran; history rows go through the
// stopped/removed path instead.
func (d *DB) DeleteLoggingSession(id int64) error {
	_, err := d.Exec(`DELETE FROM logging_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// StopLoggingSession flips the session out of the active set.
func (d *DB) StopLoggingSession(id int64) error {
	_, err := d.Exec(`
		UPDATE logging_sessions
		SET status = $1, is_active = FALSE, stopped_at = now()
		WHERE id = $2
	`, SessionStatusStopped, id)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	return nil
}

// MarkSessionRemoved finalizes a deleted session. The row stays as history
// until the retention sweep deletes it.
func (d *DB) MarkSessionRemoved(id int64) error {
	_, err := d.Exec(`
		UPDATE logging_sessions
		SET status = $1, is_active = FALSE, stopped_at = COALESCE(stopped_at, now())
		WHERE id = $2
	`, SessionStatusRemoved, id)
	if err != nil {
		return fmt.Errorf("failed to mark session removed: %w", err)
	}
	return nil
}

// EscalateStaleErrorSessions turns error sessions older than cutoff into
// removed ones. Returns how many rows changed.
func (d *DB) EscalateStaleErrorSessions(cutoff time.Time) (int64, error) {
	res, err := d.Exec(`
		UPDATE logging_sessions
		SET status = $1, is_active = FALSE, stopped_at = COALESCE(stopped_at, now())
		WHERE status = $2 AND updated_at < $3
	`, SessionStatusRemoved, SessionStatusError, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to escalate error sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalSessionsBefore drops removed/stopped history rows older
// than cutoff. Message logs cascade with their session.
func (d *DB) DeleteTerminalSessionsBefore(cutoff time.Time) (int64, error) {
	res, err := d.Exec(`
		DELETE FROM logging_sessions
		WHERE status IN ($1, $2) AND NOT is_active AND updated_at < $3
	`, SessionStatusRemoved, SessionStatusStopped, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal sessions: %w", err)
	}
	return res.RowsAffected()
}

// ChatLoggingStats summarizes logging history for one chat.
type ChatLoggingStats struct {
	UserID       int64      `json:"user_id"`
	ChatID       int64      `json:"chat_id"`
	SessionCount int64      `json:"session_count"`
	MessageCount int64      `json:"message_count"`
	LastLoggedAt *time.Time `json:"last_logged_at,omitempty"`
}

// GetChatLoggingStats reads the chat_logging_stats view for one chat.
func (d *DB) GetChatLoggingStats(userID, chatID int64) (*ChatLoggingStats, error) {
	var st ChatLoggingStats
	err := d.QueryRow(`
		SELECT user_id, chat_id, session_count, message_count, last_logged_at
		FROM chat_logging_stats
		WHERE user_id = $1 AND chat_id = $2
	`, userID, chatID).Scan(&st.UserID, &st.ChatID, &st.SessionCount, &st.MessageCount, &st.LastLoggedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat stats: %w", err)
	}
	return &st, nil
}
