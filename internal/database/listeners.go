package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Listener is one forwarder/extractor pipeline bound to a source chat.
// Unlike logging sessions the row survives stop/start cycles; there is
// exactly one per (user, source chat).
type Listener struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	SourceChatID    int64      `json:"source_chat_id"`
	SourceChatTitle string     `json:"source_chat_title"`
	ContainerName   *string    `json:"container_name,omitempty"`
	Status          string     `json:"status"`
	IsActive        bool       `json:"is_active"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
}

const listenerColumns = `id, user_id, source_chat_id, source_chat_title,
	container_name, status, is_active, error_message, created_at, updated_at, stopped_at`

func scanListener(row interface{ Scan(...interface{}) error }) (*Listener, error) {
	var l Listener
	err := row.Scan(
		&l.ID,
		&l.UserID,
		&l.SourceChatID,
		&l.SourceChatTitle,
		&l.ContainerName,
		&l.Status,
		&l.IsActive,
		&l.ErrorMessage,
		&l.CreatedAt,
		&l.UpdatedAt,
		&l.StoppedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateListener inserts the listener row in status creating. A row for
// the same (user, source chat) already existing, active or not, yields
// ErrDuplicate.
func (d *DB) CreateListener(userID, sourceChatID int64, sourceChatTitle string) (*Listener, error) {
	l, err := scanListener(d.QueryRow(`
		INSERT INTO message_listeners (user_id, source_chat_id, source_chat_title, status, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING `+listenerColumns,
		userID, sourceChatID, sourceChatTitle, SessionStatusCreating,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("source chat %d: %w", sourceChatID, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return l, nil
}

// GetListener returns the listener by id scoped to its owner.
func (d *DB) GetListener(id, userID int64) (*Listener, error) {
	l, err := scanListener(d.QueryRow(`
		SELECT `+listenerColumns+`
		FROM message_listeners
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listener: %w", err)
	}
	return l, nil
}

// GetListenerByChat returns the listener for (user, source chat).
func (d *DB) GetListenerByChat(userID, sourceChatID int64) (*Listener, error) {
	l, err := scanListener(d.QueryRow(`
		SELECT `+listenerColumns+`
		FROM message_listeners
		WHERE user_id = $1 AND source_chat_id = $2
	`, userID, sourceChatID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listener: %w", err)
	}
	return l, nil
}

// ListListenersForUser returns every listener the user owns, newest first.
func (d *DB) ListListenersForUser(userID int64) ([]*Listener, error) {
	return d.listListeners(`WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListActiveListeners returns all live listeners across users. Used by
// the reaper.
func (d *DB) ListActiveListeners() ([]*Listener, error) {
	return d.listListeners(`WHERE is_active ORDER BY id`)
}

func (d *DB) listListeners(tail string, args ...interface{}) ([]*Listener, error) {
	rows, err := d.Query(`
		SELECT `+listenerColumns+`
		FROM message_listeners `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listeners: %w", err)
	}
	defer rows.Close()

	var listeners []*Listener
	for rows.Next() {
		l, err := scanListener(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listener: %w", err)
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}

// SetListenerContainer records the container name once it is created.
func (d *DB) SetListenerContainer(id int64, containerName string) error {
	_, err := d.Exec(`
		UPDATE message_listeners SET container_name = $1 WHERE id = $2
	`, containerName, id)
	if err != nil {
		return fmt.Errorf("failed to set listener container: %w", err)
	}
	return nil
}

// UpdateListenerStatus moves a listener to a new lifecycle status.
func (d *DB) UpdateListenerStatus(id int64, status string) error {
	_, err := d.Exec(`
		UPDATE message_listeners SET status = $1 WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update listener status: %w", err)
	}
	return nil
}

// MarkListenerError parks a failed listener. The row is deactivated but
// kept, so the owner can reactivate it once the cause is fixed.
func (d *DB) MarkListenerError(id int64, message string) error {
	_, err := d.Exec(`
		UPDATE message_listeners
		SET status = $1, error_message = $2, is_active = FALSE,
		    stopped_at = COALESCE(stopped_at, now())
		WHERE id = $3
	`, SessionStatusError, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark listener error: %w", err)
	}
	return nil
}

// StopListener parks the listener; the row stays for a later restart.
func (d *DB) StopListener(id int64) error {
	_, err := d.Exec(`
		UPDATE message_listeners
		SET status = $1, is_active = FALSE, stopped_at = now()
		WHERE id = $2
	`, SessionStatusStopped, id)
	if err != nil {
		return fmt.Errorf("failed to stop listener: %w", err)
	}
	return nil
}

// ReactivateListener brings a parked listener back into status creating
// ahead of its container launch.
func (d *DB) ReactivateListener(id int64) error {
	_, err := d.Exec(`
		UPDATE message_listeners
		SET status = $1, is_active = TRUE, error_message = NULL, stopped_at = NULL
		WHERE id = $2
	`, SessionStatusCreating, id)
	if err != nil {
		return fmt.Errorf("failed to reactivate listener: %w", err)
	}
	return nil
}

// DeleteListener removes the row and everything cascading from it:
// elaborations, saved messages, extracted values.
func (d *DB) DeleteListener(id, userID int64) error {
	res, err := d.Exec(`
		DELETE FROM message_listeners WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete listener: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListenerSummary is one row of the active_listeners_summary view.
type ListenerSummary struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	SourceChatID       int64      `json:"source_chat_id"`
	SourceChatTitle    string     `json:"source_chat_title"`
	ContainerName      *string    `json:"container_name,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	ActiveElaborations int64      `json:"active_elaborations"`
	SavedMessageCount  int64      `json:"saved_message_count"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
}

// ListListenerSummaries reads the summary view for one user.
func (d *DB) ListListenerSummaries(userID int64) ([]*ListenerSummary, error) {
	rows, err := d.Query(`
		SELECT id, user_id, source_chat_id, source_chat_title, container_name,
		       status, created_at, active_elaborations, saved_message_count, last_message_at
		FROM active_listeners_summary
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list listener summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*ListenerSummary
	for rows.Next() {
		var s ListenerSummary
		err := rows.Scan(&s.ID, &s.UserID, &s.SourceChatID, &s.SourceChatTitle, &s.ContainerName,
			&s.Status, &s.CreatedAt, &s.ActiveElaborations, &s.SavedMessageCount, &s.LastMessageAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listener summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}
