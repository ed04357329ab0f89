package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SavedMessage is one raw message captured by a listener worker.
type SavedMessage struct {
	ID          int64           `json:"id"`
	ListenerID  int64           `json:"listener_id"`
	UserID      int64           `json:"user_id"`
	MessageID   int64           `json:"message_id"`
	SenderID    *int64          `json:"sender_id,omitempty"`
	SenderName  *string         `json:"sender_name,omitempty"`
	MessageText *string         `json:"message_text,omitempty"`
	MessageData json.RawMessage `json:"message_data,omitempty"`
	MessageDate *time.Time      `json:"message_date,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// InsertSavedMessage stores one captured message. Re-delivery within the
// same listener is a no-op; id is only valid when inserted is true, and
// workers skip the pipeline for duplicates.
func (d *DB) InsertSavedMessage(m *SavedMessage) (id int64, inserted bool, err error) {
	err = d.QueryRow(`
		INSERT INTO saved_messages (listener_id, user_id, message_id, sender_id, sender_name, message_text, message_data, message_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (listener_id, message_id) DO NOTHING
		RETURNING id
	`, m.ListenerID, m.UserID, m.MessageID, m.SenderID, m.SenderName, m.MessageText, nullableJSON(m.MessageData), m.MessageDate).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert saved message: %w", err)
	}
	return id, true, nil
}

// ListSavedMessages pages through a listener's messages, newest first.
func (d *DB) ListSavedMessages(listenerID int64, limit, offset int) ([]*SavedMessage, error) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := d.Query(`
		SELECT id, listener_id, user_id, message_id, sender_id, sender_name, message_text, message_data, message_date, received_at
		FROM saved_messages
		WHERE listener_id = $1
		ORDER BY received_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, listenerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved messages: %w", err)
	}
	defer rows.Close()

	var messages []*SavedMessage
	for rows.Next() {
		var m SavedMessage
		var data []byte
		err := rows.Scan(&m.ID, &m.ListenerID, &m.UserID, &m.MessageID, &m.SenderID, &m.SenderName, &m.MessageText, &data, &m.MessageDate, &m.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saved message: %w", err)
		}
		m.MessageData = data
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// PurgeSavedMessagesBefore deletes captured messages older than cutoff.
// Extracted values cascade with them.
func (d *DB) PurgeSavedMessagesBefore(cutoff time.Time) (int64, error) {
	res, err := d.Exec(`
		DELETE FROM saved_messages WHERE received_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge saved messages: %w", err)
	}
	return res.RowsAffected()
}
