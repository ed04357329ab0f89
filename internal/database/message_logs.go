package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MessageLog is one captured message inside a logging session.
type MessageLog struct {
	ID               int64           `json:"id"`
	LoggingSessionID int64           `json:"logging_session_id"`
	ChatID           int64           `json:"chat_id"`
	MessageID        int64           `json:"message_id"`
	SenderID         *int64          `json:"sender_id,omitempty"`
	SenderUsername   *string         `json:"sender_username,omitempty"`
	MessageText      *string         `json:"message_text,omitempty"`
	MessageData      json.RawMessage `json:"message_data,omitempty"`
	LoggedAt         time.Time       `json:"logged_at"`
}

const (
	defaultMessagePageSize = 100
	maxMessagePageSize     = 1000
)

// InsertMessageLog stores one message. Re-delivery of the same message
// within the same session is a no-op; the bool reports whether a row was
// actually written.
func (d *DB) InsertMessageLog(m *MessageLog) (bool, error) {
	res, err := d.Exec(`
		INSERT INTO message_logs (logging_session_id, chat_id, message_id, sender_id, sender_username, message_text, message_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chat_id, message_id, logging_session_id) DO NOTHING
	`, m.LoggingSessionID, m.ChatID, m.MessageID, m.SenderID, m.SenderUsername, m.MessageText, nullableJSON(m.MessageData))
	if err != nil {
		return false, fmt.Errorf("failed to insert message log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// ListMessagesBySession pages through a session's messages, newest first.
// limit <= 0 falls back to the default page size and is capped at the max.
func (d *DB) ListMessagesBySession(sessionID int64, limit, offset int) ([]*MessageLog, error) {
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
		SELECT id, logging_session_id, chat_id, message_id, sender_id, sender_username, message_text, message_data, logged_at
		FROM message_logs
		WHERE logging_session_id = $1
		ORDER BY logged_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var logs []*MessageLog
	for rows.Next() {
		var m MessageLog
		var data []byte
		err := rows.Scan(&m.ID, &m.LoggingSessionID, &m.ChatID, &m.MessageID, &m.SenderID, &m.SenderUsername, &m.MessageText, &data, &m.LoggedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.MessageData = data
		logs = append(logs, &m)
	}
	return logs, rows.Err()
}

// CountMessagesBySession returns the total message count for a session.
func (d *DB) CountMessagesBySession(sessionID int64) (int64, error) {
	var n int64
	err := d.QueryRow(`SELECT COUNT(*) FROM message_logs WHERE logging_session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// nullableJSON maps empty payloads to SQL NULL so the JSONB column does
// not end up holding the string "null".
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return []byte(raw)
}
