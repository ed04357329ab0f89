package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Elaboration types. An extractor pulls substrings out of messages, a
// redirect forwards them to another chat.
const (
	ElaborationTypeExtractor = "extractor"
	ElaborationTypeRedirect  = "redirect"
)

// redirectIndexName is the partial unique index enforcing one redirect
// row per listener. Violations of it map to ErrRedirectExists.
const redirectIndexName = "message_elaborations_single_redirect"

// Elaboration is one processing step in a listener's pipeline.
type Elaboration struct {
	ID               int64           `json:"id"`
	ListenerID       int64           `json:"listener_id"`
	Name             string          `json:"name"`
	Type             string          `json:"elaboration_type"`
	Config           json.RawMessage `json:"config"`
	IsActive         bool            `json:"is_active"`
	Priority         int             `json:"priority"`
	LastProcessedAt  *time.Time      `json:"last_processed_at,omitempty"`
	ProcessedCount   int64           `json:"processed_count"`
	LastErrorAt      *time.Time      `json:"last_error_at,omitempty"`
	LastErrorMessage *string         `json:"last_error_message,omitempty"`
	ErrorCount       int64           `json:"error_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const elaborationColumns = `id, listener_id, name, elaboration_type, config, is_active, priority,
	last_processed_at, processed_count, last_error_at, last_error_message, error_count,
	created_at, updated_at`

func scanElaboration(row interface{ Scan(...interface{}) error }) (*Elaboration, error) {
	var e Elaboration
	var config []byte
	err := row.Scan(
		&e.ID,
		&e.ListenerID,
		&e.Name,
		&e.Type,
		&config,
		&e.IsActive,
		&e.Priority,
		&e.LastProcessedAt,
		&e.ProcessedCount,
		&e.LastErrorAt,
		&e.LastErrorMessage,
		&e.ErrorCount,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Config = config
	return &e, nil
}

// CreateElaboration adds one pipeline step. The redirect uniqueness rule
// is checked inside the transaction with the existing row locked; the
// partial unique index backstops the race. Name collisions yield
// ErrDuplicate, a second redirect ErrRedirectExists.
func (d *DB) CreateElaboration(ctx context.Context, listenerID int64, name, elabType string, config json.RawMessage, priority int) (*Elaboration, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if elabType == ElaborationTypeRedirect {
		var existingID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM message_elaborations
			WHERE listener_id = $1 AND elaboration_type = $2
			FOR UPDATE
		`, listenerID, ElaborationTypeRedirect).Scan(&existingID)
		if err == nil {
			return nil, fmt.Errorf("elaboration %d: %w", existingID, ErrRedirectExists)
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check redirect: %w", err)
		}
	}

	e, err := scanElaboration(tx.QueryRowContext(ctx, `
		INSERT INTO message_elaborations (listener_id, name, elaboration_type, config, priority)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4::text, '')::jsonb, '{}'::jsonb), $5)
		RETURNING `+elaborationColumns,
		listenerID, name, elabType, string(config), priority,
	))
	if violatedConstraint(err) == redirectIndexName {
		return nil, ErrRedirectExists
	}
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("elaboration %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert elaboration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit elaboration: %w", err)
	}
	return e, nil
}

// GetElaboration returns one step scoped to its listener.
func (d *DB) GetElaboration(id, listenerID int64) (*Elaboration, error) {
	e, err := scanElaboration(d.QueryRow(`
		SELECT `+elaborationColumns+`
		FROM message_elaborations
		WHERE id = $1 AND listener_id = $2
	`, id, listenerID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get elaboration: %w", err)
	}
	return e, nil
}

// ListElaborations returns every step of a listener in pipeline order.
func (d *DB) ListElaborations(listenerID int64) ([]*Elaboration, error) {
	return d.listElaborations(`WHERE listener_id = $1 ORDER BY priority, id`, listenerID)
}

// ListActiveElaborations returns the steps a worker should apply, in
// pipeline order.
func (d *DB) ListActiveElaborations(listenerID int64) ([]*Elaboration, error) {
	return d.listElaborations(`WHERE listener_id = $1 AND is_active ORDER BY priority, id`, listenerID)
}

func (d *DB) listElaborations(tail string, args ...interface{}) ([]*Elaboration, error) {
	rows, err := d.Query(`
		SELECT `+elaborationColumns+`
		FROM message_elaborations `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list elaborations: %w", err)
	}
	defer rows.Close()

	var elaborations []*Elaboration
	for rows.Next() {
		e, err := scanElaboration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan elaboration: %w", err)
		}
		elaborations = append(elaborations, e)
	}
	return elaborations, rows.Err()
}

// UpdateElaboration changes config, priority or active state. Nil config
// keeps the stored one.
func (d *DB) UpdateElaboration(id, listenerID int64, config json.RawMessage, priority *int, isActive *bool) (*Elaboration, error) {
	e, err := scanElaboration(d.QueryRow(`
		UPDATE message_elaborations
		SET config = COALESCE(NULLIF($3::text, '')::jsonb, config),
		    priority = COALESCE($4, priority),
		    is_active = COALESCE($5, is_active)
		WHERE id = $1 AND listener_id = $2
		RETURNING `+elaborationColumns,
		id, listenerID, string(config), priority, isActive,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update elaboration: %w", err)
	}
	return e, nil
}

// DeleteElaboration removes one step and its extracted values.
func (d *DB) DeleteElaboration(id, listenerID int64) error {
	res, err := d.Exec(`
		DELETE FROM message_elaborations WHERE id = $1 AND listener_id = $2
	`, id, listenerID)
	if err != nil {
		return fmt.Errorf("failed to delete elaboration: %w", err)
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

// RecordElaborationProcessed bumps the success counters. Called by
// workers after a step ran.
func (d *DB) RecordElaborationProcessed(id int64) error {
	_, err := d.Exec(`
		UPDATE message_elaborations
		SET processed_count = processed_count + 1, last_processed_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record elaboration success: %w", err)
	}
	return nil
}

// RecordElaborationError bumps the failure counters.
func (d *DB) RecordElaborationError(id int64, message string) error {
	_, err := d.Exec(`
		UPDATE message_elaborations
		SET error_count = error_count + 1, last_error_at = now(), last_error_message = $2
		WHERE id = $1
	`, id, message)
	if err != nil {
		return fmt.Errorf("failed to record elaboration error: %w", err)
	}
	return nil
}
