package database

import (
	"fmt"
	"time"
)

// ExtractedValue is one substring pulled out of a saved message by an
// extractor rule.
type ExtractedValue struct {
	ID                 int64     `json:"id"`
	ElaborationID      int64     `json:"elaboration_id"`
	SavedMessageID     int64     `json:"saved_message_id"`
	MessageID          int64     `json:"message_id"`
	RuleName           string    `json:"rule_name"`
	SearchText         string    `json:"search_text"`
	ExtractedValue     string    `json:"extracted_value"`
	OccurrenceIndex    int       `json:"occurrence_index"`
	ExtractionPosition *int      `json:"extraction_position,omitempty"`
	ExtractedAt        time.Time `json:"extracted_at"`
}

// InsertExtractedValue stores one extraction result. Re-processing the
// same occurrence is a no-op.
func (d *DB) InsertExtractedValue(v *ExtractedValue) (bool, error) {
	res, err := d.Exec(`
		INSERT INTO elaboration_extracted_values
			(elaboration_id, saved_message_id, message_id, rule_name, search_text, extracted_value, occurrence_index, extraction_position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (elaboration_id, message_id, rule_name, occurrence_index) DO NOTHING
	`, v.ElaborationID, v.SavedMessageID, v.MessageID, v.RuleName, v.SearchText, v.ExtractedValue, v.OccurrenceIndex, v.ExtractionPosition)
	if err != nil {
		return false, fmt.Errorf("failed to insert extracted value: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// ListenerExtractedValue joins an extraction with its elaboration name
// for the HTTP listing.
type ListenerExtractedValue struct {
	ExtractedValue
	ElaborationName string `json:"elaboration_name"`
}

// ListExtractedValuesForListener pages through everything extracted under
// one listener, newest first.
func (d *DB) ListExtractedValuesForListener(listenerID int64, limit, offset int) ([]*ListenerExtractedValue, error) {
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
		SELECT v.id, v.elaboration_id, v.saved_message_id, v.message_id, v.rule_name,
		       v.search_text, v.extracted_value, v.occurrence_index, v.extraction_position,
		       v.extracted_at, e.name
		FROM elaboration_extracted_values v
		JOIN message_elaborations e ON e.id = v.elaboration_id
		WHERE e.listener_id = $1
		ORDER BY v.extracted_at DESC, v.id DESC
		LIMIT $2 OFFSET $3
	`, listenerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted values: %w", err)
	}
	defer rows.Close()

	var values []*ListenerExtractedValue
	for rows.Next() {
		var v ListenerExtractedValue
		err := rows.Scan(&v.ID, &v.ElaborationID, &v.SavedMessageID, &v.MessageID, &v.RuleName,
			&v.SearchText, &v.ExtractedValue, &v.OccurrenceIndex, &v.ExtractionPosition,
			&v.ExtractedAt, &v.ElaborationName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extracted value: %w", err)
		}
		values = append(values, &v)
	}
	return values, rows.Err()
}
