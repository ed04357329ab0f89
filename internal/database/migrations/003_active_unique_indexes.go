package migrations

import (
	"database/sql"
)

func init() {
	Register(Migration{
		Version: 3,
		Name:    "active_unique_indexes",
		Up:      activeUniqueIndexes,
	})
}

// The plain UNIQUE (user_id, chat_id) constraint made it impossible to keep
// stopped sessions as history. Replace it with a partial unique index over
// active rows only, and backstop the one-redirect-per-listener rule the
// same way.
func activeUniqueIndexes(db *sql.DB) error {
	statements := []string{
		`ALTER TABLE logging_sessions
			DROP CONSTRAINT IF EXISTS logging_sessions_user_id_chat_id_key`,
		`CREATE UNIQUE INDEX IF NOT EXISTS logging_sessions_active_user_chat
			ON logging_sessions (user_id, chat_id) WHERE is_active`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_elaborations_single_redirect
			ON message_elaborations (listener_id)
			WHERE elaboration_type = 'redirect'`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
