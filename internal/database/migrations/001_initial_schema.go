package migrations

import (
	"database/sql"
)

func init() {
	Register(Migration{
		Version: 1,
		Name:    "initial_schema",
		Up:      initialSchema,
	})
}

func initialSchema(db *sql.DB) error {
	statements := []string{
		// Single-row schema version marker, kept current by the runner
		`CREATE TABLE IF NOT EXISTS db_info (
			id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
			schema_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Users: phone is the login identity; api_hash and the Telegram
		// session blob are stored encrypted, api_id is not a secret
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			phone TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			api_id INTEGER,
			api_hash_encrypted TEXT,
			telegram_session TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_login TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone)`,

		// Logging sessions: one worker container per row while active
		`CREATE TABLE IF NOT EXISTS logging_sessions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			chat_id BIGINT NOT NULL,
			chat_title TEXT NOT NULL DEFAULT '',
			chat_username TEXT,
			chat_type TEXT,
			container_name TEXT,
			status TEXT NOT NULL DEFAULT 'creating'
				CHECK (status IN ('creating', 'running', 'stopped', 'error', 'removed')),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			stopped_at TIMESTAMPTZ,
			UNIQUE (user_id, chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logging_sessions_user ON logging_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logging_sessions_status ON logging_sessions(status)`,

		// Message logs: idempotent sink, writers use ON CONFLICT DO NOTHING
		`CREATE TABLE IF NOT EXISTS message_logs (
			id BIGSERIAL PRIMARY KEY,
			logging_session_id BIGINT NOT NULL REFERENCES logging_sessions(id) ON DELETE CASCADE,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			sender_id BIGINT,
			sender_username TEXT,
			message_text TEXT,
			message_data JSONB,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (chat_id, message_id, logging_session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_logs_session ON message_logs(logging_session_id, logged_at DESC)`,

		// Listeners: one row per (user, source chat), kept across restarts
		`CREATE TABLE IF NOT EXISTS message_listeners (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			source_chat_id BIGINT NOT NULL,
			source_chat_title TEXT NOT NULL DEFAULT '',
			container_name TEXT,
			status TEXT NOT NULL DEFAULT 'creating'
				CHECK (status IN ('creating', 'running', 'stopped', 'error', 'removed')),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			stopped_at TIMESTAMPTZ,
			UNIQUE (user_id, source_chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_listeners_user ON message_listeners(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_listeners_status ON message_listeners(status)`,

		// Elaborations: extractor/redirect pipeline steps per listener,
		// applied in priority order
		`CREATE TABLE IF NOT EXISTS message_elaborations (
			id BIGSERIAL PRIMARY KEY,
			listener_id BIGINT NOT NULL REFERENCES message_listeners(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			elaboration_type TEXT NOT NULL CHECK (elaboration_type IN ('extractor', 'redirect')),
			config JSONB NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 0,
			last_processed_at TIMESTAMPTZ,
			processed_count BIGINT NOT NULL DEFAULT 0,
			last_error_at TIMESTAMPTZ,
			last_error_message TEXT,
			error_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (listener_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_elaborations_listener ON message_elaborations(listener_id)`,

		// Messages captured by listener workers, purged after 30 days
		`CREATE TABLE IF NOT EXISTS saved_messages (
			id BIGSERIAL PRIMARY KEY,
			listener_id BIGINT NOT NULL REFERENCES message_listeners(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			sender_id BIGINT,
			sender_name TEXT,
			message_text TEXT,
			message_data JSONB,
			message_date TIMESTAMPTZ,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (listener_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_saved_messages_listener ON saved_messages(listener_id, received_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_saved_messages_received ON saved_messages(received_at)`,

		// Values pulled out of saved messages by extractor rules
		`CREATE TABLE IF NOT EXISTS elaboration_extracted_values (
			id BIGSERIAL PRIMARY KEY,
			elaboration_id BIGINT NOT NULL REFERENCES message_elaborations(id) ON DELETE CASCADE,
			saved_message_id BIGINT NOT NULL REFERENCES saved_messages(id) ON DELETE CASCADE,
			message_id BIGINT NOT NULL,
			rule_name TEXT NOT NULL,
			search_text TEXT NOT NULL DEFAULT '',
			extracted_value TEXT NOT NULL DEFAULT '',
			occurrence_index INTEGER NOT NULL DEFAULT 0,
			extraction_position INTEGER,
			extracted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (elaboration_id, message_id, rule_name, occurrence_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extracted_values_elaboration ON elaboration_extracted_values(elaboration_id, extracted_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
