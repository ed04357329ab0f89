package migrations

import (
	"database/sql"
)

func init() {
	Register(Migration{
		Version: 2,
		Name:    "triggers_and_views",
		Up:      triggersAndViews,
	})
}

func triggersAndViews(db *sql.DB) error {
	statements := []string{
		`CREATE OR REPLACE FUNCTION set_updated_at() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at = now();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS users_set_updated_at ON users`,
		`CREATE TRIGGER users_set_updated_at
			BEFORE UPDATE ON users
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,

		`DROP TRIGGER IF EXISTS logging_sessions_set_updated_at ON logging_sessions`,
		`CREATE TRIGGER logging_sessions_set_updated_at
			BEFORE UPDATE ON logging_sessions
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,

		`DROP TRIGGER IF EXISTS message_listeners_set_updated_at ON message_listeners`,
		`CREATE TRIGGER message_listeners_set_updated_at
			BEFORE UPDATE ON message_listeners
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,

		`DROP TRIGGER IF EXISTS message_elaborations_set_updated_at ON message_elaborations`,
		`CREATE TRIGGER message_elaborations_set_updated_at
			BEFORE UPDATE ON message_elaborations
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,

		`CREATE OR REPLACE VIEW active_logging_sessions AS
			SELECT s.id, s.user_id, u.phone, s.chat_id, s.chat_title, s.chat_username,
			       s.chat_type, s.container_name, s.status, s.created_at, s.updated_at
			FROM logging_sessions s
			JOIN users u ON u.id = s.user_id
			WHERE s.is_active`,

		`CREATE OR REPLACE VIEW chat_logging_stats AS
			SELECT s.user_id, s.chat_id,
			       count(DISTINCT s.id) AS session_count,
			       count(m.id) AS message_count,
			       max(m.logged_at) AS last_logged_at
			FROM logging_sessions s
			LEFT JOIN message_logs m ON m.logging_session_id = s.id
			GROUP BY s.user_id, s.chat_id`,

		`CREATE OR REPLACE VIEW active_listeners_summary AS
			SELECT l.id, l.user_id, l.source_chat_id, l.source_chat_title,
			       l.container_name, l.status, l.created_at,
			       count(DISTINCT e.id) FILTER (WHERE e.is_active) AS active_elaborations,
			       count(DISTINCT sm.id) AS saved_message_count,
			       max(sm.received_at) AS last_message_at
			FROM message_listeners l
			LEFT JOIN message_elaborations e ON e.listener_id = l.id
			LEFT JOIN saved_messages sm ON sm.listener_id = l.id
			WHERE l.is_active
			GROUP BY l.id`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
