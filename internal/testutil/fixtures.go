package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/workers"
)

// SeedLoggingSession plants a running session row with its container
// name set, bypassing the supervisor.
func SeedLoggingSession(t *testing.T, db *database.DB, userID, chatID int64, title string) *database.LoggingSession {
	t.Helper()

	session, err := db.StartLoggingSession(context.Background(), userID, chatID, title, "", "supergroup")
	require.NoError(t, err)

	name := workers.LoggingContainerName("solanagram", userID, chatID)
	require.NoError(t, db.SetSessionContainer(session.ID, name))
	require.NoError(t, db.UpdateSessionStatus(session.ID, database.SessionStatusRunning))

	session.ContainerName = &name
	session.Status = database.SessionStatusRunning
	return session
}

// SeedMessages inserts n message logs into the session, message ids 1..n.
func SeedMessages(t *testing.T, db *database.DB, sessionID, chatID int64, n int) {
	t.Helper()

	for i := 1; i <= n; i++ {
		text := fmt.Sprintf("message %d", i)
		sender := int64(1000 + i)
		inserted, err := db.InsertMessageLog(&database.MessageLog{
			LoggingSessionID: sessionID,
			ChatID:           chatID,
			MessageID:        int64(i),
			SenderID:         &sender,
			MessageText:      &text,
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}
}

// SeedListener plants an active listener row, bypassing the supervisor.
func SeedListener(t *testing.T, db *database.DB, userID, sourceChatID int64, title string) *database.Listener {
	t.Helper()

	listener, err := db.CreateListener(userID, sourceChatID, title)
	require.NoError(t, err)
	return listener
}

// SeedSavedMessage inserts one captured message for a listener and
// returns its row id.
func SeedSavedMessage(t *testing.T, db *database.DB, listenerID, userID, messageID int64, text string) int64 {
	t.Helper()

	id, inserted, err := db.InsertSavedMessage(&database.SavedMessage{
		ListenerID:  listenerID,
		UserID:      userID,
		MessageID:   messageID,
		MessageText: &text,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

// SeedElaboration plants one elaboration row with the given JSON config.
func SeedElaboration(t *testing.T, db *database.DB, listenerID int64, name, elabType, config string, priority int) *database.Elaboration {
	t.Helper()

	elab, err := db.CreateElaboration(context.Background(), listenerID, name, elabType, json.RawMessage(config), priority)
	require.NoError(t, err)
	return elab
}
