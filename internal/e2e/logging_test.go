package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanagram/backend/internal/testutil"
)

// loggedInUser registers a user with a stored Telegram session and
// returns its id and bearer token.
func loggedInUser(t *testing.T, ts *testutil.TestServer, phone string) (int64, string) {
	t.Helper()
	userID := ts.Register(t, phone, "secret-pw")
	ts.WithSession(t, userID)
	return userID, ts.Token(t, userID, phone)
}

// TestLoggingSessionLifecycle walks start, duplicate, status, stop and
// delete for one chat, checking the container fleet on the way.
func TestLoggingSessionLifecycle(t *testing.T) {
	ts := testutil.NewTestServer(t)
	userID, token := loggedInUser(t, ts, "+393333000001")

	const chatID = int64(-1001234567890)
	name := fmt.Sprintf("solanagram-log-%d-1001234567890", userID)

	status, body := ts.Do(t, http.MethodPost, "/api/logging/sessions", token, map[string]interface{}{
		"chat_id":    chatID,
		"chat_title": "Crypto Signals",
		"chat_type":  "supergroup",
	})
	require.Equal(t, http.StatusCreated, status, "start: %v", body)
	session := body["session"].(map[string]interface{})
	sessionID := int64(session["id"].(float64))
	assert.Equal(t, name, session["container_name"])
	assert.Equal(t, "running", session["status"])

	container := ts.Runtime.Container(name)
	require.NotNil(t, container, "worker container launched")
	assert.Equal(t, "running", container.State)
	assert.Contains(t, container.Spec.Env, "MODE=logger")

	t.Run("second start conflicts", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodPost, "/api/logging/sessions", token, map[string]interface{}{
			"chat_id":    chatID,
			"chat_title": "Crypto Signals",
		})
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "SESSION_ALREADY_ACTIVE", body["error_code"])
		assert.Equal(t, 1, ts.Runtime.LaunchCount())
	})

	t.Run("chat status reports the running worker", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodGet, fmt.Sprintf("/api/logging/chat/%d/status", chatID), token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["active"])
		assert.Equal(t, "running", body["container_status"])
	})

	t.Run("list shows the session", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodGet, "/api/logging/sessions", token, nil)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, body["sessions"].([]interface{}), 1)
	})

	t.Run("stop removes the container", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodPost, fmt.Sprintf("/api/logging/sessions/%d/stop", sessionID), token, nil)
		require.Equal(t, http.StatusOK, status, "stop: %v", body)

		assert.Nil(t, ts.Runtime.Container(name), "container torn down")
		assert.Contains(t, ts.Runtime.Stopped(), name)

		status, body = ts.Do(t, http.MethodGet, "/api/logging/sessions", token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Empty(t, body["sessions"].([]interface{}))
	})

	t.Run("restart after stop works", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodPost, "/api/logging/sessions", token, map[string]interface{}{
			"chat_id":    chatID,
			"chat_title": "Crypto Signals",
		})
		require.Equal(t, http.StatusCreated, status, "restart: %v", body)
		require.NotNil(t, ts.Runtime.Container(name))
	})

	t.Run("delete", func(t *testing.T) {
		sid := int64(0)
		status, body := ts.Do(t, http.MethodGet, "/api/logging/sessions", token, nil)
		require.Equal(t, http.StatusOK, status)
		sessions := body["sessions"].([]interface{})
		require.NotEmpty(t, sessions)
		sid = int64(sessions[0].(map[string]interface{})["id"].(float64))

		status, _ = ts.Do(t, http.MethodDelete, fmt.Sprintf("/api/logging/sessions/%d", sid), token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Nil(t, ts.Runtime.Container(name))
	})
}

func TestLoggingRequiresTelegramSession(t *testing.T) {
	ts := testutil.NewTestServer(t)
	userID := ts.Register(t, "+393333000002", "secret-pw")
	token := ts.Token(t, userID, "+393333000002")

	status, body := ts.Do(t, http.MethodPost, "/api/logging/sessions", token, map[string]interface{}{
		"chat_id":    -100200300,
		"chat_title": "Chat",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "TELEGRAM_SESSION_EXPIRED", body["error_code"])
	assert.Equal(t, 0, ts.Runtime.LaunchCount())
}

func TestSessionMessagesPagination(t *testing.T) {
	ts := testutil.NewTestServer(t)
	userID, token := loggedInUser(t, ts, "+393333000003")

	session := testutil.SeedLoggingSession(t, ts.DB, userID, -100555, "History")
	testutil.SeedMessages(t, ts.DB, session.ID, -100555, 5)

	status, body := ts.Do(t, http.MethodGet, fmt.Sprintf("/api/logging/messages/%d?limit=2&offset=1", session.ID), token, nil)
	require.Equal(t, http.StatusOK, status, "messages: %v", body)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, float64(2), body["limit"])
	assert.Equal(t, float64(1), body["offset"])
	require.Len(t, body["messages"].([]interface{}), 2)

	// Newest first: offset 1 of 5 messages starts at message 4.
	first := body["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(4), first["message_id"])
}

// TestSessionOwnership: another user's session answers 404, never 403,
// so ids do not leak.
func TestSessionOwnership(t *testing.T) {
	ts := testutil.NewTestServer(t)
	ownerID, _ := loggedInUser(t, ts, "+393333000004")
	_, otherToken := loggedInUser(t, ts, "+393333000005")

	session := testutil.SeedLoggingSession(t, ts.DB, ownerID, -100777, "Private")

	status, body := ts.Do(t, http.MethodGet, fmt.Sprintf("/api/logging/messages/%d", session.ID), otherToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["error_code"])

	status, _ = ts.Do(t, http.MethodPost, fmt.Sprintf("/api/logging/sessions/%d/stop", session.ID), otherToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
