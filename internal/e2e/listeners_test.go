package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/testutil"
)

// TestListenerLifecycle walks create, duplicate, stop, restart and
// delete for one source chat.
func TestListenerLifecycle(t *testing.T) {
	ts := testutil.NewTestServer(t)
	userID, token := loggedInUser(t, ts, "+393334000001")

	status, body := ts.Do(t, http.MethodPost, "/api/listeners", token, map[string]interface{}{
		"source_chat_id":    -1009876543210,
		"source_chat_title": "Crypto Pumps",
	})
	require.Equal(t, http.StatusCreated, status, "create: %v", body)
	listener := body["listener"].(map[string]interface{})
	listenerID := int64(listener["id"].(float64))
	assert.Equal(t, "running", listener["status"])

	name := fmt.Sprintf("solanagram-listener-%d-%d-crypto_pumps", userID, listenerID)
	container := ts.Runtime.Container(name)
	require.NotNil(t, container, "listener container launched")
	assert.Contains(t, container.Spec.Env, "MODE=listener")

	t.Run("duplicate chat conflicts", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodPost, "/api/listeners", token, map[string]interface{}{
			"source_chat_id":    -1009876543210,
			"source_chat_title": "Crypto Pumps",
		})
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "LISTENER_EXISTS", body["error_code"])
	})

	t.Run("start while running conflicts", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodPost, fmt.Sprintf("/api/listeners/%d/start", listenerID), token, nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "LISTENER_ACTIVE", body["error_code"])
	})

	t.Run("stop and restart", func(t *testing.T) {
		status, _ := ts.Do(t, http.MethodPost, fmt.Sprintf("/api/listeners/%d/stop", listenerID), token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Nil(t, ts.Runtime.Container(name))

		status, body := ts.Do(t, http.MethodPost, fmt.Sprintf("/api/listeners/%d/start", listenerID), token, nil)
		require.Equal(t, http.StatusOK, status, "restart: %v", body)
		restarted := body["listener"].(map[string]interface{})
		assert.Equal(t, float64(listenerID), restarted["id"], "restart keeps the same row")
		require.NotNil(t, ts.Runtime.Container(name))
	})

	t.Run("delete tears down", func(t *testing.T) {
		status, _ := ts.Do(t, http.MethodDelete, fmt.Sprintf("/api/listeners/%d", listenerID), token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Nil(t, ts.Runtime.Container(name))

		status, body := ts.Do(t, http.MethodGet, "/api/listeners", token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Empty(t, body["listeners"].([]interface{}))
	})
}

// TestElaborationPipeline covers the elaboration CRUD and the live push
// to the running worker: every mutation rewrites the bundle and sends
// SIGHUP.
func TestElaborationPipeline(t *testing.T) {
	ts := testutil.NewTestServer(t)
	userID, token := loggedInUser(t, ts, "+393334000002")

	status, body := ts.Do(t, http.MethodPost, "/api/listeners", token, map[string]interface{}{
		"source_chat_id":    -1001112223334,
		"source_chat_title": "Gems",
	})
	require.Equal(t, http.StatusCreated, status, "create listener: %v", body)
	listenerID := int64(body["listener"].(map[string]interface{})["id"].(float64))
	name := fmt.Sprintf("solanagram-listener-%d-%d-gems", userID, listenerID)

	base := fmt.Sprintf("/api/listeners/%d/elaborations", listenerID)

	status, body = ts.Do(t, http.MethodPost, base, token, map[string]interface{}{
		"name":             "contract extractor",
		"elaboration_type": "extractor",
		"config": map[string]interface{}{
			"extraction_rules": []map[string]interface{}{
				{"rule_name": "ca", "search_text": "CA: ", "extract_length": 44},
			},
		},
		"priority": 1,
	})
	require.Equal(t, http.StatusCreated, status, "create extractor: %v", body)
	elabID := int64(body["elaboration"].(map[string]interface{})["id"].(float64))
	assert.Contains(t, ts.Runtime.Signals(), name+":SIGHUP", "worker reloads after create")

	t.Run("single redirect per listener", func(t *testing.T) {
		redirect := map[string]interface{}{
			"name":             "forward to private",
			"elaboration_type": "redirect",
			"config":           map[string]interface{}{"target_chat_id": 42},
		}
		status, body := ts.Do(t, http.MethodPost, base, token, redirect)
		require.Equal(t, http.StatusCreated, status, "create redirect: %v", body)

		redirect["name"] = "second redirect"
		status, body = ts.Do(t, http.MethodPost, base, token, redirect)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "REDIRECT_EXISTS", body["error_code"])
	})

	t.Run("update pushes the new pipeline", func(t *testing.T) {
		signalsBefore := len(ts.Runtime.Signals())

		status, body := ts.Do(t, http.MethodPut, fmt.Sprintf("%s/%d", base, elabID), token, map[string]interface{}{
			"is_active": false,
		})
		require.Equal(t, http.StatusOK, status, "update: %v", body)
		assert.Equal(t, false, body["elaboration"].(map[string]interface{})["is_active"])
		assert.Greater(t, len(ts.Runtime.Signals()), signalsBefore)
	})

	t.Run("list", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodGet, base, token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, body["elaborations"].([]interface{}), 2)
	})

	t.Run("delete", func(t *testing.T) {
		status, _ := ts.Do(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, elabID), token, nil)
		require.Equal(t, http.StatusOK, status)

		status, body := ts.Do(t, http.MethodGet, base, token, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, body["elaborations"].([]interface{}), 1)
	})
}

// TestListenerData reads back what a worker captured: saved messages
// and extracted values, newest first.
func TestListenerData(t *testing.T) {
	ts := testutil.NewTestServer(t)
	userID, token := loggedInUser(t, ts, "+393334000003")

	listener := testutil.SeedListener(t, ts.DB, userID, -100444, "Source")
	elab := testutil.SeedElaboration(t, ts.DB, listener.ID, "ca rule", database.ElaborationTypeExtractor,
		`{"extraction_rules":[{"rule_name":"ca","search_text":"CA: ","extract_length":8}]}`, 0)

	savedID := testutil.SeedSavedMessage(t, ts.DB, listener.ID, userID, 501, "New gem CA: AbCd1234")
	pos := 12
	inserted, err := ts.DB.InsertExtractedValue(&database.ExtractedValue{
		ElaborationID:      elab.ID,
		SavedMessageID:     savedID,
		MessageID:          501,
		RuleName:           "ca",
		SearchText:         "CA: ",
		ExtractedValue:     "AbCd1234",
		OccurrenceIndex:    0,
		ExtractionPosition: &pos,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	t.Run("messages", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodGet, fmt.Sprintf("/api/listeners/%d/messages", listener.ID), token, nil)
		require.Equal(t, http.StatusOK, status, "messages: %v", body)
		messages := body["messages"].([]interface{})
		require.Len(t, messages, 1)
		assert.Equal(t, "New gem CA: AbCd1234", messages[0].(map[string]interface{})["message_text"])
	})

	t.Run("extracted values", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodGet, fmt.Sprintf("/api/listeners/%d/extracted-values", listener.ID), token, nil)
		require.Equal(t, http.StatusOK, status, "values: %v", body)
		values := body["extracted_values"].([]interface{})
		require.Len(t, values, 1)
		value := values[0].(map[string]interface{})
		assert.Equal(t, "AbCd1234", value["extracted_value"])
		assert.Equal(t, "ca", value["rule_name"])
	})

	t.Run("summaries include counts", func(t *testing.T) {
		status, body := ts.Do(t, http.MethodGet, "/api/listeners", token, nil)
		require.Equal(t, http.StatusOK, status)
		listeners := body["listeners"].([]interface{})
		require.Len(t, listeners, 1)
		summary := listeners[0].(map[string]interface{})
		assert.Equal(t, float64(1), summary["saved_message_count"])
		assert.Equal(t, float64(1), summary["active_elaborations"])
	})

	t.Run("other users see nothing", func(t *testing.T) {
		_, otherToken := loggedInUser(t, ts, "+393334000004")
		status, _ := ts.Do(t, http.MethodGet, fmt.Sprintf("/api/listeners/%d/messages", listener.ID), otherToken, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}
