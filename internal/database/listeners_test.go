package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestListener(t *testing.T, db *DB, userID int64, chatID int64) *Listener {
	t.Helper()
	listener, err := db.CreateListener(userID, chatID, "Source Chat")
	require.NoError(t, err)
	return listener
}

func TestCreateListener(t *testing.T) {
	db := NewTestDB(t)
	user := CreateTestUser(t, db)

	listener := createTestListener(t, db, user.ID, -300100)

	assert.NotZero(t, listener.ID)
	assert.Equal(t, user.ID, listener.UserID)
	assert.Equal(t, int64(-300100), listener.SourceChatID)
	assert.Equal(t, "Source Chat", listener.SourceChatTitle)
	assert.Equal(t, SessionStatusCreating, listener.Status)
	assert.True(t, listener.IsActive)

	t.Run("duplicate source chat rejected", func(t *testing.T) {
		_, err := db.CreateListener(user.ID, -300100, "Source Chat")
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("still rejected after stop", func(t *testing.T) {
		// The listener row persists across stop/start, so a second create
		// for the same chat loses to it even when parked.
		require.NoError(t, db.StopListener(listener.ID))
		_, err := db.CreateListener(user.ID, -300100, "Source Chat")
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestListenerLifecycle(t *testing.T) {
	db := NewTestDB(t)
	user := CreateTestUser(t, db)
	listener := createTestListener(t, db, user.ID, -300200)

	require.NoError(t, db.SetListenerContainer(listener.ID, "solanagram-listener-1-300200"))
	require.NoError(t, db.UpdateListenerStatus(listener.ID, SessionStatusRunning))

	running, err := db.GetListener(listener.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, running.Status)
	require.NotNil(t, running.ContainerName)

	t.Run("error parks the listener", func(t *testing.T) {
		require.NoError(t, db.MarkListenerError(listener.ID, "container vanished"))

		parked, err := db.GetListener(listener.ID, user.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionStatusError, parked.Status)
		assert.False(t, parked.IsActive)
		assert.NotNil(t, parked.StoppedAt)
		require.NotNil(t, parked.ErrorMessage)
		assert.Equal(t, "container vanished", *parked.ErrorMessage)

		require.NoError(t, db.ReactivateListener(listener.ID))
		require.NoError(t, db.UpdateListenerStatus(listener.ID, SessionStatusRunning))
	})

	t.Run("stop then reactivate", func(t *testing.T) {
		require.NoError(t, db.StopListener(listener.ID))

		parked, err := db.GetListener(listener.ID, user.ID)
		require.NoError(t, err)
		assert.False(t, parked.IsActive)
		assert.Equal(t, SessionStatusStopped, parked.Status)
		assert.NotNil(t, parked.StoppedAt)

		require.NoError(t, db.ReactivateListener(listener.ID))

		revived, err := db.GetListener(listener.ID, user.ID)
		require.NoError(t, err)
		assert.True(t, revived.IsActive)
		assert.Equal(t, SessionStatusCreating, revived.Status)
		assert.Nil(t, revived.StoppedAt)
		assert.Nil(t, revived.ErrorMessage)
	})

	t.Run("delete cascades to children", func(t *testing.T) {
		elab, err := db.CreateElaboration(context.Background(), listener.ID, "extract-ca", ElaborationTypeExtractor,
			json.RawMessage(`{"extraction_rules":[{"rule_name":"ca","search_text":"CA: ","extract_length":44}]}`), 0)
		require.NoError(t, err)

		savedID, inserted, err := db.InsertSavedMessage(&SavedMessage{
			ListenerID: listener.ID,
			UserID:     user.ID,
			MessageID:  1,
		})
		require.NoError(t, err)
		require.True(t, inserted)

		_, err = db.InsertExtractedValue(&ExtractedValue{
			ElaborationID:  elab.ID,
			SavedMessageID: savedID,
			MessageID:      1,
			RuleName:       "ca",
			ExtractedValue: "abc",
		})
		require.NoError(t, err)

		require.NoError(t, db.DeleteListener(listener.ID, user.ID))

		_, err = db.GetListener(listener.ID, user.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		elabs, err := db.ListElaborations(listener.ID)
		require.NoError(t, err)
		assert.Empty(t, elabs)

		messages, err := db.ListSavedMessages(listener.ID, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("delete scoped to owner", func(t *testing.T) {
		other := CreateTestUser(t, db)
		fresh := createTestListener(t, db, user.ID, -300201)
		assert.ErrorIs(t, db.DeleteListener(fresh.ID, other.ID), ErrNotFound)
	})
}

func TestListListenerSummaries(t *testing.T) {
	db := NewTestDB(t)
	user := CreateTestUser(t, db)
	listener := createTestListener(t, db, user.ID, -300300)

	_, err := db.CreateElaboration(context.Background(), listener.ID, "fwd", ElaborationTypeRedirect,
		json.RawMessage(`{"target_chat_id":-300999}`), 0)
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		_, inserted, err := db.InsertSavedMessage(&SavedMessage{
			ListenerID: listener.ID,
			UserID:     user.ID,
			MessageID:  i,
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	summaries, err := db.ListListenerSummaries(user.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, listener.ID, s.ID)
	assert.Equal(t, int64(1), s.ActiveElaborations)
	assert.Equal(t, int64(4), s.SavedMessageCount)
	assert.NotNil(t, s.LastMessageAt)

	t.Run("parked listeners drop out", func(t *testing.T) {
		require.NoError(t, db.StopListener(listener.ID))
		summaries, err := db.ListListenerSummaries(user.ID)
		require.NoError(t, err)
		assert.Empty(t, summaries)
	})
}
