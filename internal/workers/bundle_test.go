package workers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleWrite(t *testing.T) {
	store := NewBundleStore(t.TempDir())

	cfg := &WorkerConfig{
		UserID:      7,
		Phone:       "+393331112233",
		APIID:       12345,
		DatabaseURL: "postgres://worker@db/solanagram",
		SessionID:   3,
		ChatID:      -1001234567890,
		ChatTitle:   "Gems",
	}
	dir, err := store.Write("solanagram-log-7-1001234567890", cfg, []byte("session-bytes"), "hash123")
	require.NoError(t, err)
	assert.Equal(t, store.Dir("solanagram-log-7-1001234567890"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	var got WorkerConfig
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, *cfg, got)

	for _, name := range []string{ConfigFileName, SessionFileName, APIHashFileName} {
		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, os.FileMode(0600), fi.Mode().Perm(), name)
	}

	session, err := os.ReadFile(filepath.Join(dir, SessionFileName))
	require.NoError(t, err)
	assert.Equal(t, "session-bytes", string(session))

	hash, err := os.ReadFile(filepath.Join(dir, APIHashFileName))
	require.NoError(t, err)
	assert.Equal(t, "hash123", string(hash))

	t.Run("rewrite clears leftovers", func(t *testing.T) {
		require.NoError(t, store.WriteElaborations("solanagram-log-7-1001234567890", nil))

		_, err := store.Write("solanagram-log-7-1001234567890", cfg, []byte("new"), "hash123")
		require.NoError(t, err)

		_, err = os.Stat(filepath.Join(dir, ElaborationsFileName))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("wipe removes the bundle", func(t *testing.T) {
		require.NoError(t, store.Wipe("solanagram-log-7-1001234567890"))
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("wipe of a missing bundle succeeds", func(t *testing.T) {
		assert.NoError(t, store.Wipe("never-existed"))
	})
}

func TestWriteElaborations(t *testing.T) {
	store := NewBundleStore(t.TempDir())

	_, err := store.Write("c1", &WorkerConfig{UserID: 1}, []byte("s"), "h")
	require.NoError(t, err)

	elabs := []ElaborationConfig{
		{ID: 1, Name: "extract-ca", Type: "extractor", Priority: 0, Config: json.RawMessage(`{"extraction_rules":[]}`)},
		{ID: 2, Name: "forward", Type: "redirect", Priority: 1, Config: json.RawMessage(`{"target_chat_id":-100}`)},
	}
	require.NoError(t, store.WriteElaborations("c1", elabs))

	raw, err := os.ReadFile(filepath.Join(store.Dir("c1"), ElaborationsFileName))
	require.NoError(t, err)
	var got []ElaborationConfig
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "extract-ca", got[0].Name)
	assert.Equal(t, "forward", got[1].Name)

	t.Run("missing bundle is an error", func(t *testing.T) {
		assert.Error(t, store.WriteElaborations("ghost", elabs))
	})
}
