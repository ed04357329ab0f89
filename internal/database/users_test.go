package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	db := NewTestDB(t)

	user, err := db.CreateUser("+393331112233", "hashed-password", 12345, "encrypted-hash")
	require.NoError(t, err)
	require.NotNil(t, user)

	assert.NotZero(t, user.ID)
	assert.Equal(t, "+393331112233", user.Phone)
	assert.Equal(t, "hashed-password", user.PasswordHash)
	require.NotNil(t, user.APIID)
	assert.Equal(t, 12345, *user.APIID)
	require.NotNil(t, user.APIHashEncrypted)
	assert.Equal(t, "encrypted-hash", *user.APIHashEncrypted)
	assert.Nil(t, user.TelegramSession)
	assert.True(t, user.IsActive)
	assert.Nil(t, user.LastLogin)
	assert.False(t, user.CreatedAt.IsZero())

	t.Run("duplicate phone rejected", func(t *testing.T) {
		_, err := db.CreateUser("+393331112233", "other-password", 678, "other-hash")
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestTouchLastLogin(t *testing.T) {
	db := NewTestDB(t)
	created := CreateTestUser(t, db)

	require.NoError(t, db.TouchLastLogin(created.ID))

	user, err := db.GetUserByID(created.ID)
	require.NoError(t, err)
	require.NotNil(t, user.LastLogin)
	assert.WithinDuration(t, time.Now(), *user.LastLogin, 5*time.Second)
}

func TestGetUserByPhone(t *testing.T) {
	db := NewTestDB(t)
	created := CreateTestUser(t, db)

	user, err := db.GetUserByPhone(created.Phone)
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	assert.Equal(t, created.Phone, user.Phone)

	t.Run("unknown phone", func(t *testing.T) {
		_, err := db.GetUserByPhone("+390000000000")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetUserByID(t *testing.T) {
	db := NewTestDB(t)
	created := CreateTestUser(t, db)

	user, err := db.GetUserByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Phone, user.Phone)

	t.Run("unknown id", func(t *testing.T) {
		_, err := db.GetUserByID(999999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateUserCredentials(t *testing.T) {
	db := NewTestDB(t)
	user := CreateTestUser(t, db)

	err := db.UpdateUserCredentials(user.ID, 99999, "rotated-hash")
	require.NoError(t, err)

	updated, err := db.GetUserByID(user.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.APIID)
	assert.Equal(t, 99999, *updated.APIID)
	require.NotNil(t, updated.APIHashEncrypted)
	assert.Equal(t, "rotated-hash", *updated.APIHashEncrypted)
	// Credential rotation invalidates the stored session
	assert.Nil(t, updated.TelegramSession)
}

func TestTelegramSessionRoundTrip(t *testing.T) {
	db := NewTestDB(t)
	user := CreateTestUser(t, db)

	err := db.SetTelegramSession(user.ID, "encrypted-session-blob")
	require.NoError(t, err)

	got, err := db.GetUserByID(user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TelegramSession)
	assert.Equal(t, "encrypted-session-blob", *got.TelegramSession)

	err = db.ClearTelegramSession(user.ID)
	require.NoError(t, err)

	got, err = db.GetUserByID(user.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TelegramSession)
}

func TestUpdateUserPassword(t *testing.T) {
	db := NewTestDB(t)
	user := CreateTestUser(t, db)

	err := db.UpdateUserPassword(user.ID, "new-hash")
	require.NoError(t, err)

	got, err := db.GetUserByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
}
