package database

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestDB connects to the database named by TEST_DATABASE_URL, runs
// migrations and truncates all tables so every test starts clean. Tests
// are skipped when the variable is not set.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := New(url)
	require.NoError(t, err, "failed to open test database")

	truncateAll(t, db)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func truncateAll(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.Exec(`
		TRUNCATE users, logging_sessions, message_logs, message_listeners,
			message_elaborations, saved_messages, elaboration_extracted_values
		RESTART IDENTITY CASCADE
	`)
	require.NoError(t, err, "failed to truncate test tables")
}

var testUserCounter int64

// CreateTestUser inserts a user with a unique phone for testing. The
// password hash is a placeholder; tests exercising real password checks
// create their users through the auth handlers instead.
func CreateTestUser(t *testing.T, db *DB) *User {
	t.Helper()
	return CreateTestUserWithCredentials(t, db, 12345, "test-encrypted-hash")
}

// CreateTestUserWithCredentials inserts a user with the given Telegram
// API credentials attached.
func CreateTestUserWithCredentials(t *testing.T, db *DB, apiID int, apiHashEncrypted string) *User {
	t.Helper()
	n := atomic.AddInt64(&testUserCounter, 1)

	phone := fmt.Sprintf("+3933300%05d", n)
	user, err := db.CreateUser(phone, "test-password-hash", apiID, apiHashEncrypted)
	require.NoError(t, err, "failed to create test user")

	return user
}

// StringPtr returns a pointer to the given string
func StringPtr(s string) *string {
	return &s
}

// Int64Ptr returns a pointer to the given int64
func Int64Ptr(i int64) *int64 {
	return &i
}
