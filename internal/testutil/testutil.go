// Package testutil assembles the full HTTP stack over a test database
// for end-to-end tests: real handlers, auth, flow controller and
// supervisor, with the MTProto client and the container engine swapped
// for scriptable fakes.
package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/authflow"
	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/metrics"
	"github.com/solanagram/backend/internal/mocks"
	"github.com/solanagram/backend/internal/server"
	"github.com/solanagram/backend/internal/workers"
)

// TestServer is the assembled stack. Telegram and Runtime are the
// fakes; everything else is the real thing running against the
// TEST_DATABASE_URL database.
type TestServer struct {
	DB         *database.DB
	Enc        *auth.Encryptor
	Telegram   *mocks.TelegramClient
	Runtime    *mocks.ContainerRuntime
	Registry   *clients.Registry
	Manager    *clients.Manager
	Flow       *authflow.Controller
	Supervisor *workers.Supervisor
	Tokens     *auth.TokenService
	Logins     *metrics.LoginTracker
	HTTP       *httptest.Server
}

// NewTestServer builds the stack. The default Telegram fake answers
// every call successfully and persists an encrypted session blob on
// sign-in, the way a completed MTProto login would; tests script the
// Fn fields for failures.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	db := database.NewTestDB(t)
	enc := NewTestEncryptor(t)

	ts := &TestServer{
		DB:       db,
		Enc:      enc,
		Telegram: &mocks.TelegramClient{},
		Runtime:  &mocks.ContainerRuntime{},
	}
	ts.Telegram.SignInFn = func(ctx context.Context, phone, codeHash, code string) error {
		return ts.PersistSession(phone)
	}

	ts.Registry = clients.NewRegistry(5*time.Minute, zerolog.Nop())
	t.Cleanup(ts.Registry.Shutdown)

	ts.Manager = clients.NewManager(db, ts.Registry, func(user *database.User) (clients.Client, error) {
		return ts.Telegram, nil
	}, clients.ManagerConfig{RetryDelay: time.Millisecond}, zerolog.Nop())
	ts.Flow = authflow.NewController(ts.Manager, zerolog.Nop())

	ts.Supervisor = workers.NewSupervisor(db, ts.Runtime, workers.NewBundleStore(t.TempDir()), enc, nil, workers.SupervisorConfig{
		DatabaseURL: "postgres://worker:pw@db:5432/solanagram",
	}, zerolog.Nop())

	ts.Tokens = auth.NewTokenService("test-jwt-secret", time.Hour)
	ts.Logins = metrics.NewLoginTracker()

	srv := server.New(server.ServerConfig{
		DB:         db,
		Manager:    ts.Manager,
		Flow:       ts.Flow,
		Supervisor: ts.Supervisor,
		Tokens:     ts.Tokens,
		Encryptor:  enc,
		Logins:     ts.Logins,
		Logger:     zerolog.Nop(),
	})

	ts.HTTP = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.HTTP.Close)

	return ts
}

// NewTestEncryptor builds an encryptor from a fixed 32-byte key.
func NewTestEncryptor(t *testing.T) *auth.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := auth.NewEncryptor(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return enc
}

// PersistSession writes an encrypted session blob for the user owning
// phone, the way the session storage does after a real sign-in.
func (ts *TestServer) PersistSession(phone string) error {
	user, err := ts.DB.GetUserByPhone(phone)
	if err != nil {
		return err
	}
	blob, err := ts.Enc.EncryptString(fmt.Sprintf(`{"dc":2,"auth_key":"test-key","phone":%q}`, phone))
	if err != nil {
		return err
	}
	return ts.DB.SetTelegramSession(user.ID, blob)
}

// Do sends one JSON request and decodes the JSON answer.
func (ts *TestServer) Do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.HTTP.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "response body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// Register creates a user through the API, the way real clients do.
func (ts *TestServer) Register(t *testing.T, phone, password string) int64 {
	t.Helper()
	status, body := ts.Do(t, http.MethodPost, "/api/auth/register", "", map[string]interface{}{
		"phone":    phone,
		"password": password,
		"api_id":   12345,
		"api_hash": "0123456789abcdef",
	})
	require.Equal(t, http.StatusCreated, status, "register: %v", body)
	return int64(body["user_id"].(float64))
}

// Token issues a bearer token directly, skipping the login dance.
func (ts *TestServer) Token(t *testing.T, userID int64, phone string) string {
	t.Helper()
	tok, err := ts.Tokens.Issue(userID, phone)
	require.NoError(t, err)
	return tok
}

// WithSession stores a session blob for the user directly, as a
// completed login would.
func (ts *TestServer) WithSession(t *testing.T, userID int64) {
	t.Helper()
	blob, err := ts.Enc.EncryptString(`{"dc":2,"auth_key":"test-key"}`)
	require.NoError(t, err)
	require.NoError(t, ts.DB.SetTelegramSession(userID, blob))
}

// User reloads the user row for assertions.
func (ts *TestServer) User(t *testing.T, userID int64) *database.User {
	t.Helper()
	user, err := ts.DB.GetUserByID(userID)
	require.NoError(t, err)
	return user
}
