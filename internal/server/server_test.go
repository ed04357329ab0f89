package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
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

// serverRig is a full HTTP stack over a test database: real handlers,
// auth, flow controller and supervisor, with the Telegram client and
// the container engine faked out.
type serverRig struct {
	db      *database.DB
	enc     *auth.Encryptor
	tg      *mocks.TelegramClient
	runtime *mocks.ContainerRuntime
	flow    *authflow.Controller
	manager *clients.Manager
	tokens  *auth.TokenService
	logins  *metrics.LoginTracker
	srv     *httptest.Server
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()

	db := database.NewTestDB(t)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := auth.NewEncryptor(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	rig := &serverRig{db: db, enc: enc, tg: &mocks.TelegramClient{}}

	registry := clients.NewRegistry(5*time.Minute, zerolog.Nop())
	rig.manager = clients.NewManager(db, registry, func(user *database.User) (clients.Client, error) {
		return rig.tg, nil
	}, clients.ManagerConfig{RetryDelay: time.Millisecond}, zerolog.Nop())
	rig.flow = authflow.NewController(rig.manager, zerolog.Nop())

	rig.runtime = &mocks.ContainerRuntime{}
	sup := workers.NewSupervisor(db, rig.runtime, workers.NewBundleStore(t.TempDir()), enc, nil, workers.SupervisorConfig{
		DatabaseURL: "postgres://worker:pw@db:5432/solanagram",
	}, zerolog.Nop())

	rig.tokens = auth.NewTokenService("test-jwt-secret", time.Hour)
	rig.logins = metrics.NewLoginTracker()

	srv := server.New(server.ServerConfig{
		DB:         db,
		Manager:    rig.manager,
		Flow:       rig.flow,
		Supervisor: sup,
		Tokens:     rig.tokens,
		Encryptor:  enc,
		Logins:     rig.logins,
		Logger:     zerolog.Nop(),
	})

	rig.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(rig.srv.Close)

	return rig
}

// do sends one JSON request and decodes the JSON answer.
func (rig *serverRig) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, rig.srv.URL+path, reader)
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

// register creates a user through the API, the way real clients do.
func (rig *serverRig) register(t *testing.T, phone, password string) int64 {
	t.Helper()
	status, body := rig.do(t, http.MethodPost, "/api/auth/register", "", map[string]interface{}{
		"phone":    phone,
		"password": password,
		"api_id":   12345,
		"api_hash": "0123456789abcdef",
	})
	require.Equal(t, http.StatusCreated, status, "register: %v", body)
	return int64(body["user_id"].(float64))
}

// withSession stores a Telegram session blob for the user, as a
// completed login would.
func (rig *serverRig) withSession(t *testing.T, userID int64) {
	t.Helper()
	blob, err := rig.enc.EncryptString(`{"dc":2,"auth_key":"fake"}`)
	require.NoError(t, err)
	require.NoError(t, rig.db.SetTelegramSession(userID, blob))
}

func (rig *serverRig) token(t *testing.T, userID int64, phone string) string {
	t.Helper()
	tok, err := rig.tokens.Issue(userID, phone)
	require.NoError(t, err)
	return tok
}

func TestCORSPreflight(t *testing.T) {
	rig := newServerRig(t)

	req, err := http.NewRequest(http.MethodOptions, rig.srv.URL+"/api/auth/login", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestAuthRequired(t *testing.T) {
	rig := newServerRig(t)

	t.Run("missing token", func(t *testing.T) {
		status, body := rig.do(t, http.MethodGet, "/api/telegram/get-chats", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "UNAUTHORIZED", body["error_code"])
	})

	t.Run("garbage token", func(t *testing.T) {
		status, body := rig.do(t, http.MethodGet, "/api/telegram/get-chats", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "UNAUTHORIZED", body["error_code"])
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		other := auth.NewTokenService("some-other-secret", time.Hour)
		tok, err := other.Issue(1, "+393331111111")
		require.NoError(t, err)

		status, _ := rig.do(t, http.MethodGet, "/api/telegram/get-chats", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestHealth(t *testing.T) {
	rig := newServerRig(t)

	status, body := rig.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])

	services := body["services"].(map[string]interface{})
	assert.Equal(t, "connected", services["database"])
	assert.Equal(t, "connected", services["docker"])

	t.Run("degraded when docker is down", func(t *testing.T) {
		rig.runtime.PingFn = func(ctx context.Context) error {
			return errors.New("cannot connect to the docker daemon")
		}
		defer func() { rig.runtime.PingFn = nil }()

		status, body := rig.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, "degraded", body["status"])

		services := body["services"].(map[string]interface{})
		assert.Equal(t, "connected", services["database"])
		assert.Contains(t, services["docker"], "error:")
	})
}

func TestMetricsExposition(t *testing.T) {
	rig := newServerRig(t)

	// At least one observed request so the labeled counters have series.
	status, _ := rig.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(rig.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "solanagram_http_requests_total")
	assert.Contains(t, string(raw), "solanagram_login_duration_seconds")
}

func TestUnknownRoute(t *testing.T) {
	rig := newServerRig(t)

	status, _ := rig.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
