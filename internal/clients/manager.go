package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/telegram"
)

// ErrConnectUnavailable is returned when every connect attempt failed.
var ErrConnectUnavailable = errors.New("telegram connection unavailable")

// SessionStore is the slice of the database the manager needs: dropping
// a session blob that Telegram no longer honors.
type SessionStore interface {
	ClearTelegramSession(userID int64) error
}

// Factory builds an unconnected client for a user.
type Factory func(user *database.User) (Client, error)

// NewTelegramFactory is the production factory: decrypts the user's api
// hash and binds the session storage to their users row.
func NewTelegramFactory(db *database.DB, enc *auth.Encryptor, logger zerolog.Logger) Factory {
	return func(user *database.User) (Client, error) {
		if user.APIID == nil || user.APIHashEncrypted == nil {
			return nil, fmt.Errorf("user %d has no telegram api credentials", user.ID)
		}
		apiHash, err := enc.DecryptString(*user.APIHashEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt api hash for user %d: %w", user.ID, err)
		}
		return telegram.NewClient(telegram.ClientConfig{
			APIID:   *user.APIID,
			APIHash: apiHash,
			Phone:   user.Phone,
			Storage: &telegram.DBSessionStorage{DB: db, Encryptor: enc, UserID: user.ID},
			Logger:  logger,
		})
	}
}

// ManagerConfig tunes the ensure loop. Zero values take the defaults.
type ManagerConfig struct {
	ConnectTimeout time.Duration // default 8s
	ProbeTimeout   time.Duration // default 5s
	RetryDelay     time.Duration // default 1s
	MaxAttempts    int           // default 3
}

func (c *ManagerConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 8 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Conn is a usable client plus what the probe learned about it.
type Conn struct {
	Client     Client
	Phone      string
	UserID     int64
	Authorized bool
}

// Manager is the single entry point for "give me a usable client".
// All work for one phone runs under that phone's registry lock.
type Manager struct {
	store    SessionStore
	registry *Registry
	factory  Factory
	cfg      ManagerConfig
	log      zerolog.Logger
}

// NewManager wires the ensure loop over registry and factory.
func NewManager(store SessionStore, registry *Registry, factory Factory, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		store:    store,
		registry: registry,
		factory:  factory,
		cfg:      cfg,
		log:      logger.With().Str("component", "client_manager").Logger(),
	}
}

// Registry exposes the backing registry for sweeps and shutdown.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// EnsureConnected returns a connected client for the user, reusing the
// cached handle when its lease holds, otherwise connecting with up to
// MaxAttempts tries. A probe failure for authorization does not fail the
// ensure: the client comes back with Authorized=false and send-code
// still works on it.
func (m *Manager) EnsureConnected(ctx context.Context, user *database.User) (*Conn, error) {
	unlock := m.registry.LockPhone(user.Phone)
	defer unlock()
	return m.ensureLocked(ctx, user)
}

// EnsureLocked is EnsureConnected for callers that already hold the
// phone's registry lock.
func (m *Manager) EnsureLocked(ctx context.Context, user *database.User) (*Conn, error) {
	return m.ensureLocked(ctx, user)
}

func (m *Manager) ensureLocked(ctx context.Context, user *database.User) (*Conn, error) {
	if h, ok := m.registry.Get(user.Phone); ok {
		return &Conn{Client: h.Client, Phone: h.Phone, UserID: h.UserID, Authorized: h.Authorized}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		client, err := m.factory(user)
		if err != nil {
			return nil, err
		}

		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err = client.Connect(connectCtx)
		cancel()
		if err != nil {
			if fatal := nonRetryable(err); fatal != nil {
				client.Close()
				return nil, fatal
			}
			lastErr = err
			m.log.Warn().Str("phone", user.Phone).Int("attempt", attempt).Err(err).Msg("connect attempt failed")
			client.Close()
			if !m.sleepRetry(ctx) {
				return nil, ctx.Err()
			}
			continue
		}

		authorized, perr := m.probe(ctx, user, client)
		if perr != nil {
			if fatal := nonRetryable(perr); fatal != nil {
				client.Close()
				return nil, fatal
			}
			lastErr = perr
			m.log.Warn().Str("phone", user.Phone).Int("attempt", attempt).Err(perr).Msg("health probe failed")
			client.Close()
			if !m.sleepRetry(ctx) {
				return nil, ctx.Err()
			}
			continue
		}

		h := &Handle{
			Client:     client,
			Phone:      user.Phone,
			UserID:     user.ID,
			CreatedAt:  time.Now(),
			Authorized: authorized,
		}
		m.registry.Put(h)
		m.log.Info().Str("phone", user.Phone).Bool("authorized", authorized).Int("attempt", attempt).Msg("client connected")
		return &Conn{Client: client, Phone: user.Phone, UserID: user.ID, Authorized: authorized}, nil
	}

	return nil, fmt.Errorf("connect %s after %d attempts (%v): %w",
		user.Phone, m.cfg.MaxAttempts, lastErr, ErrConnectUnavailable)
}

// probe runs the "who am I" call. Authorized sessions return true; an
// unauthorized one clears the stored blob (it is dead either way) and
// returns false without error. Anything else is an attempt failure.
func (m *Manager) probe(ctx context.Context, user *database.User, client Client) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	_, err := client.Self(probeCtx)
	if err == nil {
		return true, nil
	}
	if telegram.IsClass(err, telegram.ClassAuthorizationLost) {
		if cerr := m.store.ClearTelegramSession(user.ID); cerr != nil {
			m.log.Error().Int64("user_id", user.ID).Err(cerr).Msg("failed to clear dead session blob")
		}
		return false, nil
	}
	return false, err
}

// nonRetryable returns err when retrying cannot help: Telegram told us
// to back off, or the api credentials themselves were rejected.
func nonRetryable(err error) error {
	if telegram.IsClass(err, telegram.ClassFloodWait) || telegram.IsClass(err, telegram.ClassCredentialsInvalid) {
		return err
	}
	return nil
}

func (m *Manager) sleepRetry(ctx context.Context) bool {
	select {
	case <-time.After(m.cfg.RetryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// Dispose disconnects and forgets the client for phone. Idempotent.
func (m *Manager) Dispose(phone string) {
	m.registry.Evict(phone)
}

// Do runs op against an ensured client. A transport loss evicts the
// handle and retries the whole thing exactly once; a lost authorization
// clears the stored blob and evicts so the caller re-authenticates.
func (m *Manager) Do(ctx context.Context, user *database.User, op func(ctx context.Context, conn *Conn) error) error {
	err := m.doOnce(ctx, user, op)
	if err != nil && telegram.IsClass(err, telegram.ClassTransport) {
		m.log.Warn().Str("phone", user.Phone).Err(err).Msg("transport lost, retrying once")
		m.Dispose(user.Phone)
		err = m.doOnce(ctx, user, op)
	}
	if err != nil && telegram.IsClass(err, telegram.ClassAuthorizationLost) {
		if cerr := m.store.ClearTelegramSession(user.ID); cerr != nil {
			m.log.Error().Int64("user_id", user.ID).Err(cerr).Msg("failed to clear dead session blob")
		}
		m.Dispose(user.Phone)
	}
	return err
}

func (m *Manager) doOnce(ctx context.Context, user *database.User, op func(ctx context.Context, conn *Conn) error) error {
	conn, err := m.EnsureConnected(ctx, user)
	if err != nil {
		return err
	}
	return op(ctx, conn)
}
