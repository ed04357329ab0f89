package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	tgauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// closeGrace caps how long Close waits for the run goroutine to unwind.
const closeGrace = 5 * time.Second

// Client is one user's MTProto connection. The gotd client owns its
// lifecycle through Run; Connect starts that goroutine and waits until
// the API handle is usable. All Telegram calls go through the bridge, so
// a client is never driven from two schedulers at once.
type Client struct {
	apiID   int
	apiHash string
	phone   string
	log     zerolog.Logger

	tc *telegram.Client

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	api     *tg.Client
	runErr  error

	ready chan struct{}
	done  chan struct{}
}

// ClientConfig holds what a client needs to connect as one user.
type ClientConfig struct {
	APIID   int
	APIHash string
	Phone   string
	Storage session.Storage
	Logger  zerolog.Logger

	// UpdateHandler receives raw updates; workers set it, the
	// orchestrator leaves it nil.
	UpdateHandler telegram.UpdateHandler
}

// NewClient builds an unconnected client. Requests are paced at one per
// 100ms with small bursts so one user cannot trip Telegram's limiter.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, fmt.Errorf("telegram api credentials are required")
	}

	c := &Client{
		apiID:   cfg.APIID,
		apiHash: cfg.APIHash,
		phone:   cfg.Phone,
		log:     cfg.Logger.With().Str("component", "telegram").Str("phone", cfg.Phone).Logger(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.tc = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: cfg.Storage,
		UpdateHandler:  cfg.UpdateHandler,
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Every(100*time.Millisecond), 5),
		},
	})

	return c, nil
}

// Connect starts the client and blocks until the API handle is ready,
// the run loop dies, or ctx expires. Callers bound ctx with the connect
// timeout; on expiry the half-open client is torn down.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.ready:
			return nil
		default:
			return fmt.Errorf("connect already in progress")
		}
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		err := c.tc.Run(runCtx, func(ctx context.Context) error {
			c.mu.Lock()
			c.api = c.tc.API()
			c.mu.Unlock()
			close(c.ready)

			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.mu.Lock()
			c.runErr = err
			c.mu.Unlock()
			c.log.Debug().Err(err).Msg("client run loop ended")
		}
	}()

	select {
	case <-c.ready:
		c.log.Debug().Msg("client connected")
		return nil
	case <-c.done:
		return Classify(fmt.Errorf("client terminated during connect: %w", c.runError()))
	case <-ctx.Done():
		c.Close()
		return Classify(fmt.Errorf("connect: %w", ctx.Err()))
	}
}

func (c *Client) runError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runErr != nil {
		return c.runErr
	}
	return errors.New("run loop stopped")
}

// Connected reports whether the run loop is up with a usable API handle.
func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// API returns the raw API handle, or nil before Connect completes.
func (c *Client) API() *tg.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api
}

func (c *Client) apiOrErr() (*tg.Client, error) {
	if !c.Connected() {
		return nil, classified(ClassTransport, "client is not connected", nil)
	}
	return c.API(), nil
}

// Close tears the client down; the session blob already persisted through
// the storage survives. Safe to call at any time, more than once.
func (c *Client) Close() {
	c.mu.Lock()
	stop := c.stop
	started := c.started
	c.mu.Unlock()

	if !started {
		return
	}
	if stop != nil {
		stop()
	}
	select {
	case <-c.done:
	case <-time.After(closeGrace):
		c.log.Warn().Msg("client did not stop within grace period")
	}
}

// SentCode is what Telegram returns for a send-code request; the hash
// must accompany the eventual sign-in.
type SentCode struct {
	PhoneCodeHash string
}

// SendCode asks Telegram to deliver a login code to phone.
func (c *Client) SendCode(ctx context.Context, phone string) (*SentCode, error) {
	api, err := c.apiOrErr()
	if err != nil {
		return nil, err
	}

	sent, err := api.AuthSendCode(ctx, &tg.AuthSendCodeRequest{
		PhoneNumber: phone,
		APIID:       c.apiID,
		APIHash:     c.apiHash,
		Settings:    tg.CodeSettings{},
	})
	if err != nil {
		return nil, Classify(err)
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return nil, classified(ClassTelegramError, fmt.Sprintf("unexpected sent code type %T", sent), nil)
	}
	c.log.Info().Msg("login code sent")
	return &SentCode{PhoneCodeHash: code.PhoneCodeHash}, nil
}

// SignIn completes the login with the code the user received. A cloud
// password comes back as ClassNeeds2FA.
func (c *Client) SignIn(ctx context.Context, phone, codeHash, code string) error {
	api, err := c.apiOrErr()
	if err != nil {
		return err
	}

	res, err := api.AuthSignIn(ctx, &tg.AuthSignInRequest{
		PhoneNumber:   phone,
		PhoneCodeHash: codeHash,
		PhoneCode:     code,
	})
	if err != nil {
		return Classify(err)
	}

	switch res.(type) {
	case *tg.AuthAuthorization:
		c.log.Info().Msg("signed in")
		return nil
	case *tg.AuthAuthorizationSignUpRequired:
		return classified(ClassTelegramError, "phone number has no telegram account", nil)
	default:
		return classified(ClassTelegramError, fmt.Sprintf("unexpected auth result %T", res), nil)
	}
}

// SignInPassword completes a 2FA login with the cloud password.
func (c *Client) SignInPassword(ctx context.Context, password string) error {
	if !c.Connected() {
		return classified(ClassTransport, "client is not connected", nil)
	}
	if _, err := c.tc.Auth().Password(ctx, password); err != nil {
		return Classify(err)
	}
	c.log.Info().Msg("signed in with password")
	return nil
}

// Self is the lightweight "who am I" probe. An unauthorized session
// comes back as ClassAuthorizationLost.
func (c *Client) Self(ctx context.Context) (*tg.User, error) {
	if !c.Connected() {
		return nil, classified(ClassTransport, "client is not connected", nil)
	}
	user, err := c.tc.Self(ctx)
	if err != nil {
		if tgauth.IsUnauthorized(err) {
			return nil, classified(ClassAuthorizationLost, "session is not authorized", err)
		}
		return nil, Classify(err)
	}
	return user, nil
}

// Authorized reports whether the stored session is signed in.
func (c *Client) Authorized(ctx context.Context) (bool, error) {
	if !c.Connected() {
		return false, classified(ClassTransport, "client is not connected", nil)
	}
	status, err := c.tc.Auth().Status(ctx)
	if err != nil {
		return false, Classify(err)
	}
	return status.Authorized, nil
}

// Logout revokes the session on Telegram's side.
func (c *Client) Logout(ctx context.Context) error {
	api, err := c.apiOrErr()
	if err != nil {
		return err
	}
	if _, err := api.AuthLogOut(ctx); err != nil {
		return Classify(err)
	}
	c.log.Info().Msg("logged out")
	return nil
}
