package authflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/telegram"
)

// codeTTL is how long a sent login code stays usable in the cache.
const codeTTL = 120 * time.Second

var (
	// ErrMissingCredentials means the user never saved api_id/api_hash.
	ErrMissingCredentials = errors.New("telegram api credentials not set")
	// ErrNoPendingCode means verify was called without a preceding send.
	ErrNoPendingCode = errors.New("no pending login code")
)

// State is where a phone sits in the login state machine.
type State string

const (
	StateIdle        State = "idle"
	StateCodeSent    State = "code_sent"
	StateNeeds2FA    State = "needs_2fa"
	StateAuthorized  State = "authorized"
	StateRateLimited State = "rate_limited"
)

// Status is the outcome of a send-code request.
type Status string

const (
	// StatusCodeSent means Telegram delivered a fresh code.
	StatusCodeSent Status = "code_sent"
	// StatusCachedCodeAvailable means a previously sent code is still
	// valid and no new one was requested.
	StatusCachedCodeAvailable Status = "cached_code_available"
)

// VerifyResult is the outcome of a successful verify call.
type VerifyResult string

const (
	VerifyAuthorized VerifyResult = "authorized"
	VerifyNeeds2FA   VerifyResult = "needs_2fa"
)

// pendingCode is the cached login code for one phone. Created on send
// with just the hash; the submitted code is written back on a
// successful verify so later calls can reuse it until expiry.
type pendingCode struct {
	Hash      string
	Code      string
	ExpiresAt time.Time
	Attempts  int
	Verified  bool
}

type flowState struct {
	state        State
	code         *pendingCode
	limitedUntil time.Time
}

// Controller drives the per-phone Telegram login state machine:
// send code, verify, optional 2FA password, and reactivation of a
// stored session. All transitions for one phone run under that
// phone's registry lock; different phones proceed in parallel.
type Controller struct {
	manager *clients.Manager
	log     zerolog.Logger

	mu    sync.Mutex
	flows map[string]*flowState
}

// NewController builds the login state machine on top of the client
// manager.
func NewController(manager *clients.Manager, logger zerolog.Logger) *Controller {
	return &Controller{
		manager: manager,
		log:     logger.With().Str("component", "auth_flow").Logger(),
		flows:   make(map[string]*flowState),
	}
}

// SendCode asks Telegram to deliver a login code to the user's phone.
// A still-valid pending code short-circuits to
// StatusCachedCodeAvailable unless forceNew is set. A flood-wait from
// Telegram marks the phone rate limited; further sends fail fast with
// the remaining cool-down until it elapses.
func (c *Controller) SendCode(ctx context.Context, user *database.User, forceNew bool) (Status, error) {
	if err := requireCredentials(user); err != nil {
		return "", err
	}

	unlock := c.manager.Registry().LockPhone(user.Phone)
	defer unlock()

	if !forceNew && c.hasPendingCode(user.Phone) {
		c.log.Info().Str("phone", user.Phone).Msg("pending login code still valid, not requesting a new one")
		return StatusCachedCodeAvailable, nil
	}
	if remaining := c.rateLimited(user.Phone); remaining > 0 {
		return "", &telegram.ClassifiedError{
			Class:      telegram.ClassFloodWait,
			Message:    "send code is rate limited",
			RetryAfter: remaining,
		}
	}

	var sent *telegram.SentCode
	err := c.doLocked(ctx, user, func(ctx context.Context, conn *clients.Conn) error {
		s, err := conn.Client.SendCode(ctx, user.Phone)
		if err != nil {
			return err
		}
		sent = s
		return nil
	})
	if err != nil {
		if ce, ok := telegram.AsClassified(err); ok && ce.Class == telegram.ClassFloodWait {
			until := time.Now().Add(ce.RetryAfter)
			c.transition(user.Phone, func(f *flowState) {
				f.state = StateRateLimited
				f.limitedUntil = until
			})
			c.log.Warn().Str("phone", user.Phone).Int("retry_after", ce.Seconds()).Msg("send code flood limited")
		}
		return "", err
	}

	expires := time.Now().Add(codeTTL)
	c.transition(user.Phone, func(f *flowState) {
		f.state = StateCodeSent
		f.code = &pendingCode{Hash: sent.PhoneCodeHash, ExpiresAt: expires}
		f.limitedUntil = time.Time{}
	})
	c.log.Info().Str("phone", user.Phone).Msg("login code sent")
	return StatusCodeSent, nil
}

// Verify completes the login with the code the user received. When
// Telegram demands a cloud password and none was given, the phone
// moves to NEEDS_2FA and the caller re-submits with the password. On
// success the session blob is already persisted by the client's
// session storage; the code is kept verified in the cache until it
// expires.
func (c *Controller) Verify(ctx context.Context, user *database.User, code, password string) (VerifyResult, error) {
	if err := requireCredentials(user); err != nil {
		return "", err
	}

	unlock := c.manager.Registry().LockPhone(user.Phone)
	defer unlock()

	c.mu.Lock()
	flow, ok := c.flows[user.Phone]
	if !ok || flow.code == nil {
		c.mu.Unlock()
		return "", ErrNoPendingCode
	}
	if time.Now().After(flow.code.ExpiresAt) {
		delete(c.flows, user.Phone)
		c.mu.Unlock()
		return "", &telegram.ClassifiedError{Class: telegram.ClassCodeExpired, Message: "login code expired"}
	}
	hash := flow.code.Hash
	c.mu.Unlock()

	err := c.doLocked(ctx, user, func(ctx context.Context, conn *clients.Conn) error {
		return conn.Client.SignIn(ctx, user.Phone, hash, code)
	})

	switch {
	case err == nil:
		c.markAuthorized(user.Phone, code)
		c.log.Info().Str("phone", user.Phone).Msg("telegram sign-in complete")
		return VerifyAuthorized, nil

	case telegram.IsClass(err, telegram.ClassNeeds2FA):
		if password == "" {
			c.transition(user.Phone, func(f *flowState) { f.state = StateNeeds2FA })
			return VerifyNeeds2FA, nil
		}
		perr := c.doLocked(ctx, user, func(ctx context.Context, conn *clients.Conn) error {
			return conn.Client.SignInPassword(ctx, password)
		})
		if perr != nil {
			if telegram.IsClass(perr, telegram.ClassPasswordInvalid) {
				c.transition(user.Phone, func(f *flowState) { f.state = StateNeeds2FA })
			}
			return "", perr
		}
		c.markAuthorized(user.Phone, code)
		c.log.Info().Str("phone", user.Phone).Msg("telegram sign-in complete with password")
		return VerifyAuthorized, nil

	case telegram.IsClass(err, telegram.ClassCodeInvalid):
		c.transition(user.Phone, func(f *flowState) {
			if f.code != nil {
				f.code.Attempts++
			}
			f.state = StateCodeSent
		})
		return "", err

	case telegram.IsClass(err, telegram.ClassCodeExpired):
		c.mu.Lock()
		delete(c.flows, user.Phone)
		c.mu.Unlock()
		return "", err

	case telegram.IsClass(err, telegram.ClassFloodWait):
		ce, _ := telegram.AsClassified(err)
		until := time.Now().Add(ce.RetryAfter)
		c.transition(user.Phone, func(f *flowState) {
			f.state = StateRateLimited
			f.limitedUntil = until
		})
		return "", err

	default:
		return "", err
	}
}

// Reactivate rehydrates a client from the stored session blob and
// probes it. True means the session is live again without a new
// login; false means the authorization is gone (the dead blob is
// already cleared) and the caller should start a fresh send-code.
func (c *Controller) Reactivate(ctx context.Context, user *database.User) (bool, error) {
	if err := requireCredentials(user); err != nil {
		return false, err
	}

	unlock := c.manager.Registry().LockPhone(user.Phone)
	defer unlock()

	conn, err := c.manager.EnsureLocked(ctx, user)
	if err != nil {
		return false, err
	}
	if conn.Authorized {
		c.transition(user.Phone, func(f *flowState) { f.state = StateAuthorized })
		c.log.Info().Str("phone", user.Phone).Msg("session reactivated")
		return true, nil
	}

	c.mu.Lock()
	if flow, ok := c.flows[user.Phone]; ok && flow.state == StateAuthorized {
		flow.state = StateIdle
	}
	c.mu.Unlock()
	c.log.Info().Str("phone", user.Phone).Msg("stored session no longer authorized")
	return false, nil
}

// CachedCode returns the verified login code for phone, when one is
// cached and still fresh.
func (c *Controller) CachedCode(phone string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[phone]
	if !ok || flow.code == nil || !flow.code.Verified {
		return "", false
	}
	if time.Now().After(flow.code.ExpiresAt) {
		return "", false
	}
	return flow.code.Code, true
}

// Clear drops the cached code for phone. A rate-limit window is not
// cleared: Telegram's cool-down cannot be reset from here.
func (c *Controller) Clear(phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[phone]
	if !ok {
		return
	}
	flow.code = nil
	if flow.state == StateCodeSent || flow.state == StateNeeds2FA {
		flow.state = StateIdle
	}
	if flow.state == StateIdle {
		delete(c.flows, phone)
	}
}

// StateOf reports the machine state for phone. Unknown phones are
// idle; an elapsed rate limit reads as idle as well.
func (c *Controller) StateOf(phone string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[phone]
	if !ok {
		return StateIdle
	}
	if flow.state == StateRateLimited && !time.Now().Before(flow.limitedUntil) {
		return StateIdle
	}
	return flow.state
}

// PruneExpired drops expired pending codes and elapsed rate limits,
// returning how many phones went back to idle.
func (c *Controller) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var n int
	for phone, flow := range c.flows {
		if flow.code != nil && now.After(flow.code.ExpiresAt) {
			flow.code = nil
		}
		if flow.state == StateRateLimited {
			if now.Before(flow.limitedUntil) {
				continue
			}
			flow.state = StateIdle
			flow.limitedUntil = time.Time{}
		}
		if flow.code == nil {
			delete(c.flows, phone)
			n++
		}
	}
	return n
}

// doLocked runs op against an ensured client, retrying exactly once
// after a transport loss. The caller already holds the phone lock, so
// this cannot go through Manager.Do.
func (c *Controller) doLocked(ctx context.Context, user *database.User, op func(ctx context.Context, conn *clients.Conn) error) error {
	err := c.opOnce(ctx, user, op)
	if err != nil && telegram.IsClass(err, telegram.ClassTransport) {
		c.log.Warn().Str("phone", user.Phone).Err(err).Msg("transport lost during auth call, retrying once")
		c.manager.Dispose(user.Phone)
		err = c.opOnce(ctx, user, op)
	}
	return err
}

func (c *Controller) opOnce(ctx context.Context, user *database.User, op func(ctx context.Context, conn *clients.Conn) error) error {
	conn, err := c.manager.EnsureLocked(ctx, user)
	if err != nil {
		return err
	}
	return op(ctx, conn)
}

// transition mutates the flow for phone, creating it when absent.
func (c *Controller) transition(phone string, fn func(*flowState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[phone]
	if !ok {
		flow = &flowState{state: StateIdle}
		c.flows[phone] = flow
	}
	fn(flow)
}

func (c *Controller) markAuthorized(phone, code string) {
	c.transition(phone, func(f *flowState) {
		f.state = StateAuthorized
		if f.code != nil {
			f.code.Code = code
			f.code.Verified = true
		}
	})
}

func (c *Controller) hasPendingCode(phone string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[phone]
	return ok && flow.code != nil && time.Now().Before(flow.code.ExpiresAt)
}

// rateLimited returns the remaining cool-down, zero when none holds.
func (c *Controller) rateLimited(phone string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[phone]
	if !ok || flow.state != StateRateLimited {
		return 0
	}
	return time.Until(flow.limitedUntil)
}

func requireCredentials(user *database.User) error {
	if user.APIID == nil || user.APIHashEncrypted == nil {
		return ErrMissingCredentials
	}
	return nil
}
