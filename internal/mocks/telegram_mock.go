package mocks

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/solanagram/backend/internal/telegram"
)

// TelegramClient is a scriptable in-memory stand-in for the MTProto
// client. The zero value connects on demand and answers every call
// successfully; set the Fn fields to script failures.
type TelegramClient struct {
	mu        sync.Mutex
	connected bool
	connects  int
	closes    int

	ConnectFn  func(ctx context.Context) error
	SelfFn     func(ctx context.Context) (*tg.User, error)
	AuthFn     func(ctx context.Context) (bool, error)
	SendCodeFn func(ctx context.Context, phone string) (*telegram.SentCode, error)
	SignInFn   func(ctx context.Context, phone, codeHash, code string) error
	PasswordFn func(ctx context.Context, password string) error
	LogoutFn   func(ctx context.Context) error
	ChatsFn    func(ctx context.Context) ([]telegram.Chat, error)
}

func (c *TelegramClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	fn := c.ConnectFn
	c.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *TelegramClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected flips the connection state directly, for tests that
// simulate a drop without going through Close.
func (c *TelegramClient) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *TelegramClient) Close() {
	c.mu.Lock()
	c.connected = false
	c.closes++
	c.mu.Unlock()
}

// ConnectCount reports how many times Connect was called.
func (c *TelegramClient) ConnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// CloseCount reports how many times Close was called.
func (c *TelegramClient) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *TelegramClient) Self(ctx context.Context) (*tg.User, error) {
	if c.SelfFn != nil {
		return c.SelfFn(ctx)
	}
	return &tg.User{ID: 1, FirstName: "Fake"}, nil
}

func (c *TelegramClient) Authorized(ctx context.Context) (bool, error) {
	if c.AuthFn != nil {
		return c.AuthFn(ctx)
	}
	return true, nil
}

func (c *TelegramClient) SendCode(ctx context.Context, phone string) (*telegram.SentCode, error) {
	if c.SendCodeFn != nil {
		return c.SendCodeFn(ctx, phone)
	}
	return &telegram.SentCode{PhoneCodeHash: "fake-code-hash"}, nil
}

func (c *TelegramClient) SignIn(ctx context.Context, phone, codeHash, code string) error {
	if c.SignInFn != nil {
		return c.SignInFn(ctx, phone, codeHash, code)
	}
	return nil
}

func (c *TelegramClient) SignInPassword(ctx context.Context, password string) error {
	if c.PasswordFn != nil {
		return c.PasswordFn(ctx, password)
	}
	return nil
}

func (c *TelegramClient) Logout(ctx context.Context) error {
	if c.LogoutFn != nil {
		return c.LogoutFn(ctx)
	}
	return nil
}

func (c *TelegramClient) GetChats(ctx context.Context) ([]telegram.Chat, error) {
	if c.ChatsFn != nil {
		return c.ChatsFn(ctx)
	}
	return nil, nil
}

// SessionStore records blob clears without a database.
type SessionStore struct {
	mu      sync.Mutex
	Cleared []int64
}

func (s *SessionStore) ClearTelegramSession(userID int64) error {
	s.mu.Lock()
	s.Cleared = append(s.Cleared, userID)
	s.mu.Unlock()
	return nil
}

// ClearedCount reports how many clears were recorded for userID.
func (s *SessionStore) ClearedCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, id := range s.Cleared {
		if id == userID {
			n++
		}
	}
	return n
}
