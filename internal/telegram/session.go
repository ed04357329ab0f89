package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gotd/td/session"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/database"
)

// DBSessionStorage persists the gotd session blob on the user row,
// encrypted. Plaintext exists only in memory while the client runs.
type DBSessionStorage struct {
	DB        *database.DB
	Encryptor *auth.Encryptor
	UserID    int64
}

// LoadSession implements session.Storage.
func (s *DBSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	user, err := s.DB.GetUserByID(s.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if user.TelegramSession == nil || *user.TelegramSession == "" {
		return nil, session.ErrNotFound
	}

	plain, err := s.Encryptor.DecryptString(*user.TelegramSession)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

// StoreSession implements session.Storage.
func (s *DBSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	ct, err := s.Encryptor.EncryptString(string(data))
	if err != nil {
		return err
	}
	return s.DB.SetTelegramSession(s.UserID, ct)
}

// FileSessionStorage implements session.Storage over a plain file. Worker
// containers use it against the session copy in their bundle.
type FileSessionStorage struct {
	Path string
}

// LoadSession loads the session from file
func (s *FileSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

// StoreSession saves the session to file
func (s *FileSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return os.WriteFile(s.Path, data, 0600)
}
