package workers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Bundle file names. cmd/worker reads the same files from MountPath.
const (
	MountPath = "/app/configs"

	ConfigFileName       = "config.json"
	SessionFileName      = "session.session"
	APIHashFileName      = "api_hash"
	ElaborationsFileName = "elaborations.json"
)

// WorkerConfig is the config.json a worker reads from its bundle. Logger
// and listener workers share the shape; fields the mode does not use
// stay empty. The api hash deliberately lives in its own file.
type WorkerConfig struct {
	UserID      int64  `json:"user_id"`
	Phone       string `json:"phone"`
	APIID       int    `json:"api_id"`
	DatabaseURL string `json:"database_url,omitempty"`

	SessionID    int64  `json:"session_id,omitempty"`
	ChatID       int64  `json:"chat_id,omitempty"`
	ChatTitle    string `json:"chat_title,omitempty"`
	ChatUsername string `json:"chat_username,omitempty"`
	ChatType     string `json:"chat_type,omitempty"`

	ListenerID      int64  `json:"listener_id,omitempty"`
	SourceChatID    int64  `json:"source_chat_id,omitempty"`
	SourceChatTitle string `json:"source_chat_title,omitempty"`
}

// ElaborationConfig is one entry of elaborations.json, ordered by
// priority. The listener re-reads the file when it receives SIGHUP.
type ElaborationConfig struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Priority int             `json:"priority"`
	Config   json.RawMessage `json:"config"`
}

// BundleStore materializes per-worker config bundles under one root.
// Each bundle directory carries the name of its container and is bind
// mounted read-only into it; the bundle holds decrypted secrets, so the
// directory is 0700 and every file 0600.
type BundleStore struct {
	root string
}

func NewBundleStore(root string) *BundleStore {
	return &BundleStore{root: root}
}

// Dir returns the host path of the named bundle.
func (b *BundleStore) Dir(name string) string {
	return filepath.Join(b.root, name)
}

// Write lays down a fresh bundle and returns its directory. A partially
// written bundle is wiped before the error comes back.
func (b *BundleStore) Write(name string, cfg *WorkerConfig, session []byte, apiHash string) (string, error) {
	dir := b.Dir(name)
	if err := b.write(dir, cfg, session, apiHash); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (b *BundleStore) write(dir string, cfg *WorkerConfig, session []byte, apiHash string) error {
	if err := os.MkdirAll(b.root, 0700); err != nil {
		return fmt.Errorf("failed to create bundle root: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear old bundle: %w", err)
	}
	if err := os.Mkdir(dir, 0700); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode worker config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), raw, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", ConfigFileName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SessionFileName), session, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", SessionFileName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, APIHashFileName), []byte(apiHash), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", APIHashFileName, err)
	}
	return nil
}

// WriteElaborations refreshes elaborations.json inside an existing
// bundle.
func (b *BundleStore) WriteElaborations(name string, elabs []ElaborationConfig) error {
	dir := b.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("bundle %s is gone: %w", name, err)
	}

	raw, err := json.MarshalIndent(elabs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode elaborations: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ElaborationsFileName), raw, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", ElaborationsFileName, err)
	}
	return nil
}

// Wipe deletes the named bundle. Wiping a missing bundle succeeds.
func (b *BundleStore) Wipe(name string) error {
	if err := os.RemoveAll(b.Dir(name)); err != nil {
		return fmt.Errorf("failed to wipe bundle %s: %w", name, err)
	}
	return nil
}
