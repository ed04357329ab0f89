// The worker binary runs inside the per-chat containers the supervisor
// launches. One container serves exactly one job: MODE=logger captures
// every message of a chat into message_logs, MODE=listener saves
// messages and runs the configured elaborations over them. The bundle
// with credentials and session is bind mounted read-only at
// /app/configs; nothing here talks back to the orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/logging"
	"github.com/solanagram/backend/internal/workers"
)

func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"), false)

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("worker terminated")
		os.Exit(1)
	}
}

func run(log zerolog.Logger) error {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = workers.MountPath
	}

	cfg, err := readConfig(filepath.Join(configDir, workers.ConfigFileName))
	if err != nil {
		return err
	}
	apiHash, err := readAPIHash(configDir)
	if err != nil {
		return err
	}

	// The bundle mount is read-only; gotd rewrites the session file on
	// key rotation, so the worker runs against a private writable copy.
	sessionPath, err := copySession(filepath.Join(configDir, workers.SessionFileName))
	if err != nil {
		return err
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := database.New(dbURL)
	if err != nil {
		return fmt.Errorf("database connect failed: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	mode := os.Getenv("MODE")
	if mode == "" {
		// Old bundles carry no MODE; the config shape tells the job apart.
		if cfg.ListenerID != 0 {
			mode = workers.TypeListener
		} else {
			mode = workers.TypeLogger
		}
	}

	switch mode {
	case workers.TypeLogger:
		w := &loggerWorker{
			db:          db,
			cfg:         cfg,
			apiHash:     apiHash,
			sessionPath: sessionPath,
			log:         log.With().Str("mode", mode).Int64("session_id", cfg.SessionID).Logger(),
		}
		return w.run(ctx)
	case workers.TypeListener:
		w := &listenerWorker{
			db:          db,
			cfg:         cfg,
			apiHash:     apiHash,
			sessionPath: sessionPath,
			configDir:   configDir,
			log:         log.With().Str("mode", mode).Int64("listener_id", cfg.ListenerID).Logger(),
		}
		return w.run(ctx)
	default:
		return fmt.Errorf("unknown worker mode %q", mode)
	}
}

func readConfig(path string) (*workers.WorkerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker config: %w", err)
	}
	var cfg workers.WorkerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}
	if cfg.APIID == 0 || cfg.Phone == "" {
		return nil, fmt.Errorf("worker config is missing telegram credentials")
	}
	return &cfg, nil
}

// readAPIHash prefers the bundle file; TELEGRAM_API_HASH in the
// environment is the fallback for hand-run workers.
func readAPIHash(configDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(configDir, workers.APIHashFileName))
	if err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if hash := os.Getenv("TELEGRAM_API_HASH"); hash != "" {
		return hash, nil
	}
	return "", fmt.Errorf("no api hash in bundle or environment: %w", err)
}

func copySession(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open bundle session: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(os.TempDir(), workers.SessionFileName)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create session copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("failed to copy session: %w", err)
	}
	return dst, nil
}
