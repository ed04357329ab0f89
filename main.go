package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/authflow"
	"github.com/solanagram/backend/internal/cleanup"
	"github.com/solanagram/backend/internal/clients"
	"github.com/solanagram/backend/internal/config"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/logging"
	"github.com/solanagram/backend/internal/notify"
	"github.com/solanagram/backend/internal/server"
	"github.com/solanagram/backend/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	// Phase 1: core infrastructure. Migrations run inside database.New.
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database bring-up failed")
	}
	defer db.Close()

	enc, err := auth.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ENCRYPTION_KEY")
	}
	tokens := auth.NewTokenService(cfg.JWTSecretKey, cfg.SessionTimeout)

	// Phase 2: the Telegram side. One registry owns every live client;
	// the manager connects them and the flow controller drives logins.
	registry := clients.NewRegistry(cfg.ClientCacheTTL, log)
	manager := clients.NewManager(db, registry, clients.NewTelegramFactory(db, enc, log), clients.ManagerConfig{
		ConnectTimeout: cfg.TelegramConnectTimeout,
	}, log)
	flow := authflow.NewController(manager, log)
	bridge := clients.NewBridge(0, 0, log)

	notifyService := initNotifyService(cfg, log)

	// Phase 3: the worker fleet.
	runtimeCtx, cancelRuntime := context.WithTimeout(context.Background(), 30*time.Second)
	runtime, err := workers.NewDockerRuntime(runtimeCtx, cfg.DockerHost, cfg.ProjectName+"-workers", log)
	cancelRuntime()
	if err != nil {
		log.Fatal().Err(err).Msg("docker bring-up failed")
	}
	defer runtime.Close()

	sup := workers.NewSupervisor(db, runtime, workers.NewBundleStore(cfg.ConfigsPath), enc, notifyService, workers.SupervisorConfig{
		Project:     cfg.ProjectName,
		DatabaseURL: cfg.DatabaseURL,
	}, log)

	sched := cleanup.NewScheduler(db, registry, flow, sup, cleanup.Config{
		SessionHistoryRetention: time.Duration(cfg.SessionHistoryRetentionDays) * 24 * time.Hour,
	}, log)
	sched.Start()

	srv := server.New(server.ServerConfig{
		DB:         db,
		Manager:    manager,
		Flow:       flow,
		Supervisor: sup,
		Tokens:     tokens,
		Encryptor:  enc,
		Bridge:     bridge,
		Port:       cfg.HTTPPort,
		Logger:     log,
	})
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(log, srv, sched, registry)
}

func initNotifyService(cfg *config.Config, log zerolog.Logger) *notify.Service {
	var webhookNotifier, emailNotifier notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		webhookNotifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL)
		log.Info().Msg("webhook notifier configured")
	}
	if cfg.ResendAPIKey != "" {
		emailNotifier = notify.NewResendNotifier(cfg.ResendAPIKey, cfg.NotifyEmailFrom, cfg.NotifyEmailTo)
		log.Info().Msg("email notifier configured (Resend)")
	}
	return notify.NewService(log, webhookNotifier, emailNotifier)
}

func waitForShutdown(log zerolog.Logger, srv *server.Server, sched *cleanup.Scheduler, registry *clients.Registry) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	sched.Stop()
	// Worker containers keep running on purpose; only the cached
	// orchestrator clients are torn down.
	registry.Shutdown()

	log.Info().Msg("shutdown complete")
}
