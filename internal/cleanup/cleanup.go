// Package cleanup runs the periodic maintenance the platform needs to
// stay honest: client-cache sweeps, container reconciliation, error
// escalation and message retention. Everything runs from one goroutine
// so tasks never race each other.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store defines the database operations the scheduler needs.
type Store interface {
	EscalateStaleErrorSessions(cutoff time.Time) (int64, error)
	DeleteTerminalSessionsBefore(cutoff time.Time) (int64, error)
	PurgeSavedMessagesBefore(cutoff time.Time) (int64, error)
}

// Reaper reconciles worker containers against database state.
type Reaper interface {
	Reap(ctx context.Context) error
}

// Sweeper evicts expired cached client handles.
type Sweeper interface {
	Sweep() int
}

// Pruner drops expired pending login attempts.
type Pruner interface {
	PruneExpired() int
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	SweepInterval    time.Duration // client cache sweep, default 120s
	ReapInterval     time.Duration // container reconciliation, default 60s
	EscalateInterval time.Duration // error escalation, default 15m
	PurgeInterval    time.Duration // saved message purge, default 10m

	ErrorRetention        time.Duration // error rows escalate after this, default 7d
	SavedMessageRetention time.Duration // saved_messages kept this long, default 30d

	// SessionHistoryRetention deletes stopped/removed session rows (and
	// their message logs) after this. Zero keeps history forever.
	SessionHistoryRetention time.Duration
}

func (c *Config) setDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 120 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.EscalateInterval <= 0 {
		c.EscalateInterval = 15 * time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 10 * time.Minute
	}
	if c.ErrorRetention <= 0 {
		c.ErrorRetention = 7 * 24 * time.Hour
	}
	if c.SavedMessageRetention <= 0 {
		c.SavedMessageRetention = 30 * 24 * time.Hour
	}
}

// Scheduler owns the maintenance loop.
type Scheduler struct {
	store    Store
	registry Sweeper
	logins   Pruner
	reaper   Reaper
	cfg      Config
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Any dependency may be nil; its
// tasks are skipped.
func NewScheduler(store Store, registry Sweeper, logins Pruner, reaper Reaper, cfg Config, logger zerolog.Logger) *Scheduler {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		registry: registry,
		logins:   logins,
		reaper:   reaper,
		cfg:      cfg,
		log:      logger.With().Str("component", "cleanup").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the maintenance loop.
func (s *Scheduler) Start() {
	s.log.Info().
		Dur("sweep", s.cfg.SweepInterval).
		Dur("reap", s.cfg.ReapInterval).
		Dur("escalate", s.cfg.EscalateInterval).
		Dur("purge", s.cfg.PurgeInterval).
		Msg("cleanup scheduler started")

	s.wg.Add(1)
	go s.run()
}

// Stop shuts the loop down and waits for the current task to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("cleanup scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	reap := time.NewTicker(s.cfg.ReapInterval)
	defer reap.Stop()
	escalate := time.NewTicker(s.cfg.EscalateInterval)
	defer escalate.Stop()
	purge := time.NewTicker(s.cfg.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sweep.C:
			s.sweepClients()
		case <-reap.C:
			s.reapWorkers()
		case <-escalate.C:
			s.escalateErrors()
		case <-purge.C:
			s.purgeSavedMessages()
		}
	}
}

func (s *Scheduler) sweepClients() {
	if s.registry != nil {
		if n := s.registry.Sweep(); n > 0 {
			s.log.Debug().Int("evicted", n).Msg("swept expired telegram clients")
		}
	}
	if s.logins != nil {
		if n := s.logins.PruneExpired(); n > 0 {
			s.log.Debug().Int("pruned", n).Msg("dropped expired login attempts")
		}
	}
}

func (s *Scheduler) reapWorkers() {
	if s.reaper == nil {
		return
	}
	if err := s.reaper.Reap(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("worker reap failed")
	}
}

func (s *Scheduler) escalateErrors() {
	if s.store == nil {
		return
	}
	if n, err := s.store.EscalateStaleErrorSessions(time.Now().Add(-s.cfg.ErrorRetention)); err != nil {
		s.log.Error().Err(err).Msg("error escalation failed")
	} else if n > 0 {
		s.log.Info().Int64("sessions", n).Msg("escalated stale error sessions")
	}

	if s.cfg.SessionHistoryRetention <= 0 {
		return
	}
	if n, err := s.store.DeleteTerminalSessionsBefore(time.Now().Add(-s.cfg.SessionHistoryRetention)); err != nil {
		s.log.Error().Err(err).Msg("history deletion failed")
	} else if n > 0 {
		s.log.Info().Int64("sessions", n).Msg("deleted old session history")
	}
}

func (s *Scheduler) purgeSavedMessages() {
	if s.store == nil {
		return
	}
	if n, err := s.store.PurgeSavedMessagesBefore(time.Now().Add(-s.cfg.SavedMessageRetention)); err != nil {
		s.log.Error().Err(err).Msg("saved message purge failed")
	} else if n > 0 {
		s.log.Info().Int64("messages", n).Msg("purged old saved messages")
	}
}
