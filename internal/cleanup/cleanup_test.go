package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu              sync.Mutex
	escalateCutoffs []time.Time
	deleteCutoffs   []time.Time
	purgeCutoffs    []time.Time
	escalateErr     error
}

func (f *fakeStore) EscalateStaleErrorSessions(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalateCutoffs = append(f.escalateCutoffs, cutoff)
	return 1, f.escalateErr
}

func (f *fakeStore) DeleteTerminalSessionsBefore(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCutoffs = append(f.deleteCutoffs, cutoff)
	return 0, nil
}

func (f *fakeStore) PurgeSavedMessagesBefore(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeCutoffs = append(f.purgeCutoffs, cutoff)
	return 2, nil
}

func (f *fakeStore) counts() (escalates, deletes, purges int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.escalateCutoffs), len(f.deleteCutoffs), len(f.purgeCutoffs)
}

type fakeReaper struct {
	calls atomic.Int64
	err   error
}

func (f *fakeReaper) Reap(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

type fakeSweeper struct{ calls atomic.Int64 }

func (f *fakeSweeper) Sweep() int {
	f.calls.Add(1)
	return 1
}

type fakePruner struct{ calls atomic.Int64 }

func (f *fakePruner) PruneExpired() int {
	f.calls.Add(1)
	return 0
}

func fastConfig() Config {
	return Config{
		SweepInterval:    5 * time.Millisecond,
		ReapInterval:     5 * time.Millisecond,
		EscalateInterval: 5 * time.Millisecond,
		PurgeInterval:    5 * time.Millisecond,
	}
}

func TestSchedulerRunsEveryTask(t *testing.T) {
	store := &fakeStore{}
	reaper := &fakeReaper{}
	sweeper := &fakeSweeper{}
	pruner := &fakePruner{}

	s := NewScheduler(store, sweeper, pruner, reaper, fastConfig(), zerolog.Nop())
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		escalates, _, purges := store.counts()
		return escalates > 0 && purges > 0 && reaper.calls.Load() > 0 &&
			sweeper.calls.Load() > 0 && pruner.calls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerCutoffs(t *testing.T) {
	store := &fakeStore{}

	s := NewScheduler(store, nil, nil, nil, fastConfig(), zerolog.Nop())
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		escalates, _, purges := store.counts()
		return escalates > 0 && purges > 0
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	escalateCutoff := store.escalateCutoffs[0]
	purgeCutoff := store.purgeCutoffs[0]
	store.mu.Unlock()

	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), escalateCutoff, time.Minute)
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), purgeCutoff, time.Minute)
}

func TestSchedulerHistoryRetentionDisabledByDefault(t *testing.T) {
	store := &fakeStore{}

	s := NewScheduler(store, nil, nil, nil, fastConfig(), zerolog.Nop())
	s.Start()

	require.Eventually(t, func() bool {
		escalates, _, _ := store.counts()
		return escalates >= 3
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	_, deletes, _ := store.counts()
	assert.Zero(t, deletes, "history rows must survive unless retention is configured")
}

func TestSchedulerHistoryRetentionEnabled(t *testing.T) {
	store := &fakeStore{}
	cfg := fastConfig()
	cfg.SessionHistoryRetention = 90 * 24 * time.Hour

	s := NewScheduler(store, nil, nil, nil, cfg, zerolog.Nop())
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, deletes, _ := store.counts()
		return deletes > 0
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	cutoff := store.deleteCutoffs[0]
	store.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(-90*24*time.Hour), cutoff, time.Minute)
}

func TestSchedulerSurvivesTaskErrors(t *testing.T) {
	store := &fakeStore{escalateErr: assert.AnError}
	reaper := &fakeReaper{err: assert.AnError}

	s := NewScheduler(store, nil, nil, reaper, fastConfig(), zerolog.Nop())
	s.Start()
	defer s.Stop()

	// Failing tasks keep getting retried and the other tasks keep running.
	require.Eventually(t, func() bool {
		escalates, _, purges := store.counts()
		return escalates >= 2 && purges >= 2 && reaper.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStop(t *testing.T) {
	reaper := &fakeReaper{}

	s := NewScheduler(nil, nil, nil, reaper, fastConfig(), zerolog.Nop())
	s.Start()

	require.Eventually(t, func() bool {
		return reaper.calls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := reaper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, reaper.calls.Load(), "no reaps after Stop")
}
