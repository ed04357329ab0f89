package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/auth"
	"github.com/solanagram/backend/internal/database"
	"github.com/solanagram/backend/internal/metrics"
	"github.com/solanagram/backend/internal/notify"
)

var (
	// ErrMissingCredentials means the user has no api_id/api_hash on file.
	ErrMissingCredentials = errors.New("telegram api credentials not set")
	// ErrNoTelegramSession means the user never completed a Telegram
	// login, or the stored session was cleared.
	ErrNoTelegramSession = errors.New("no telegram session stored")
	// ErrListenerActive means a restart was requested for a listener
	// that is already up.
	ErrListenerActive = errors.New("listener already active")
)

// SupervisorConfig tunes the supervisor. Zero values take defaults.
type SupervisorConfig struct {
	Project       string        // name and label prefix, default "solanagram"
	LoggerImage   string        // default solanagram-logger:latest
	ListenerImage string        // default solanagram-listener:latest
	GraceStop     time.Duration // SIGTERM grace before kill, default 10s
	DatabaseURL   string        // DSN handed to workers
}

func (c *SupervisorConfig) setDefaults() {
	if c.Project == "" {
		c.Project = "solanagram"
	}
	if c.LoggerImage == "" {
		c.LoggerImage = "solanagram-logger:latest"
	}
	if c.ListenerImage == "" {
		c.ListenerImage = "solanagram-listener:latest"
	}
	if c.GraceStop <= 0 {
		c.GraceStop = 10 * time.Second
	}
}

// Supervisor owns worker lifecycles: it reserves the database row, lays
// down the config bundle, launches the container, and keeps all three in
// agreement. Work on one container name is serialized through a per-name
// lock.
type Supervisor struct {
	db      *database.DB
	runtime Runtime
	bundles *BundleStore
	enc     *auth.Encryptor
	notify  *notify.Service
	cfg     SupervisorConfig
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSupervisor(db *database.DB, runtime Runtime, bundles *BundleStore, enc *auth.Encryptor, notifyService *notify.Service, cfg SupervisorConfig, logger zerolog.Logger) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		db:      db,
		runtime: runtime,
		bundles: bundles,
		enc:     enc,
		notify:  notifyService,
		cfg:     cfg,
		log:     logger.With().Str("component", "supervisor").Logger(),
		locks:   make(map[string]*sync.Mutex),
	}
}

// StartLogging reserves the session row and launches a logging worker
// for the chat. Exactly one concurrent caller wins the reservation; the
// rest get database.ErrDuplicate. A launch failure deletes the reserved
// row again.
func (s *Supervisor) StartLogging(ctx context.Context, userID, chatID int64, chatTitle, chatUsername, chatType string) (*database.LoggingSession, error) {
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials(user)
	if err != nil {
		return nil, err
	}

	name := LoggingContainerName(s.cfg.Project, userID, chatID)
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.db.StartLoggingSession(ctx, userID, chatID, chatTitle, chatUsername, chatType)
	if err != nil {
		return nil, err
	}

	if err := s.launchLogging(ctx, name, user, creds, session); err != nil {
		if derr := s.db.DeleteLoggingSession(session.ID); derr != nil {
			s.log.Error().Err(derr).Int64("session_id", session.ID).Msg("failed to drop reserved session")
		}
		_ = s.bundles.Wipe(name)
		return nil, err
	}

	session.ContainerName = &name
	session.Status = database.SessionStatusRunning
	s.log.Info().Int64("user_id", userID).Int64("chat_id", chatID).Str("container", name).Msg("logging worker started")
	return session, nil
}

func (s *Supervisor) launchLogging(ctx context.Context, name string, user *database.User, creds *workerCreds, session *database.LoggingSession) error {
	cfg := &WorkerConfig{
		UserID:      user.ID,
		Phone:       user.Phone,
		APIID:       creds.apiID,
		DatabaseURL: s.cfg.DatabaseURL,
		SessionID:   session.ID,
		ChatID:      session.ChatID,
		ChatTitle:   session.ChatTitle,
	}
	if session.ChatUsername != nil {
		cfg.ChatUsername = *session.ChatUsername
	}
	if session.ChatType != nil {
		cfg.ChatType = *session.ChatType
	}

	dir, err := s.bundles.Write(name, cfg, creds.session, creds.apiHash)
	if err != nil {
		return err
	}

	labels := s.labels(TypeLogger, user.ID)
	labels[s.key("session_id")] = strconv.FormatInt(session.ID, 10)
	labels[s.key("chat_id")] = strconv.FormatInt(session.ChatID, 10)

	if _, err := s.runtime.Launch(ctx, ContainerSpec{
		Name:      name,
		Image:     s.cfg.LoggerImage,
		Env:       s.workerEnv(TypeLogger),
		Labels:    labels,
		BundleDir: dir,
	}); err != nil {
		return err
	}

	if err := s.db.SetSessionContainer(session.ID, name); err != nil {
		s.abortLaunch(ctx, name)
		return err
	}
	if err := s.db.UpdateSessionStatus(session.ID, database.SessionStatusRunning); err != nil {
		s.abortLaunch(ctx, name)
		return err
	}
	return nil
}

// StopLogging tears the worker down and parks the row. Stopping a
// session whose container is already gone still succeeds.
func (s *Supervisor) StopLogging(ctx context.Context, sessionID, userID int64) error {
	session, err := s.db.GetLoggingSession(sessionID, userID)
	if err != nil {
		return err
	}

	name := s.sessionName(session)
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.teardown(ctx, name); err != nil {
		return err
	}
	if err := s.db.StopLoggingSession(session.ID); err != nil {
		return err
	}
	s.log.Info().Int64("session_id", session.ID).Str("container", name).Msg("logging worker stopped")
	return nil
}

// RemoveLogging stops the worker if needed and marks the row removed.
// The row itself stays as history until the retention sweep.
func (s *Supervisor) RemoveLogging(ctx context.Context, sessionID, userID int64) error {
	session, err := s.db.GetLoggingSession(sessionID, userID)
	if err != nil {
		return err
	}

	name := s.sessionName(session)
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.teardown(ctx, name); err != nil {
		return err
	}
	if err := s.db.MarkSessionRemoved(session.ID); err != nil {
		return err
	}
	s.log.Info().Int64("session_id", session.ID).Str("container", name).Msg("logging worker removed")
	return nil
}

// StartListener creates the listener row and launches its worker. An
// existing row for the chat, active or not, surfaces as
// database.ErrDuplicate; restarting a parked row goes through
// RestartListener instead. When the launch fails the row persists in
// status error.
func (s *Supervisor) StartListener(ctx context.Context, userID, sourceChatID int64, sourceChatTitle string) (*database.Listener, error) {
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials(user)
	if err != nil {
		return nil, err
	}

	listener, err := s.db.CreateListener(userID, sourceChatID, sourceChatTitle)
	if err != nil {
		return nil, err
	}

	if err := s.startListenerWorker(ctx, user, creds, listener); err != nil {
		return nil, err
	}
	return listener, nil
}

// RestartListener relaunches a stopped or errored listener under its
// existing row. Returns ErrListenerActive when the listener is already
// up.
func (s *Supervisor) RestartListener(ctx context.Context, listenerID, userID int64) (*database.Listener, error) {
	listener, err := s.db.GetListener(listenerID, userID)
	if err != nil {
		return nil, err
	}
	if listener.IsActive && (listener.Status == database.SessionStatusRunning || listener.Status == database.SessionStatusCreating) {
		return nil, ErrListenerActive
	}

	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials(user)
	if err != nil {
		return nil, err
	}

	if err := s.db.ReactivateListener(listener.ID); err != nil {
		return nil, err
	}
	listener, err = s.db.GetListener(listenerID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.startListenerWorker(ctx, user, creds, listener); err != nil {
		return nil, err
	}
	return listener, nil
}

func (s *Supervisor) startListenerWorker(ctx context.Context, user *database.User, creds *workerCreds, listener *database.Listener) error {
	name := ListenerContainerName(s.cfg.Project, listener.UserID, listener.ID, listener.SourceChatTitle)
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.launchListener(ctx, name, user, creds, listener); err != nil {
		if derr := s.db.MarkListenerError(listener.ID, err.Error()); derr != nil {
			s.log.Error().Err(derr).Int64("listener_id", listener.ID).Msg("failed to mark listener error")
		}
		_ = s.bundles.Wipe(name)
		return err
	}

	listener.ContainerName = &name
	listener.Status = database.SessionStatusRunning
	listener.IsActive = true
	s.log.Info().Int64("user_id", user.ID).Int64("listener_id", listener.ID).Str("container", name).Msg("listener worker started")
	return nil
}

func (s *Supervisor) launchListener(ctx context.Context, name string, user *database.User, creds *workerCreds, listener *database.Listener) error {
	cfg := &WorkerConfig{
		UserID:          user.ID,
		Phone:           user.Phone,
		APIID:           creds.apiID,
		DatabaseURL:     s.cfg.DatabaseURL,
		ListenerID:      listener.ID,
		SourceChatID:    listener.SourceChatID,
		SourceChatTitle: listener.SourceChatTitle,
	}

	dir, err := s.bundles.Write(name, cfg, creds.session, creds.apiHash)
	if err != nil {
		return err
	}
	elabs, err := s.db.ListActiveElaborations(listener.ID)
	if err != nil {
		return err
	}
	if err := s.bundles.WriteElaborations(name, elaborationConfigs(elabs)); err != nil {
		return err
	}

	labels := s.labels(TypeListener, user.ID)
	labels[s.key("listener_id")] = strconv.FormatInt(listener.ID, 10)
	labels[s.key("chat_id")] = strconv.FormatInt(listener.SourceChatID, 10)

	if _, err := s.runtime.Launch(ctx, ContainerSpec{
		Name:      name,
		Image:     s.cfg.ListenerImage,
		Env:       s.workerEnv(TypeListener),
		Labels:    labels,
		BundleDir: dir,
	}); err != nil {
		return err
	}

	if err := s.db.SetListenerContainer(listener.ID, name); err != nil {
		s.abortLaunch(ctx, name)
		return err
	}
	if err := s.db.UpdateListenerStatus(listener.ID, database.SessionStatusRunning); err != nil {
		s.abortLaunch(ctx, name)
		return err
	}
	return nil
}

// StopListener tears the worker down and parks the row for a later
// restart. Idempotent.
func (s *Supervisor) StopListener(ctx context.Context, listenerID, userID int64) error {
	listener, err := s.db.GetListener(listenerID, userID)
	if err != nil {
		return err
	}

	name := s.listenerName(listener)
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.teardown(ctx, name); err != nil {
		return err
	}
	if err := s.db.StopListener(listener.ID); err != nil {
		return err
	}
	s.log.Info().Int64("listener_id", listener.ID).Str("container", name).Msg("listener worker stopped")
	return nil
}

// RemoveListener tears the worker down and deletes the row with all its
// elaborations and saved messages. A missing container does not block
// the delete.
func (s *Supervisor) RemoveListener(ctx context.Context, listenerID, userID int64) error {
	listener, err := s.db.GetListener(listenerID, userID)
	if err != nil {
		return err
	}

	name := s.listenerName(listener)
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.teardown(ctx, name); err != nil {
		return err
	}
	if err := s.db.DeleteListener(listener.ID, userID); err != nil {
		return err
	}
	s.log.Info().Int64("listener_id", listener.ID).Str("container", name).Msg("listener worker deleted")
	return nil
}

// PushElaborations refreshes the bundle's elaborations.json and tells
// the worker to reload it. Pushing to a parked or vanished listener is a
// no-op; the next launch materializes the current set anyway.
func (s *Supervisor) PushElaborations(ctx context.Context, listenerID, userID int64) error {
	listener, err := s.db.GetListener(listenerID, userID)
	if err != nil {
		return err
	}
	if !listener.IsActive || listener.ContainerName == nil {
		return nil
	}
	elabs, err := s.db.ListActiveElaborations(listener.ID)
	if err != nil {
		return err
	}

	name := *listener.ContainerName
	lock := s.lock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.bundles.WriteElaborations(name, elaborationConfigs(elabs)); err != nil {
		s.log.Warn().Err(err).Str("container", name).Msg("failed to refresh elaborations")
		return nil
	}
	if err := s.runtime.Signal(ctx, name, "HUP"); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	s.log.Debug().Str("container", name).Int("elaborations", len(elabs)).Msg("pushed elaborations")
	return nil
}

// Reap reconciles database state with engine reality in both
// directions: running rows whose container died are marked error, and
// labeled containers without an active row are torn down. Names
// currently being worked by another call are skipped and picked up on
// the next pass.
func (s *Supervisor) Reap(ctx context.Context) error {
	sessions, err := s.db.ListActiveSessions()
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}
	listeners, err := s.db.ListActiveListeners()
	if err != nil {
		return fmt.Errorf("failed to list active listeners: %w", err)
	}

	expected := make(map[string]bool)
	var loggersUp, listenersUp int
	for _, session := range sessions {
		name := s.sessionName(session)
		expected[name] = true
		if session.Status == database.SessionStatusRunning && s.reapSession(ctx, session, name) {
			loggersUp++
		}
	}
	for _, listener := range listeners {
		name := s.listenerName(listener)
		expected[name] = true
		if listener.Status == database.SessionStatusRunning && s.reapListener(ctx, listener, name) {
			listenersUp++
		}
	}
	metrics.WorkersRunning.WithLabelValues(TypeLogger).Set(float64(loggersUp))
	metrics.WorkersRunning.WithLabelValues(TypeListener).Set(float64(listenersUp))

	containers, err := s.runtime.List(ctx, map[string]string{s.key("type"): ""})
	if err != nil {
		return fmt.Errorf("failed to list worker containers: %w", err)
	}
	for _, c := range containers {
		if c.Name == "" || expected[c.Name] {
			continue
		}
		s.reapOrphan(ctx, c.Name)
	}
	return nil
}

// reapSession reports whether the session's worker is still alive.
func (s *Supervisor) reapSession(ctx context.Context, session *database.LoggingSession, name string) bool {
	lock := s.lock(name)
	if !lock.TryLock() {
		return true
	}
	defer lock.Unlock()

	verdict := s.inspectVerdict(ctx, name)
	if verdict == "" {
		return true
	}
	s.log.Warn().Int64("session_id", session.ID).Str("container", name).Str("reason", verdict).Msg("logging worker lost")
	if err := s.db.MarkSessionError(session.ID, verdict); err != nil {
		s.log.Error().Err(err).Int64("session_id", session.ID).Msg("failed to mark session error")
		return false
	}
	_ = s.runtime.Remove(ctx, name)
	_ = s.bundles.Wipe(name)
	if s.notify != nil {
		s.notify.WorkerLost(ctx, TypeLogger, session.UserID, name, verdict)
	}
	return false
}

// reapListener reports whether the listener's worker is still alive.
func (s *Supervisor) reapListener(ctx context.Context, listener *database.Listener, name string) bool {
	lock := s.lock(name)
	if !lock.TryLock() {
		return true
	}
	defer lock.Unlock()

	verdict := s.inspectVerdict(ctx, name)
	if verdict == "" {
		return true
	}
	s.log.Warn().Int64("listener_id", listener.ID).Str("container", name).Str("reason", verdict).Msg("listener worker lost")
	if err := s.db.MarkListenerError(listener.ID, verdict); err != nil {
		s.log.Error().Err(err).Int64("listener_id", listener.ID).Msg("failed to mark listener error")
		return false
	}
	_ = s.runtime.Remove(ctx, name)
	_ = s.bundles.Wipe(name)
	if s.notify != nil {
		s.notify.WorkerLost(ctx, TypeListener, listener.UserID, name, verdict)
	}
	return false
}

// inspectVerdict returns the error message a dead container earns its
// row, or "" when the container is fine. Restarting containers count as
// alive: the engine's restart policy is still working on them.
func (s *Supervisor) inspectVerdict(ctx context.Context, name string) string {
	state, err := s.runtime.Inspect(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		return "container vanished"
	case err != nil:
		s.log.Error().Err(err).Str("container", name).Msg("failed to inspect worker")
		return ""
	case state.Status == "exited" || state.Status == "dead":
		return fmt.Sprintf("container exited (status %s, code %d)", state.Status, state.ExitCode)
	default:
		return ""
	}
}

func (s *Supervisor) reapOrphan(ctx context.Context, name string) {
	lock := s.lock(name)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	s.log.Warn().Str("container", name).Msg("removing orphaned worker")
	if err := s.teardown(ctx, name); err != nil {
		s.log.Error().Err(err).Str("container", name).Msg("failed to remove orphaned worker")
	}
}

// PingRuntime reports whether the container engine answers.
func (s *Supervisor) PingRuntime(ctx context.Context) error {
	return s.runtime.Ping(ctx)
}

// InspectWorker returns live container state; ErrNotFound when absent.
func (s *Supervisor) InspectWorker(ctx context.Context, name string) (*ContainerState, error) {
	return s.runtime.Inspect(ctx, name)
}

// teardown stops and removes the container and wipes its bundle. Safe on
// containers and bundles that are already gone.
func (s *Supervisor) teardown(ctx context.Context, name string) error {
	if err := s.runtime.Stop(ctx, name, s.cfg.GraceStop); err != nil {
		return err
	}
	if err := s.runtime.Remove(ctx, name); err != nil {
		return err
	}
	if err := s.bundles.Wipe(name); err != nil {
		s.log.Warn().Err(err).Str("container", name).Msg("failed to wipe bundle")
	}
	return nil
}

func (s *Supervisor) abortLaunch(ctx context.Context, name string) {
	_ = s.runtime.Stop(ctx, name, s.cfg.GraceStop)
	_ = s.runtime.Remove(ctx, name)
}

type workerCreds struct {
	apiID   int
	apiHash string
	session []byte
}

func (s *Supervisor) credentials(user *database.User) (*workerCreds, error) {
	if user.APIID == nil || user.APIHashEncrypted == nil {
		return nil, ErrMissingCredentials
	}
	if user.TelegramSession == nil {
		return nil, ErrNoTelegramSession
	}

	apiHash, err := s.enc.DecryptString(*user.APIHashEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api hash: %w", err)
	}
	session, err := s.enc.DecryptString(*user.TelegramSession)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt telegram session: %w", err)
	}
	return &workerCreds{apiID: *user.APIID, apiHash: apiHash, session: []byte(session)}, nil
}

func (s *Supervisor) sessionName(session *database.LoggingSession) string {
	if session.ContainerName != nil {
		return *session.ContainerName
	}
	return LoggingContainerName(s.cfg.Project, session.UserID, session.ChatID)
}

func (s *Supervisor) listenerName(listener *database.Listener) string {
	if listener.ContainerName != nil {
		return *listener.ContainerName
	}
	return ListenerContainerName(s.cfg.Project, listener.UserID, listener.ID, listener.SourceChatTitle)
}

func (s *Supervisor) labels(typ string, userID int64) map[string]string {
	return map[string]string{
		s.key("type"):       typ,
		s.key("user_id"):    strconv.FormatInt(userID, 10),
		s.key("created_at"): time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *Supervisor) key(suffix string) string {
	return s.cfg.Project + "." + suffix
}

func (s *Supervisor) workerEnv(mode string) []string {
	return []string{"MODE=" + mode, "DATABASE_URL=" + s.cfg.DatabaseURL}
}

func (s *Supervisor) lock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

func elaborationConfigs(elabs []*database.Elaboration) []ElaborationConfig {
	out := make([]ElaborationConfig, 0, len(elabs))
	for _, e := range elabs {
		out = append(out, ElaborationConfig{
			ID:       e.ID,
			Name:     e.Name,
			Type:     e.Type,
			Priority: e.Priority,
			Config:   e.Config,
		})
	}
	return out
}
