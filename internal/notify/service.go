package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service fans alerts out to the configured notifiers. Delivery errors
// are logged but never returned: alerting must not take the platform
// down with it.
type Service struct {
	webhookNotifier Notifier
	emailNotifier   Notifier
	log             zerolog.Logger
}

// NewService creates a notification service
func NewService(logger zerolog.Logger, webhookNotifier, emailNotifier Notifier) *Service {
	return &Service{
		webhookNotifier: webhookNotifier,
		emailNotifier:   emailNotifier,
		log:             logger.With().Str("component", "notify").Logger(),
	}
}

// WorkerLost reports a worker container the reaper had to give up on.
func (s *Service) WorkerLost(ctx context.Context, workerType string, userID int64, container, reason string) {
	s.dispatch(ctx, Alert{
		Event:   "worker_lost",
		Level:   LevelCritical,
		Message: fmt.Sprintf("%s worker %s is gone: %s", workerType, container, reason),
		Data: map[string]any{
			"worker_type": workerType,
			"user_id":     userID,
			"container":   container,
			"reason":      reason,
		},
	})
}

// ElaborationFailing reports an elaboration whose error streak crossed
// the alert threshold.
func (s *Service) ElaborationFailing(ctx context.Context, listenerID, elaborationID int64, name string, errorCount int64) {
	s.dispatch(ctx, Alert{
		Event:   "elaboration_failing",
		Level:   LevelWarning,
		Message: fmt.Sprintf("elaboration %q on listener %d keeps failing (%d errors)", name, listenerID, errorCount),
		Data: map[string]any{
			"listener_id":    listenerID,
			"elaboration_id": elaborationID,
			"name":           name,
			"error_count":    errorCount,
		},
	})
}

// SystemAlert delivers a free-form operational alert.
func (s *Service) SystemAlert(ctx context.Context, event, level, message string, data map[string]any) {
	s.dispatch(ctx, Alert{Event: event, Level: level, Message: message, Data: data})
}

func (s *Service) dispatch(ctx context.Context, alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	for _, n := range []Notifier{s.webhookNotifier, s.emailNotifier} {
		if n == nil || !n.IsConfigured() {
			continue
		}
		if err := n.Send(ctx, alert); err != nil {
			s.log.Warn().Err(err).Str("notifier", n.Name()).Str("event", alert.Event).Msg("alert delivery failed")
		}
	}
}

// IsEmailAvailable returns true if email alerts can be used
func (s *Service) IsEmailAvailable() bool {
	return s.emailNotifier != nil && s.emailNotifier.IsConfigured()
}

// IsWebhookAvailable returns true if webhook alerts can be used
func (s *Service) IsWebhookAvailable() bool {
	return s.webhookNotifier != nil && s.webhookNotifier.IsConfigured()
}
