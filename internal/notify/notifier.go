package notify

import (
	"context"
	"time"
)

// Alert levels, mirrored into the webhook payload.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert is one operational event worth telling an operator about.
type Alert struct {
	// ID identifies one delivery attempt so receivers can dedupe
	// webhooks that get retried or fan out to both notifiers.
	ID        string
	Event     string
	Level     string
	Message   string
	Timestamp time.Time
	Data      map[string]any
}

// Notifier delivers alerts to one destination
type Notifier interface {
	// Send delivers the alert
	Send(ctx context.Context, alert Alert) error
	// Name returns the notifier type name (for logging)
	Name() string
	// IsConfigured returns true if the notifier has server-side config
	IsConfigured() bool
}
