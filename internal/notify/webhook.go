package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts alerts to an automation endpoint (n8n or
// anything else that accepts JSON).
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier. Returns nil when no
// URL is configured.
func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	return &WebhookNotifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the notifier name
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsConfigured returns true if a webhook URL is set
func (w *WebhookNotifier) IsConfigured() bool {
	return w != nil && w.url != ""
}

// webhookPayload is the envelope the receiving workflow keys on.
type webhookPayload struct {
	AlertID   string         `json:"alert_id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Send posts the alert as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	data := make(map[string]any, len(alert.Data)+3)
	for k, v := range alert.Data {
		data[k] = v
	}
	data["level"] = alert.Level
	data["message"] = alert.Message
	data["metadata"] = map[string]any{
		"system":  "solanagram",
		"version": "1.0",
	}

	payload := webhookPayload{
		AlertID:   alert.ID,
		Event:     alert.Event,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Data:      data,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Solanagram/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
