package notify

import (
	"context"
	"fmt"
	"html"
	"sort"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendNotifier sends alert emails via the Resend API
type ResendNotifier struct {
	client      *resend.Client
	fromAddress string
	toAddress   string
}

// NewResendNotifier creates a new Resend email notifier
func NewResendNotifier(apiKey, from, to string) *ResendNotifier {
	if apiKey == "" {
		return nil
	}
	return &ResendNotifier{
		client:      resend.NewClient(apiKey),
		fromAddress: from,
		toAddress:   to,
	}
}

// IsConfigured returns true if the notifier has server-side config
func (r *ResendNotifier) IsConfigured() bool {
	return r != nil && r.client != nil && r.fromAddress != "" && r.toAddress != ""
}

// Name returns the notifier name
func (r *ResendNotifier) Name() string {
	return "resend"
}

// Send emails the alert to the configured operator address.
func (r *ResendNotifier) Send(ctx context.Context, alert Alert) error {
	subject := fmt.Sprintf("[Solanagram] %s: %s", alert.Level, alert.Event)

	params := &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      []string{r.toAddress},
		Subject: subject,
		Html:    r.formatAlertHTML(alert),
	}

	_, err := r.client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}
	return nil
}

// formatAlertHTML creates the HTML email body
func (r *ResendNotifier) formatAlertHTML(alert Alert) string {
	badgeColor := "#17a2b8"
	switch alert.Level {
	case LevelWarning:
		badgeColor = "#ffc107"
	case LevelCritical:
		badgeColor = "#dc3545"
	}

	// Stable row order so repeated alerts diff cleanly in a mailbox.
	keys := make([]string, 0, len(alert.Data))
	for k := range alert.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rowsHTML := ""
	for _, k := range keys {
		rowsHTML += fmt.Sprintf(`<tr><td style="padding: 4px 12px 4px 0; color: #666;">%s</td><td style="padding: 4px 0;">%s</td></tr>`,
			html.EscapeString(k), html.EscapeString(fmt.Sprintf("%v", alert.Data[k])))
	}

	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; background-color: #f5f5f5;">
  <div style="background-color: white; border-radius: 8px; padding: 24px; box-shadow: 0 2px 4px rgba(0,0,0,0.1);">
    <div style="margin-bottom: 16px;">
      <span style="background-color: %s; color: white; padding: 4px 12px; border-radius: 4px; font-size: 12px; font-weight: 600;">%s</span>
    </div>

    <h2 style="margin: 0 0 16px 0; color: #333;">%s</h2>

    <p style="margin: 16px 0;">%s</p>

    <div style="background: #f8f9fa; padding: 16px; border-radius: 8px; margin: 16px 0; border-left: 4px solid #007bff;">
      <table style="border-collapse: collapse; font-size: 14px;">%s</table>
    </div>

    <hr style="margin-top: 32px; border: none; border-top: 1px solid #eee;">
    <p style="color: #999; font-size: 12px; margin-top: 16px;">
      Solanagram - Session Orchestrator<br>
      <span style="color: #ccc;">Sent at %s</span>
    </p>
  </div>
</body>
</html>`,
		badgeColor,
		html.EscapeString(alert.Level),
		html.EscapeString(alert.Event),
		html.EscapeString(alert.Message),
		rowsHTML,
		time.Now().Format("Jan 2, 2006 3:04 PM"),
	)
}
