package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
)

// Channel delivers a composed alert message to one destination type.
type Channel interface {
	// Name identifies the channel in dispatch results.
	Name() string
	// Destination extracts this channel's target from the alert config,
	// reporting false when the channel is disabled or unconfigured.
	Destination(cfg *model.AlertConfig) (string, bool)
	Send(ctx context.Context, dest, message string, report *model.AnomalyReport) error
}

// WebhookChannel posts the alert as JSON to a generic webhook URL.
type WebhookChannel struct {
	client *http.Client
}

func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Destination(cfg *model.AlertConfig) (string, bool) {
	if !cfg.WebhookEnabled || cfg.WebhookURL == "" {
		return "", false
	}
	return cfg.WebhookURL, true
}

func (w *WebhookChannel) Send(ctx context.Context, dest, message string, report *model.AnomalyReport) error {
	payload, err := json.Marshal(map[string]any{
		"alert_type":      "cloud_validation_anomaly",
		"message":         message,
		"run_id":          report.RunID.String(),
		"total_anomalies": report.TotalAnomalies,
		"critical_count":  report.CriticalCount,
		"high_count":      report.HighCount,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return eris.Wrap(err, "alert: marshal webhook payload")
	}
	return post(ctx, w.client, dest, payload)
}

// SlackChannel posts the alert to a Slack incoming-webhook URL using the
// blocks layout.
type SlackChannel struct {
	client *http.Client
}

func NewSlackChannel() *SlackChannel {
	return &SlackChannel{client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Destination(cfg *model.AlertConfig) (string, bool) {
	if !cfg.SlackEnabled || cfg.SlackWebhook == "" {
		return "", false
	}
	return cfg.SlackWebhook, true
}

func (s *SlackChannel) Send(ctx context.Context, dest, message string, report *model.AnomalyReport) error {
	emoji := ":warning:"
	if report.CriticalCount > 0 {
		emoji = ":rotating_light:"
	}

	payload, err := json.Marshal(map[string]any{
		"text": emoji + " Cloud Service Validation Alert",
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": emoji + " Validation Alert",
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": message,
				},
			},
		},
	})
	if err != nil {
		return eris.Wrap(err, "alert: marshal slack payload")
	}
	return post(ctx, s.client, dest, payload)
}

// EmailChannel records the send without delivering. SMTP transport is not
// wired; the channel reports success so threshold and routing behavior stays
// observable end to end.
type EmailChannel struct{}

func NewEmailChannel() *EmailChannel { return &EmailChannel{} }

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Destination(cfg *model.AlertConfig) (string, bool) {
	if !cfg.EmailEnabled || len(cfg.EmailRecipients) == 0 {
		return "", false
	}
	return strings.Join(cfg.EmailRecipients, ","), true
}

func (e *EmailChannel) Send(ctx context.Context, dest, message string, report *model.AnomalyReport) error {
	zap.L().Info("alert: email alert recorded",
		zap.String("recipients", dest),
		zap.Int("message_length", len(message)),
	)
	return nil
}

func post(ctx context.Context, client *http.Client, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alert: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alert: post")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alert: destination returned status %d", resp.StatusCode)
	}
	return nil
}
