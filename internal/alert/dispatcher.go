// Package alert decides whether a run's anomaly report warrants an alert,
// composes the message, and fans it out to the configured channels.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/pkg/inference"
)

const systemPrompt = "You are an alert message composer. Create clear, urgent, actionable alert messages for technical teams. Prioritize critical information and immediate action items."

// RunMeta carries run identification into alert messages.
type RunMeta struct {
	ConfigName string
	RunID      string
}

// ChannelResult is the outcome of one channel send.
type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Result summarizes one dispatch decision and its channel outcomes. Channels
// with no destination configured are omitted from Channels entirely.
type Result struct {
	Sent     bool                     `json:"sent"`
	Message  string                   `json:"message,omitempty"`
	Channels map[string]ChannelResult `json:"channels,omitempty"`
}

// Dispatcher evaluates alert thresholds and sends alerts.
type Dispatcher struct {
	inference inference.Client
	channels  []Channel
}

// NewDispatcher creates a Dispatcher with the standard channel set: webhook,
// slack, and the email stub.
func NewDispatcher(inf inference.Client) *Dispatcher {
	return &Dispatcher{
		inference: inf,
		channels: []Channel{
			NewWebhookChannel(),
			NewSlackChannel(),
			NewEmailChannel(),
		},
	}
}

// NewDispatcherWithChannels creates a Dispatcher with an explicit channel
// set. Used by tests and callers with custom delivery.
func NewDispatcherWithChannels(inf inference.Client, channels ...Channel) *Dispatcher {
	return &Dispatcher{inference: inf, channels: channels}
}

// ShouldSend applies the per-configuration thresholds. A nil or disabled
// config always suppresses dispatch, regardless of the report's own
// alert_triggered flag.
func ShouldSend(cfg *model.AlertConfig, report *model.AnomalyReport) bool {
	if cfg == nil || !cfg.Enabled {
		return false
	}
	if cfg.CriticalSeverityThreshold > 0 && report.CriticalCount >= cfg.CriticalSeverityThreshold {
		return true
	}
	if cfg.HighSeverityThreshold > 0 && report.HighCount >= cfg.HighSeverityThreshold {
		return true
	}
	if cfg.AnomalyCountThreshold > 0 && report.TotalAnomalies >= cfg.AnomalyCountThreshold {
		return true
	}
	return false
}

// Dispatch runs the full decision-compose-send sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, report *model.AnomalyReport, cfg *model.AlertConfig, meta RunMeta) Result {
	if !ShouldSend(cfg, report) {
		zap.L().Debug("alert: dispatch suppressed",
			zap.Bool("config_present", cfg != nil),
			zap.Int("total_anomalies", report.TotalAnomalies),
		)
		return Result{Sent: false}
	}

	message := d.compose(ctx, report, meta)

	results := make(map[string]ChannelResult)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, ch := range d.channels {
		dest, ok := ch.Destination(cfg)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(ch Channel, dest string) {
			defer wg.Done()
			res := send(ctx, ch, dest, message, report)
			mu.Lock()
			results[ch.Name()] = res
			mu.Unlock()
		}(ch, dest)
	}
	wg.Wait()

	for name, res := range results {
		if res.Success {
			zap.L().Info("alert: channel send succeeded", zap.String("channel", name))
		} else {
			zap.L().Error("alert: channel send failed",
				zap.String("channel", name),
				zap.String("detail", res.Detail),
			)
		}
	}

	return Result{Sent: true, Message: message, Channels: results}
}

// send isolates one channel call, converting panics and errors into a failed
// ChannelResult so one channel never takes down the others.
func send(ctx context.Context, ch Channel, dest, message string, report *model.AnomalyReport) (res ChannelResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ChannelResult{Channel: ch.Name(), Success: false, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := ch.Send(ctx, dest, message, report); err != nil {
		return ChannelResult{Channel: ch.Name(), Success: false, Detail: err.Error()}
	}
	return ChannelResult{Channel: ch.Name(), Success: true, Detail: "delivered"}
}

// compose builds the alert message, delegating formatting to the inference
// capability with a deterministic template fallback.
func (d *Dispatcher) compose(ctx context.Context, report *model.AnomalyReport, meta RunMeta) string {
	topAnomalies := report.Anomalies
	if len(topAnomalies) > 5 {
		topAnomalies = topAnomalies[:5]
	}
	topRecommendations := report.Recommendations
	if len(topRecommendations) > 3 {
		topRecommendations = topRecommendations[:3]
	}

	type anomalySummary struct {
		Severity        string `json:"severity"`
		Type            string `json:"type"`
		Description     string `json:"description"`
		Service         string `json:"service"`
		AffectedRecords int    `json:"affected_records"`
	}
	summaries := make([]anomalySummary, len(topAnomalies))
	for i, an := range topAnomalies {
		summaries[i] = anomalySummary{
			Severity:        string(an.Severity),
			Type:            an.AnomalyType,
			Description:     an.Description,
			Service:         an.ServiceID,
			AffectedRecords: an.AffectedRecords,
		}
	}
	summariesJSON, _ := json.MarshalIndent(summaries, "", "  ")
	recsJSON, _ := json.MarshalIndent(topRecommendations, "", "  ")

	prompt := fmt.Sprintf(`Generate a concise, actionable alert message for the following situation:

Configuration: %s
Validation ID: %s
Timestamp: %s

Anomaly Summary:
- Total Anomalies: %d
- Critical: %d
- High: %d
- Medium: %d
- Low: %d

Top Anomalies:
%s

Recommendations:
%s

Create an alert message that:
1. Clearly states the severity and urgency
2. Summarizes key issues
3. Provides immediate action items
4. Is suitable for technical team members

Format as plain text (not JSON), max 500 words.`,
		meta.ConfigName, meta.RunID, time.Now().UTC().Format(time.RFC3339),
		report.TotalAnomalies, report.CriticalCount, report.HighCount,
		report.MediumCount, report.LowCount,
		string(summariesJSON), string(recsJSON),
	)

	text, err := d.inference.Complete(ctx, inference.Request{System: systemPrompt, Prompt: prompt})
	if err != nil || text == "" {
		if err != nil {
			zap.L().Warn("alert: message composition failed, using template", zap.Error(err))
		}
		return fallbackMessage(report, meta)
	}
	return text
}

// fallbackMessage renders the deterministic template with the same data the
// composed message would carry.
func fallbackMessage(report *model.AnomalyReport, meta RunMeta) string {
	severity := "HIGH PRIORITY"
	if report.CriticalCount > 0 {
		severity = "CRITICAL"
	}

	msg := fmt.Sprintf(`%s - Cloud Service Validation Alert

Configuration: %s
Validation ID: %s
Time: %s

Anomalies Detected: %d
- Critical: %d
- High: %d
- Medium: %d
- Low: %d

Top Issues:
%s

Immediate Actions Required:
%s

Please investigate immediately and take corrective action.`,
		severity, meta.ConfigName, meta.RunID,
		time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
		report.TotalAnomalies, report.CriticalCount, report.HighCount,
		report.MediumCount, report.LowCount,
		formatTopAnomalies(report.Anomalies),
		formatActions(report.Recommendations),
	)
	return msg
}

func formatTopAnomalies(anomalies []model.Anomaly) string {
	if len(anomalies) == 0 {
		return "  None"
	}
	if len(anomalies) > 3 {
		anomalies = anomalies[:3]
	}

	var out string
	for i, an := range anomalies {
		desc := an.Description
		if len(desc) > 80 {
			desc = desc[:80]
		}
		out += fmt.Sprintf("%d. [%s] [%s] %s\n", i+1, an.Severity, an.ServiceID, desc)
	}
	return out
}

func formatActions(recommendations []string) string {
	if len(recommendations) > 3 {
		recommendations = recommendations[:3]
	}
	var out string
	for i, rec := range recommendations {
		out += fmt.Sprintf("%d. %s\n", i+1, rec)
	}
	return out
}
