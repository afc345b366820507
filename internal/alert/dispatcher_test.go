package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/pkg/inference"
)

type mockInference struct {
	mock.Mock
}

func (m *mockInference) Complete(ctx context.Context, req inference.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func sampleReport() *model.AnomalyReport {
	return &model.AnomalyReport{
		ReportID:       uuid.New(),
		RunID:          uuid.New(),
		TotalAnomalies: 4,
		CriticalCount:  1,
		HighCount:      2,
		MediumCount:    1,
		Anomalies: []model.Anomaly{
			{Severity: model.SeverityCritical, ServiceID: "orders", Description: "order records missing downstream", AnomalyType: "missing_data", AffectedRecords: 12},
			{Severity: model.SeverityHigh, ServiceID: "payments", Description: "amounts disagree", AnomalyType: "data_mismatch"},
		},
		Recommendations: []string{"reconcile orders", "check payment gateway", "audit sync job", "rotate keys"},
	}
}

func enabledConfig() *model.AlertConfig {
	return &model.AlertConfig{
		Enabled:                   true,
		AnomalyCountThreshold:     5,
		CriticalSeverityThreshold: 1,
		HighSeverityThreshold:     3,
	}
}

func TestShouldSend(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *model.AlertConfig
		report model.AnomalyReport
		want   bool
	}{
		{"nil config never sends", nil, model.AnomalyReport{CriticalCount: 10}, false},
		{
			"disabled config never sends",
			&model.AlertConfig{Enabled: false, CriticalSeverityThreshold: 1},
			model.AnomalyReport{CriticalCount: 10},
			false,
		},
		{
			"critical threshold met",
			enabledConfig(),
			model.AnomalyReport{CriticalCount: 1, TotalAnomalies: 1},
			true,
		},
		{
			"high threshold met",
			enabledConfig(),
			model.AnomalyReport{HighCount: 3, TotalAnomalies: 3},
			true,
		},
		{
			"count threshold met",
			enabledConfig(),
			model.AnomalyReport{MediumCount: 5, TotalAnomalies: 5},
			true,
		},
		{
			"below all thresholds",
			enabledConfig(),
			model.AnomalyReport{HighCount: 2, MediumCount: 2, TotalAnomalies: 4},
			false,
		},
		{
			"zero thresholds never match",
			&model.AlertConfig{Enabled: true},
			model.AnomalyReport{CriticalCount: 3, TotalAnomalies: 3},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSend(tt.cfg, &tt.report))
		})
	}
}

func TestDispatchSuppressedBelowThresholds(t *testing.T) {
	inf := &mockInference{}
	d := NewDispatcher(inf)

	report := &model.AnomalyReport{TotalAnomalies: 1, MediumCount: 1}
	res := d.Dispatch(context.Background(), report, enabledConfig(), RunMeta{})

	assert.False(t, res.Sent)
	assert.Empty(t, res.Message)
	inf.AssertNumberOfCalls(t, "Complete", 0)
}

func TestDispatchWebhookAndSlack(t *testing.T) {
	var webhookBody, slackBody map[string]any

	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&webhookBody))
	}))
	defer webhookSrv.Close()
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&slackBody))
	}))
	defer slackSrv.Close()

	inf := &mockInference{}
	inf.On("Complete", mock.Anything, mock.Anything).Return("Critical anomalies found, act now.", nil)

	cfg := enabledConfig()
	cfg.WebhookEnabled = true
	cfg.WebhookURL = webhookSrv.URL
	cfg.SlackEnabled = true
	cfg.SlackWebhook = slackSrv.URL

	d := NewDispatcher(inf)
	res := d.Dispatch(context.Background(), sampleReport(), cfg, RunMeta{ConfigName: "prod", RunID: "run-1"})

	assert.True(t, res.Sent)
	assert.Equal(t, "Critical anomalies found, act now.", res.Message)

	require.Contains(t, res.Channels, "webhook")
	assert.True(t, res.Channels["webhook"].Success)
	require.Contains(t, res.Channels, "slack")
	assert.True(t, res.Channels["slack"].Success)
	// Email not configured, so not attempted at all.
	assert.NotContains(t, res.Channels, "email")

	assert.Equal(t, "cloud_validation_anomaly", webhookBody["alert_type"])
	assert.EqualValues(t, 4, webhookBody["total_anomalies"])
	assert.Contains(t, slackBody["text"], "Validation Alert")
}

func TestDispatchChannelFailureIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inf := &mockInference{}
	inf.On("Complete", mock.Anything, mock.Anything).Return("msg", nil)

	cfg := enabledConfig()
	cfg.WebhookEnabled = true
	cfg.WebhookURL = srv.URL
	cfg.EmailEnabled = true
	cfg.EmailRecipients = []string{"ops@example.com"}

	d := NewDispatcher(inf)
	res := d.Dispatch(context.Background(), sampleReport(), cfg, RunMeta{})

	assert.True(t, res.Sent)
	require.Contains(t, res.Channels, "webhook")
	assert.False(t, res.Channels["webhook"].Success)
	assert.Contains(t, res.Channels["webhook"].Detail, "status 502")
	// The email stub still succeeds.
	require.Contains(t, res.Channels, "email")
	assert.True(t, res.Channels["email"].Success)
}

func TestDispatchComposeFallsBackToTemplate(t *testing.T) {
	inf := &mockInference{}
	inf.On("Complete", mock.Anything, mock.Anything).Return("", eris.New("deadline exceeded"))

	cfg := enabledConfig()
	cfg.EmailEnabled = true
	cfg.EmailRecipients = []string{"ops@example.com"}

	d := NewDispatcher(inf)
	res := d.Dispatch(context.Background(), sampleReport(), cfg, RunMeta{ConfigName: "prod", RunID: "run-9"})

	assert.True(t, res.Sent)
	assert.True(t, strings.HasPrefix(res.Message, "CRITICAL"), "critical count > 0 escalates the header")
	assert.Contains(t, res.Message, "Configuration: prod")
	assert.Contains(t, res.Message, "Validation ID: run-9")
	assert.Contains(t, res.Message, "Anomalies Detected: 4")
	assert.Contains(t, res.Message, "1. reconcile orders")
	// Only the top 3 actions make the template.
	assert.NotContains(t, res.Message, "rotate keys")
}

func TestDispatchComposePromptCarriesTopAnomalies(t *testing.T) {
	inf := &mockInference{}
	inf.On("Complete", mock.Anything, mock.MatchedBy(func(req inference.Request) bool {
		return strings.Contains(req.Prompt, "order records missing downstream") &&
			strings.Contains(req.Prompt, "Configuration: prod")
	})).Return("composed", nil)

	cfg := enabledConfig()
	cfg.EmailEnabled = true
	cfg.EmailRecipients = []string{"ops@example.com"}

	d := NewDispatcher(inf)
	res := d.Dispatch(context.Background(), sampleReport(), cfg, RunMeta{ConfigName: "prod"})

	assert.Equal(t, "composed", res.Message)
	inf.AssertExpectations(t)
}

func TestFallbackMessageHighPriorityHeader(t *testing.T) {
	report := &model.AnomalyReport{TotalAnomalies: 3, HighCount: 3}
	msg := fallbackMessage(report, RunMeta{ConfigName: "staging"})

	assert.True(t, strings.HasPrefix(msg, "HIGH PRIORITY"))
	assert.Contains(t, msg, "Top Issues:\n  None")
}
