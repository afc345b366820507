// Package anomaly turns failed verification outcomes into severity-classified
// anomaly records and rolls them into a report with recommendations.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/pkg/inference"
)

// classifyPromptBudget bounds the serialized failed-outcome list in the
// classification prompt.
const classifyPromptBudget = 3000

// maxRecommendationInput caps how many anomalies feed the recommendation
// prompt, in input order.
const maxRecommendationInput = 10

const systemPrompt = "You are an anomaly detection specialist. Identify data anomalies, assess severity (critical/high/medium/low), and provide actionable recommendations. Be specific about impact and remediation."

// fallbackRecommendations is returned when recommendation generation fails.
func fallbackRecommendations(total int) []string {
	return []string{
		fmt.Sprintf("Investigate %d detected anomalies", total),
		"Review service logs for error patterns",
		"Check network connectivity between services",
		"Verify authentication credentials are valid",
		"Consider implementing data reconciliation jobs",
	}
}

// Aggregator classifies failures and builds anomaly reports.
type Aggregator struct {
	inference inference.Client
}

// NewAggregator creates an Aggregator backed by the given inference client.
func NewAggregator(inf inference.Client) *Aggregator {
	return &Aggregator{inference: inf}
}

// Detect produces anomalies for the failed outcomes of a run. Passed
// outcomes never generate anomalies. Classification runs as one batched
// inference call over all failures; on failure, each failed outcome becomes
// one medium verification_failure anomaly.
func (a *Aggregator) Detect(ctx context.Context, runID uuid.UUID, outcomes []model.VerificationOutcome, snapshots []model.DataSnapshot) []model.Anomaly {
	var failed []model.VerificationOutcome
	for _, o := range outcomes {
		if !o.Passed {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	anomalies, err := a.classify(ctx, runID, failed, snapshots)
	if err != nil {
		zap.L().Warn("anomaly: classification failed, using fallback",
			zap.String("run_id", runID.String()),
			zap.Int("failed_outcomes", len(failed)),
			zap.Error(err),
		)
		return fallbackAnomalies(runID, failed)
	}
	return anomalies
}

// classifiedAnomaly is the JSON element shape expected from classification.
type classifiedAnomaly struct {
	RuleID              string   `json:"rule_id"`
	Severity            string   `json:"severity"`
	ServiceID           string   `json:"service_id"`
	AnomalyType         string   `json:"anomaly_type"`
	Description         string   `json:"description"`
	AffectedRecords     int      `json:"affected_records"`
	DeviationPercentage *float64 `json:"deviation_percentage"`
	ExpectedValue       any      `json:"expected_value"`
	ActualValue         any      `json:"actual_value"`
}

func (a *Aggregator) classify(ctx context.Context, runID uuid.UUID, failed []model.VerificationOutcome, snapshots []model.DataSnapshot) ([]model.Anomaly, error) {
	type failedSummary struct {
		RuleID  string         `json:"rule_id"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}
	summaries := make([]failedSummary, len(failed))
	for i, o := range failed {
		summaries[i] = failedSummary{RuleID: o.RuleID, Message: o.Message, Details: o.Details}
	}
	failedJSON, _ := json.Marshal(summaries)

	type snapSummary struct {
		ServiceID   string `json:"service_id"`
		Success     bool   `json:"success"`
		RecordCount int    `json:"record_count"`
	}
	snaps := make([]snapSummary, len(snapshots))
	for i, s := range snapshots {
		snaps[i] = snapSummary{ServiceID: s.ServiceID, Success: s.Success, RecordCount: s.RecordCount}
	}
	snapsJSON, _ := json.Marshal(snaps)

	prompt := fmt.Sprintf(`Analyze the following failed verification results and detect anomalies:

Failed Verifications:
%s

Data Snapshots Summary:
%s

For each anomaly found, provide:
1. Severity (critical/high/medium/low):
   - CRITICAL: Data loss, security issues, complete failures
   - HIGH: Significant inconsistencies affecting many records
   - MEDIUM: Moderate inconsistencies or data quality issues
   - LOW: Minor issues, edge cases

2. Anomaly type (e.g., data_mismatch, missing_data, data_quality, consistency_error)
3. Affected records count (estimate)
4. Description
5. Deviation percentage (if applicable)

Respond with a JSON array of anomalies:
[
  {
    "rule_id": "rule_id",
    "severity": "high",
    "service_id": "service_id",
    "anomaly_type": "data_mismatch",
    "description": "Clear description",
    "affected_records": 10,
    "deviation_percentage": 15.5,
    "expected_value": "what was expected",
    "actual_value": "what was found"
  }
]

Return ONLY valid JSON array, no additional text.`,
		inference.Truncate(string(failedJSON), classifyPromptBudget),
		string(snapsJSON),
	)

	text, err := a.inference.Complete(ctx, inference.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return nil, err
	}

	var classified []classifiedAnomaly
	if err := inference.UnmarshalResponse(text, &classified); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	anomalies := make([]model.Anomaly, 0, len(classified))
	for _, c := range classified {
		ruleID := c.RuleID
		if ruleID == "" {
			ruleID = "unknown"
		}
		serviceID := c.ServiceID
		if serviceID == "" {
			serviceID = "unknown"
		}
		anomalyType := c.AnomalyType
		if anomalyType == "" {
			anomalyType = "unknown"
		}
		description := c.Description
		if description == "" {
			description = "Anomaly detected"
		}
		anomalies = append(anomalies, model.Anomaly{
			AnomalyID:           uuid.New(),
			RunID:               runID,
			RuleID:              ruleID,
			Severity:            model.ParseSeverity(c.Severity),
			DetectedAt:          now,
			ServiceID:           serviceID,
			AnomalyType:         anomalyType,
			Description:         description,
			AffectedRecords:     max(c.AffectedRecords, 0),
			ExpectedValue:       c.ExpectedValue,
			ActualValue:         c.ActualValue,
			DeviationPercentage: c.DeviationPercentage,
		})
	}
	return anomalies, nil
}

func fallbackAnomalies(runID uuid.UUID, failed []model.VerificationOutcome) []model.Anomaly {
	now := time.Now().UTC()
	anomalies := make([]model.Anomaly, len(failed))
	for i, o := range failed {
		anomalies[i] = model.Anomaly{
			AnomalyID:       uuid.New(),
			RunID:           runID,
			RuleID:          o.RuleID,
			Severity:        model.SeverityMedium,
			DetectedAt:      now,
			ServiceID:       "unknown",
			AnomalyType:     "verification_failure",
			Description:     o.Message,
			AffectedRecords: 0,
		}
	}
	return anomalies
}

// BuildReport rolls anomalies into a report: severity counts, the fixed
// alert-trigger policy, and recommendations. The trigger policy is
// intentionally independent of any per-configuration AlertConfig thresholds,
// which the dispatcher applies later as a second gate.
func (a *Aggregator) BuildReport(ctx context.Context, runID uuid.UUID, anomalies []model.Anomaly) model.AnomalyReport {
	report := model.AnomalyReport{
		ReportID:       uuid.New(),
		RunID:          runID,
		GeneratedAt:    time.Now().UTC(),
		TotalAnomalies: len(anomalies),
		Anomalies:      anomalies,
	}

	for _, an := range anomalies {
		switch an.Severity {
		case model.SeverityCritical:
			report.CriticalCount++
		case model.SeverityHigh:
			report.HighCount++
		case model.SeverityLow:
			report.LowCount++
		default:
			report.MediumCount++
		}
	}

	report.Recommendations = a.recommend(ctx, anomalies)

	report.AlertTriggered = report.CriticalCount > 0 ||
		report.HighCount >= 3 ||
		report.TotalAnomalies >= 5
	// AlertSentAt marks when the trigger policy fired, not delivery; the
	// dispatcher records actual channel outcomes on the run.
	if report.AlertTriggered {
		now := time.Now().UTC()
		report.AlertSentAt = &now
	}

	return report
}

// recommend asks for 3-7 action items over the top anomalies; failures fall
// back to the fixed five-item list. An empty anomaly list yields a single
// all-clear recommendation with no inference call.
func (a *Aggregator) recommend(ctx context.Context, anomalies []model.Anomaly) []string {
	if len(anomalies) == 0 {
		return []string{"No anomalies detected. All services are operating normally."}
	}

	top := anomalies
	if len(top) > maxRecommendationInput {
		top = top[:maxRecommendationInput]
	}

	type anomalySummary struct {
		Severity        string `json:"severity"`
		Type            string `json:"type"`
		Description     string `json:"description"`
		AffectedRecords int    `json:"affected_records"`
		Service         string `json:"service"`
	}
	summaries := make([]anomalySummary, len(top))
	for i, an := range top {
		summaries[i] = anomalySummary{
			Severity:        string(an.Severity),
			Type:            an.AnomalyType,
			Description:     an.Description,
			AffectedRecords: an.AffectedRecords,
			Service:         an.ServiceID,
		}
	}
	summariesJSON, _ := json.MarshalIndent(summaries, "", "  ")

	prompt := fmt.Sprintf(`Based on the following anomalies, provide actionable recommendations:

Anomalies:
%s

Total Anomalies: %d

Provide 3-7 specific, actionable recommendations to:
1. Fix immediate issues
2. Prevent recurrence
3. Improve data quality
4. Optimize service interactions

Format as a JSON array of strings:
["Recommendation 1", "Recommendation 2", ...]

Return ONLY valid JSON array, no additional text.`,
		string(summariesJSON), len(anomalies),
	)

	text, err := a.inference.Complete(ctx, inference.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		zap.L().Warn("anomaly: recommendation generation failed, using fallback", zap.Error(err))
		return fallbackRecommendations(len(anomalies))
	}

	var recommendations []string
	if err := inference.UnmarshalResponse(text, &recommendations); err != nil || len(recommendations) == 0 {
		return fallbackRecommendations(len(anomalies))
	}
	return recommendations
}
