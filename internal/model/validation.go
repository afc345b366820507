// Package model defines the core value types shared across the validation
// pipeline: service endpoints, validation rules, data snapshots, verification
// outcomes, anomalies, and run results.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AuthKind identifies an authentication strategy for a service endpoint.
type AuthKind string

const (
	AuthAPIKey           AuthKind = "api_key"
	AuthBearerToken      AuthKind = "bearer_token"
	AuthBasic            AuthKind = "basic_auth"
	AuthOAuth2           AuthKind = "oauth2"
	AuthServicePrincipal AuthKind = "service_principal"
	AuthCustom           AuthKind = "custom"
)

// AuthConfig describes how to authenticate against one service. Exactly one
// kind is active; Credentials carries the kind-specific fields (api_key,
// token, username/password, client_id/client_secret, tenant_id, scope, ...).
type AuthConfig struct {
	Kind          AuthKind          `json:"auth_type" yaml:"auth_type"`
	Credentials   map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TokenEndpoint string            `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`
}

// ServiceEndpoint is one service participating in a validation run. Immutable
// once a run starts.
type ServiceEndpoint struct {
	ServiceID       string        `json:"service_id" yaml:"service_id"`
	ServiceName     string        `json:"service_name" yaml:"service_name"`
	ServiceType     string        `json:"service_type" yaml:"service_type"`
	Endpoint        string        `json:"endpoint" yaml:"endpoint"`
	Auth            AuthConfig    `json:"auth_config" yaml:"auth_config"`
	HealthCheckPath string        `json:"health_check_path,omitempty" yaml:"health_check_path,omitempty"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
}

// ValidationRule checks data from a source service, optionally against a
// target service. A nil TargetService means a single-service rule.
type ValidationRule struct {
	RuleID          string   `json:"rule_id" yaml:"rule_id"`
	RuleName        string   `json:"rule_name" yaml:"rule_name"`
	Description     string   `json:"description" yaml:"description"`
	SourceService   string   `json:"source_service" yaml:"source_service"`
	TargetService   string   `json:"target_service,omitempty" yaml:"target_service,omitempty"`
	ValidationQuery string   `json:"validation_query,omitempty" yaml:"validation_query,omitempty"`
	ExpectedFields  []string `json:"expected_fields,omitempty" yaml:"expected_fields,omitempty"`
	ComparisonLogic string   `json:"comparison_logic,omitempty" yaml:"comparison_logic,omitempty"`
}

// ServiceConfig is the full configuration for one validated primary service
// and its dependents.
type ServiceConfig struct {
	ConfigID          uuid.UUID         `json:"config_id" yaml:"config_id"`
	ConfigName        string            `json:"config_name" yaml:"config_name"`
	PrimaryService    ServiceEndpoint   `json:"primary_service" yaml:"primary_service"`
	DependentServices []ServiceEndpoint `json:"dependent_services" yaml:"dependent_services"`
	ValidationRules   []ValidationRule  `json:"validation_rules" yaml:"validation_rules"`
	ScheduleCron      string            `json:"schedule_cron,omitempty" yaml:"schedule_cron,omitempty"`
	IntervalMinutes   int               `json:"validation_interval_minutes" yaml:"validation_interval_minutes"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	CreatedAt         time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" yaml:"updated_at"`
}

// AllServices returns the primary service followed by the dependents.
func (c *ServiceConfig) AllServices() []ServiceEndpoint {
	services := make([]ServiceEndpoint, 0, len(c.DependentServices)+1)
	services = append(services, c.PrimaryService)
	services = append(services, c.DependentServices...)
	return services
}

// DataSnapshot is the normalized result of fetching one service's data. A
// snapshot with Success=false carries an empty payload and short-circuits any
// rule that depends on it.
type DataSnapshot struct {
	ServiceID     string         `json:"service_id"`
	FetchedAt     time.Time      `json:"fetched_at"`
	Data          map[string]any `json:"data"`
	RecordCount   int            `json:"record_count"`
	FetchDuration time.Duration  `json:"fetch_duration"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// VerificationOutcome is the pass/fail result of checking one rule.
type VerificationOutcome struct {
	RuleID  string         `json:"rule_id"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Severity classifies how serious an anomaly is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a string to a Severity, defaulting to medium for
// anything unrecognized.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// Anomaly is a classified deviation derived from a failed verification.
type Anomaly struct {
	AnomalyID           uuid.UUID `json:"anomaly_id"`
	RunID               uuid.UUID `json:"validation_id"`
	RuleID              string    `json:"rule_id"`
	Severity            Severity  `json:"severity"`
	DetectedAt          time.Time `json:"detected_at"`
	ServiceID           string    `json:"service_id"`
	AnomalyType         string    `json:"anomaly_type"`
	Description         string    `json:"description"`
	AffectedRecords     int       `json:"affected_records"`
	ExpectedValue       any       `json:"expected_value,omitempty"`
	ActualValue         any       `json:"actual_value,omitempty"`
	DeviationPercentage *float64  `json:"deviation_percentage,omitempty"`
}

// AnomalyReport aggregates the anomalies of one run.
type AnomalyReport struct {
	ReportID        uuid.UUID  `json:"report_id"`
	RunID           uuid.UUID  `json:"validation_id"`
	GeneratedAt     time.Time  `json:"generated_at"`
	TotalAnomalies  int        `json:"total_anomalies"`
	CriticalCount   int        `json:"critical_count"`
	HighCount       int        `json:"high_count"`
	MediumCount     int        `json:"medium_count"`
	LowCount        int        `json:"low_count"`
	Anomalies       []Anomaly  `json:"anomalies"`
	Recommendations []string   `json:"recommendations"`
	AlertTriggered  bool       `json:"alert_triggered"`
	AlertSentAt     *time.Time `json:"alert_sent_at,omitempty"`
}

// CountsConsistent reports whether the per-severity counts partition the
// anomaly total.
func (r *AnomalyReport) CountsConsistent() bool {
	return r.CriticalCount+r.HighCount+r.MediumCount+r.LowCount == r.TotalAnomalies
}

// AlertConfig configures alert thresholds and delivery channels for one
// service configuration.
type AlertConfig struct {
	AlertID  uuid.UUID `json:"alert_id" yaml:"alert_id"`
	ConfigID uuid.UUID `json:"config_id" yaml:"config_id"`
	Enabled  bool      `json:"enabled" yaml:"enabled"`

	// Thresholds compare against the report's counts with >=. A zero
	// threshold is inactive, so an AlertConfig with all thresholds unset
	// never sends even when Enabled.
	AnomalyCountThreshold     int `json:"anomaly_count_threshold" yaml:"anomaly_count_threshold"`
	CriticalSeverityThreshold int `json:"critical_severity_threshold" yaml:"critical_severity_threshold"`
	HighSeverityThreshold     int `json:"high_severity_threshold" yaml:"high_severity_threshold"`

	EmailEnabled    bool     `json:"email_enabled" yaml:"email_enabled"`
	EmailRecipients []string `json:"email_recipients,omitempty" yaml:"email_recipients,omitempty"`
	SlackEnabled    bool     `json:"slack_enabled" yaml:"slack_enabled"`
	SlackWebhook    string   `json:"slack_webhook,omitempty" yaml:"slack_webhook,omitempty"`
	WebhookEnabled  bool     `json:"webhook_enabled" yaml:"webhook_enabled"`
	WebhookURL      string   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
}

// RunStatus is the lifecycle state of a validation run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunResult captures everything produced by one validation run. It
// exclusively owns its snapshot list for its lifetime.
type RunResult struct {
	RunID       uuid.UUID  `json:"validation_id"`
	ConfigID    uuid.UUID  `json:"config_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    float64    `json:"duration_seconds"`

	Snapshots []DataSnapshot        `json:"data_snapshots"`
	Outcomes  []VerificationOutcome `json:"verification_results"`

	RulesChecked      int `json:"rules_checked"`
	RulesPassed       int `json:"rules_passed"`
	RulesFailed       int `json:"rules_failed"`
	AnomaliesDetected int `json:"anomalies_detected"`

	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Snapshot returns the snapshot for a service id, or nil if the run holds
// none for it.
func (r *RunResult) Snapshot(serviceID string) *DataSnapshot {
	for i := range r.Snapshots {
		if r.Snapshots[i].ServiceID == serviceID {
			return &r.Snapshots[i]
		}
	}
	return nil
}
