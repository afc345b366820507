// Package store persists service configurations, alert configurations,
// validation runs, and anomaly reports. Two backends are provided: SQLite for
// single-node deployments and Postgres for shared ones.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/validator-cli/internal/config"
	"github.com/sells-group/validator-cli/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ConfigID uuid.UUID       `json:"config_id,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the validation pipeline.
type Store interface {
	// Service configurations
	CreateConfig(ctx context.Context, cfg *model.ServiceConfig) error
	UpdateConfig(ctx context.Context, cfg *model.ServiceConfig) error
	GetConfig(ctx context.Context, configID uuid.UUID) (*model.ServiceConfig, error)
	ListConfigs(ctx context.Context) ([]model.ServiceConfig, error)
	ListEnabledConfigs(ctx context.Context) ([]model.ServiceConfig, error)
	DeleteConfig(ctx context.Context, configID uuid.UUID) error

	// Alert configurations, one per service configuration
	UpsertAlertConfig(ctx context.Context, cfg *model.AlertConfig) error
	GetAlertConfig(ctx context.Context, configID uuid.UUID) (*model.AlertConfig, error)

	// Runs
	CreateRun(ctx context.Context, run *model.RunResult) error
	UpdateRun(ctx context.Context, run *model.RunResult) error
	GetRun(ctx context.Context, runID uuid.UUID) (*model.RunResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunResult, error)

	// Anomaly reports
	SaveReport(ctx context.Context, report *model.AnomalyReport) error
	GetReport(ctx context.Context, runID uuid.UUID) (*model.AnomalyReport, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by the configuration and runs migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		s, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}
