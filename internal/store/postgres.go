package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/validator-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it in
// tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS service_configs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT true,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alert_configs (
	config_id  TEXT PRIMARY KEY REFERENCES service_configs(id),
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	config_id    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	data         JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS anomaly_reports (
	run_id       TEXT PRIMARY KEY REFERENCES runs(id),
	data         JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_service_configs_enabled ON service_configs(enabled);
CREATE INDEX IF NOT EXISTS idx_runs_config_id ON runs(config_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateConfig(ctx context.Context, cfg *model.ServiceConfig) error {
	now := time.Now().UTC()
	if cfg.ConfigID == uuid.Nil {
		cfg.ConfigID = uuid.New()
	}
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	data, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO service_configs (id, name, enabled, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		cfg.ConfigID.String(), cfg.ConfigName, cfg.Enabled, data, now, now,
	)
	return eris.Wrap(err, "postgres: insert config")
}

func (s *PostgresStore) UpdateConfig(ctx context.Context, cfg *model.ServiceConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal config")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE service_configs SET name = $1, enabled = $2, data = $3, updated_at = $4 WHERE id = $5`,
		cfg.ConfigName, cfg.Enabled, data, cfg.UpdatedAt, cfg.ConfigID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update config %s", cfg.ConfigID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "config %s", cfg.ConfigID)
	}
	return nil
}

func (s *PostgresStore) GetConfig(ctx context.Context, configID uuid.UUID) (*model.ServiceConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM service_configs WHERE id = $1`, configID.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: config %s", configID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get config %s", configID)
	}

	var cfg model.ServiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal config")
	}
	return &cfg, nil
}

func (s *PostgresStore) ListConfigs(ctx context.Context) ([]model.ServiceConfig, error) {
	return s.listConfigs(ctx, `SELECT data FROM service_configs ORDER BY created_at`)
}

func (s *PostgresStore) ListEnabledConfigs(ctx context.Context) ([]model.ServiceConfig, error) {
	return s.listConfigs(ctx, `SELECT data FROM service_configs WHERE enabled = true ORDER BY created_at`)
}

func (s *PostgresStore) listConfigs(ctx context.Context, query string) ([]model.ServiceConfig, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list configs")
	}
	defer rows.Close()

	var configs []model.ServiceConfig
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan config")
		}
		var cfg model.ServiceConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal config")
		}
		configs = append(configs, cfg)
	}
	return configs, eris.Wrap(rows.Err(), "postgres: list configs iterate")
}

func (s *PostgresStore) DeleteConfig(ctx context.Context, configID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM alert_configs WHERE config_id = $1`, configID.String(),
	); err != nil {
		return eris.Wrapf(err, "postgres: delete alert config %s", configID)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM service_configs WHERE id = $1`, configID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete config %s", configID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "config %s", configID)
	}
	return nil
}

func (s *PostgresStore) UpsertAlertConfig(ctx context.Context, cfg *model.AlertConfig) error {
	if cfg.AlertID == uuid.Nil {
		cfg.AlertID = uuid.New()
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal alert config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO alert_configs (config_id, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (config_id) DO UPDATE SET data = $2, updated_at = $3`,
		cfg.ConfigID.String(), data, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert alert config")
}

func (s *PostgresStore) GetAlertConfig(ctx context.Context, configID uuid.UUID) (*model.AlertConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM alert_configs WHERE config_id = $1`, configID.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: alert config %s", configID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get alert config %s", configID)
	}

	var cfg model.AlertConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal alert config")
	}
	return &cfg, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.RunResult) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, config_id, status, data, started_at, completed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID.String(), run.ConfigID.String(), string(run.Status), data,
		run.StartedAt, run.CompletedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.RunResult) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, data = $2, completed_at = $3 WHERE id = $4`,
		string(run.Status), data, run.CompletedAt, run.RunID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.RunID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID uuid.UUID) (*model.RunResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM runs WHERE id = $1`, runID.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	var run model.RunResult
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run")
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunResult, error) {
	query := `SELECT data FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ConfigID != uuid.Nil {
		query += fmt.Sprintf(` AND config_id = $%d`, argIdx)
		args = append(args, filter.ConfigID.String())
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var run model.RunResult
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveReport(ctx context.Context, report *model.AnomalyReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO anomaly_reports (run_id, data, generated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET data = $2, generated_at = $3`,
		report.RunID.String(), data, report.GeneratedAt,
	)
	return eris.Wrap(err, "postgres: save report")
}

func (s *PostgresStore) GetReport(ctx context.Context, runID uuid.UUID) (*model.AnomalyReport, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM anomaly_reports WHERE run_id = $1`, runID.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: report for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report %s", runID)
	}

	var report model.AnomalyReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	return &report, nil
}
