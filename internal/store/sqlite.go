package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/validator-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS service_configs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS alert_configs (
	config_id  TEXT PRIMARY KEY REFERENCES service_configs(id),
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	config_id    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	data         TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS anomaly_reports (
	run_id       TEXT PRIMARY KEY REFERENCES runs(id),
	data         TEXT NOT NULL,
	generated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_service_configs_enabled ON service_configs(enabled);
CREATE INDEX IF NOT EXISTS idx_runs_config_id ON runs(config_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateConfig(ctx context.Context, cfg *model.ServiceConfig) error {
	now := time.Now().UTC()
	if cfg.ConfigID == uuid.Nil {
		cfg.ConfigID = uuid.New()
	}
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	data, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO service_configs (id, name, enabled, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.ConfigID.String(), cfg.ConfigName, boolToInt(cfg.Enabled), string(data), now, now,
	)
	return eris.Wrap(err, "sqlite: insert config")
}

func (s *SQLiteStore) UpdateConfig(ctx context.Context, cfg *model.ServiceConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal config")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE service_configs SET name = ?, enabled = ?, data = ?, updated_at = ? WHERE id = ?`,
		cfg.ConfigName, boolToInt(cfg.Enabled), string(data), cfg.UpdatedAt, cfg.ConfigID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update config %s", cfg.ConfigID)
	}
	return checkRowsAffected(res, "config", cfg.ConfigID.String())
}

func (s *SQLiteStore) GetConfig(ctx context.Context, configID uuid.UUID) (*model.ServiceConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM service_configs WHERE id = ?`, configID.String(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: config %s", configID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get config %s", configID)
	}

	var cfg model.ServiceConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal config")
	}
	return &cfg, nil
}

func (s *SQLiteStore) ListConfigs(ctx context.Context) ([]model.ServiceConfig, error) {
	return s.listConfigs(ctx, `SELECT data FROM service_configs ORDER BY created_at`)
}

func (s *SQLiteStore) ListEnabledConfigs(ctx context.Context) ([]model.ServiceConfig, error) {
	return s.listConfigs(ctx, `SELECT data FROM service_configs WHERE enabled = 1 ORDER BY created_at`)
}

func (s *SQLiteStore) listConfigs(ctx context.Context, query string) ([]model.ServiceConfig, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list configs")
	}
	defer rows.Close()

	var configs []model.ServiceConfig
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan config")
		}
		var cfg model.ServiceConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal config")
		}
		configs = append(configs, cfg)
	}
	return configs, eris.Wrap(rows.Err(), "sqlite: list configs iterate")
}

func (s *SQLiteStore) DeleteConfig(ctx context.Context, configID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_configs WHERE config_id = ?`, configID.String(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: delete alert config %s", configID)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM service_configs WHERE id = ?`, configID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete config %s", configID)
	}
	return checkRowsAffected(res, "config", configID.String())
}

func (s *SQLiteStore) UpsertAlertConfig(ctx context.Context, cfg *model.AlertConfig) error {
	if cfg.AlertID == uuid.Nil {
		cfg.AlertID = uuid.New()
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal alert config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_configs (config_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (config_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		cfg.ConfigID.String(), string(data), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert alert config")
}

func (s *SQLiteStore) GetAlertConfig(ctx context.Context, configID uuid.UUID) (*model.AlertConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM alert_configs WHERE config_id = ?`, configID.String(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: alert config %s", configID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get alert config %s", configID)
	}

	var cfg model.AlertConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal alert config")
	}
	return &cfg, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.RunResult) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, config_id, status, data, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID.String(), run.ConfigID.String(), string(run.Status), string(data),
		run.StartedAt, run.CompletedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.RunResult) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, data = ?, completed_at = ? WHERE id = ?`,
		string(run.Status), string(data), run.CompletedAt, run.RunID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.RunID)
	}
	return checkRowsAffected(res, "run", run.RunID.String())
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID uuid.UUID) (*model.RunResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM runs WHERE id = ?`, runID.String(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	var run model.RunResult
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run")
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunResult, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any

	if filter.ConfigID != uuid.Nil {
		query += ` AND config_id = ?`
		args = append(args, filter.ConfigID.String())
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var run model.RunResult
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveReport(ctx context.Context, report *model.AnomalyReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomaly_reports (run_id, data, generated_at) VALUES (?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET data = excluded.data, generated_at = excluded.generated_at`,
		report.RunID.String(), string(data), report.GeneratedAt,
	)
	return eris.Wrap(err, "sqlite: save report")
}

func (s *SQLiteStore) GetReport(ctx context.Context, runID uuid.UUID) (*model.AnomalyReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM anomaly_reports WHERE run_id = ?`, runID.String(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: report for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", runID)
	}

	var report model.AnomalyReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	return &report, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
