// Package scheduler keeps validation runs firing on each configuration's
// schedule and reconciles against the configuration source.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
)

// ConfigSource lists the configurations eligible for scheduling. The store
// satisfies this.
type ConfigSource interface {
	ListEnabledConfigs(ctx context.Context) ([]model.ServiceConfig, error)
}

// Runner executes one validation run for a configuration.
type Runner interface {
	RunScheduled(ctx context.Context, cfg model.ServiceConfig)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cfg model.ServiceConfig)

func (f RunnerFunc) RunScheduled(ctx context.Context, cfg model.ServiceConfig) { f(ctx, cfg) }

// Scheduler wraps a cron runner with per-configuration entries. For each
// configuration at most one run is in flight; a tick that lands while the
// previous run is still going is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	source  ConfigSource
	runner  Runner
	baseCtx context.Context

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID

	reconcileInterval time.Duration
	stopReconcile     context.CancelFunc
	wg                sync.WaitGroup
}

// New creates a Scheduler. The base context is passed to every scheduled run;
// cancelling it stops in-flight runs.
func New(baseCtx context.Context, source ConfigSource, runner Runner, reconcileInterval time.Duration) *Scheduler {
	logger := zapCronLogger{zap.L()}
	return &Scheduler{
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		source:            source,
		runner:            runner,
		baseCtx:           baseCtx,
		entries:           make(map[uuid.UUID]cron.EntryID),
		reconcileInterval: reconcileInterval,
	}
}

// Start begins firing schedules and, when a source is configured, the
// reconcile loop that picks up configurations added while running.
func (s *Scheduler) Start() {
	s.cron.Start()

	if s.source != nil && s.reconcileInterval > 0 {
		ctx, cancel := context.WithCancel(s.baseCtx)
		s.stopReconcile = cancel
		s.wg.Add(1)
		go s.reconcileLoop(ctx)
	}
	zap.L().Info("scheduler: started")
}

// Stop halts the reconcile loop and waits for any run already firing to
// finish. No new ticks fire after Stop returns.
func (s *Scheduler) Stop() {
	if s.stopReconcile != nil {
		s.stopReconcile()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	zap.L().Info("scheduler: stopped")
}

// Schedule adds or replaces the entry for a configuration. An explicit cron
// expression wins over the interval; a configuration with neither is
// rejected.
func (s *Scheduler) Schedule(cfg model.ServiceConfig) error {
	spec := cfg.ScheduleCron
	if spec == "" {
		if cfg.IntervalMinutes <= 0 {
			return eris.Errorf("scheduler: config %s has no schedule", cfg.ConfigName)
		}
		spec = fmt.Sprintf("@every %dm", cfg.IntervalMinutes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[cfg.ConfigID]; ok {
		s.cron.Remove(old)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.runner.RunScheduled(s.baseCtx, cfg)
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: add entry for %s", cfg.ConfigName)
	}
	s.entries[cfg.ConfigID] = id

	zap.L().Info("scheduler: configuration scheduled",
		zap.String("config_id", cfg.ConfigID.String()),
		zap.String("config", cfg.ConfigName),
		zap.String("spec", spec),
	)
	return nil
}

// Unschedule removes a configuration's entry. Removing an unknown id is a
// no-op.
func (s *Scheduler) Unschedule(configID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[configID]; ok {
		s.cron.Remove(id)
		delete(s.entries, configID)
		zap.L().Info("scheduler: configuration unscheduled", zap.String("config_id", configID.String()))
	}
}

// Scheduled reports whether a configuration currently has an entry.
func (s *Scheduler) Scheduled(configID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[configID]
	return ok
}

// Reconcile schedules any enabled configuration from the source that has no
// entry yet. Existing entries are left alone; updates flow through Schedule.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	configs, err := s.source.ListEnabledConfigs(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: list configs")
	}

	for _, cfg := range configs {
		if s.Scheduled(cfg.ConfigID) {
			continue
		}
		if err := s.Schedule(cfg); err != nil {
			zap.L().Error("scheduler: reconcile skip",
				zap.String("config", cfg.ConfigName),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				zap.L().Error("scheduler: reconcile failed", zap.Error(err))
			}
		}
	}
}

// zapCronLogger adapts the global zap logger to cron's Logger interface.
type zapCronLogger struct {
	l *zap.Logger
}

func (z zapCronLogger) Info(msg string, keysAndValues ...any) {
	z.l.Sugar().Infow("scheduler: "+msg, keysAndValues...)
}

func (z zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	z.l.Sugar().Errorw("scheduler: "+msg, append(keysAndValues, "error", err)...)
}
