// Package orchestrator drives one validation run end to end: concurrent data
// fetches, ordered rule verification, anomaly aggregation, and alert dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/validator-cli/internal/alert"
	"github.com/sells-group/validator-cli/internal/model"
)

// Fetcher produces one data snapshot per service endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, ep model.ServiceEndpoint) model.DataSnapshot
}

// Checker evaluates one validation rule against the run's snapshots.
type Checker interface {
	Check(ctx context.Context, rule model.ValidationRule, snapshots []model.DataSnapshot) model.VerificationOutcome
}

// Aggregator classifies failed outcomes and builds the anomaly report.
type Aggregator interface {
	Detect(ctx context.Context, runID uuid.UUID, outcomes []model.VerificationOutcome, snapshots []model.DataSnapshot) []model.Anomaly
	BuildReport(ctx context.Context, runID uuid.UUID, anomalies []model.Anomaly) model.AnomalyReport
}

// AlertDispatcher decides on and delivers alerts for a finished report.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, report *model.AnomalyReport, cfg *model.AlertConfig, meta alert.RunMeta) alert.Result
}

type activeRun struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Orchestrator runs validation pipelines and tracks in-flight runs for
// cooperative cancellation.
type Orchestrator struct {
	fetcher    Fetcher
	checker    Checker
	aggregator Aggregator
	dispatcher AlertDispatcher

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
}

// New wires an Orchestrator from its stage implementations.
func New(fetcher Fetcher, checker Checker, aggregator Aggregator, dispatcher AlertDispatcher) *Orchestrator {
	return &Orchestrator{
		fetcher:    fetcher,
		checker:    checker,
		aggregator: aggregator,
		dispatcher: dispatcher,
		active:     make(map[uuid.UUID]*activeRun),
	}
}

// Run executes one validation run with a fresh run id.
func (o *Orchestrator) Run(ctx context.Context, cfg *model.ServiceConfig, alertCfg *model.AlertConfig) (*model.RunResult, *model.AnomalyReport) {
	return o.RunWithID(ctx, uuid.New(), cfg, alertCfg)
}

// RunWithID executes one validation run under a caller-chosen run id, so the
// id can be handed out before the run completes. The returned result is
// always terminal; the report is nil when the run stopped before the
// aggregation stage. A panicking stage fails the run instead of unwinding
// into the caller, so one bad run cannot take down its sibling runs or the
// process hosting them.
func (o *Orchestrator) RunWithID(ctx context.Context, runID uuid.UUID, cfg *model.ServiceConfig, alertCfg *model.AlertConfig) (result *model.RunResult, report *model.AnomalyReport) {
	result = &model.RunResult{
		RunID:     runID,
		ConfigID:  cfg.ConfigID,
		Status:    model.RunStatusPending,
		StartedAt: time.Now().UTC(),
		Details:   make(map[string]any),
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("orchestrator: stage panicked",
				zap.String("run_id", runID.String()),
				zap.Any("panic", r),
			)
			result.Status = model.RunStatusFailed
			result.ErrorMessage = fmt.Sprintf("stage panic: %v", r)
			result = o.finish(result)
			report = nil
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &activeRun{cancel: cancel}
	o.mu.Lock()
	o.active[runID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	result.Status = model.RunStatusInProgress
	zap.L().Info("orchestrator: run started",
		zap.String("run_id", runID.String()),
		zap.String("config", cfg.ConfigName),
		zap.Int("services", len(cfg.DependentServices)+1),
		zap.Int("rules", len(cfg.ValidationRules)),
	)

	// Fetch stage. Every fetch finishes (a failed fetch is a failed
	// snapshot, not an error) before verification starts.
	services := cfg.AllServices()
	snapshots := make([]model.DataSnapshot, len(services))
	g, gCtx := errgroup.WithContext(runCtx)
	for i, svc := range services {
		g.Go(func() error {
			snapshots[i] = o.fetcher.Fetch(gCtx, svc)
			return nil
		})
	}
	_ = g.Wait()
	result.Snapshots = snapshots

	if o.stopped(runCtx, run, result) {
		return o.finish(result), nil
	}

	// Verification stage, rules in declaration order.
	result.RulesChecked = len(cfg.ValidationRules)
	for _, rule := range cfg.ValidationRules {
		if o.stopped(runCtx, run, result) {
			return o.finish(result), nil
		}
		outcome := o.checker.Check(runCtx, rule, snapshots)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Passed {
			result.RulesPassed++
		} else {
			result.RulesFailed++
		}
	}
	result.Details["verification_summary"] = map[string]any{
		"total":  result.RulesChecked,
		"passed": result.RulesPassed,
		"failed": result.RulesFailed,
	}

	if o.stopped(runCtx, run, result) {
		return o.finish(result), nil
	}

	// Aggregation and alerting.
	anomalies := o.aggregator.Detect(runCtx, runID, result.Outcomes, snapshots)
	built := o.aggregator.BuildReport(runCtx, runID, anomalies)
	report = &built
	result.AnomaliesDetected = report.TotalAnomalies

	alertRes := o.dispatcher.Dispatch(runCtx, report, alertCfg, alert.RunMeta{
		ConfigName: cfg.ConfigName,
		RunID:      runID.String(),
	})
	result.Details["alert_sent"] = alertRes.Sent
	if alertRes.Sent {
		result.Details["alert_message"] = alertRes.Message
		result.Details["alert_channels"] = alertRes.Channels
	}

	result.Status = model.RunStatusCompleted
	zap.L().Info("orchestrator: run completed",
		zap.String("run_id", runID.String()),
		zap.Int("rules_failed", result.RulesFailed),
		zap.Int("anomalies", result.AnomaliesDetected),
		zap.Bool("alert_sent", alertRes.Sent),
	)
	return o.finish(result), report
}

// Cancel requests cancellation of an in-flight run. It reports whether the
// run was found; the run itself stops at its next stage boundary.
func (o *Orchestrator) Cancel(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.active[runID]
	if !ok {
		return false
	}
	run.cancelled = true
	run.cancel()
	zap.L().Info("orchestrator: run cancellation requested", zap.String("run_id", runID.String()))
	return true
}

// Active returns the ids of runs currently in flight.
func (o *Orchestrator) Active() []uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// stopped checks the run context at a stage boundary. A context killed by
// Cancel resolves to cancelled; any other context error resolves to failed.
// Partial results accumulated so far stay on the result either way.
func (o *Orchestrator) stopped(ctx context.Context, run *activeRun, result *model.RunResult) bool {
	if ctx.Err() == nil {
		return false
	}

	o.mu.Lock()
	cancelled := run.cancelled
	o.mu.Unlock()

	if cancelled {
		result.Status = model.RunStatusCancelled
		result.ErrorMessage = "run cancelled"
	} else {
		result.Status = model.RunStatusFailed
		result.ErrorMessage = ctx.Err().Error()
	}
	return true
}

// finish stamps the terminal timing exactly once and returns the result.
func (o *Orchestrator) finish(result *model.RunResult) *model.RunResult {
	now := time.Now().UTC()
	result.CompletedAt = &now
	result.Duration = now.Sub(result.StartedAt).Seconds()

	if result.Status != model.RunStatusCompleted {
		zap.L().Warn("orchestrator: run ended early",
			zap.String("run_id", result.RunID.String()),
			zap.String("status", string(result.Status)),
			zap.String("error", result.ErrorMessage),
		)
	}
	return result
}
