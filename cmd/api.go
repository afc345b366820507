package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/internal/orchestrator"
	"github.com/sells-group/validator-cli/internal/scheduler"
	"github.com/sells-group/validator-cli/internal/store"
)

// server holds the HTTP API's collaborators. baseCtx outlives individual
// requests so triggered runs survive the request that started them.
type server struct {
	baseCtx context.Context
	st      store.Store
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/configs", func(r chi.Router) {
			r.Post("/", s.handleCreateConfig)
			r.Get("/", s.handleListConfigs)
			r.Route("/{configID}", func(r chi.Router) {
				r.Get("/", s.handleGetConfig)
				r.Put("/", s.handleUpdateConfig)
				r.Delete("/", s.handleDeleteConfig)
				r.Get("/alert", s.handleGetAlertConfig)
				r.Put("/alert", s.handleUpsertAlertConfig)
				r.Post("/validate", s.handleTriggerValidation)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/report", s.handleGetReport)
				r.Post("/cancel", s.handleCancelRun)
			})
		})
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.ServiceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.ConfigName == "" || cfg.PrimaryService.ServiceID == "" {
		respondError(w, http.StatusBadRequest, "config_name and primary_service are required")
		return
	}

	if err := s.st.CreateConfig(r.Context(), &cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	s.syncSchedule(cfg)
	respondJSON(w, http.StatusCreated, cfg)
}

func (s *server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.st.ListConfigs(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if configs == nil {
		configs = []model.ServiceConfig{}
	}
	respondJSON(w, http.StatusOK, configs)
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	configID, ok := pathUUID(w, r, "configID")
	if !ok {
		return
	}
	cfg, err := s.st.GetConfig(r.Context(), configID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	configID, ok := pathUUID(w, r, "configID")
	if !ok {
		return
	}

	var cfg model.ServiceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.ConfigID = configID

	if err := s.st.UpdateConfig(r.Context(), &cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	s.syncSchedule(cfg)
	respondJSON(w, http.StatusOK, cfg)
}

func (s *server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	configID, ok := pathUUID(w, r, "configID")
	if !ok {
		return
	}
	if s.sched != nil {
		s.sched.Unschedule(configID)
	}
	if err := s.st.DeleteConfig(r.Context(), configID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	configID, ok := pathUUID(w, r, "configID")
	if !ok {
		return
	}
	cfg, err := s.st.GetAlertConfig(r.Context(), configID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *server) handleUpsertAlertConfig(w http.ResponseWriter, r *http.Request) {
	configID, ok := pathUUID(w, r, "configID")
	if !ok {
		return
	}

	// The parent configuration must exist.
	if _, err := s.st.GetConfig(r.Context(), configID); err != nil {
		respondStoreError(w, err)
		return
	}

	var cfg model.AlertConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.ConfigID = configID

	if err := s.st.UpsertAlertConfig(r.Context(), &cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *server) handleTriggerValidation(w http.ResponseWriter, r *http.Request) {
	configID, ok := pathUUID(w, r, "configID")
	if !ok {
		return
	}
	cfg, err := s.st.GetConfig(r.Context(), configID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	runID, err := s.launchRun(r.Context(), *cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"validation_id": runID.String(),
		"status":        string(model.RunStatusPending),
	})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var filter store.RunFilter
	if v := r.URL.Query().Get("config_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid config_id")
			return
		}
		filter.ConfigID = id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = model.RunStatus(v)
	}

	runs, err := s.st.ListRuns(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []model.RunResult{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.st.GetRun(r.Context(), runID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}
	report, err := s.st.GetReport(r.Context(), runID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}
	if !s.orch.Cancel(runID) {
		respondError(w, http.StatusNotFound, "run not in flight")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// launchRun records a pending run and executes it in the background under
// the server's lifetime context.
func (s *server) launchRun(ctx context.Context, cfg model.ServiceConfig) (uuid.UUID, error) {
	runID := uuid.New()
	pending := &model.RunResult{
		RunID:     runID,
		ConfigID:  cfg.ConfigID,
		Status:    model.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.st.CreateRun(ctx, pending); err != nil {
		return uuid.Nil, err
	}

	go s.executeRun(s.baseCtx, runID, cfg)
	return runID, nil
}

// executeRun drives one run to a terminal state and persists the outcome.
// Persistence uses a detached context so results survive shutdown-triggered
// cancellation of the run itself.
func (s *server) executeRun(ctx context.Context, runID uuid.UUID, cfg model.ServiceConfig) {
	alertCfg, err := s.st.GetAlertConfig(ctx, cfg.ConfigID)
	if err != nil {
		if !eris.Is(err, store.ErrNotFound) {
			zap.L().Error("api: load alert config failed",
				zap.String("config_id", cfg.ConfigID.String()),
				zap.Error(err),
			)
		}
		alertCfg = nil
	}

	result, report := s.orch.RunWithID(ctx, runID, &cfg, alertCfg)

	persistCtx := context.WithoutCancel(ctx)
	if err := s.st.UpdateRun(persistCtx, result); err != nil {
		zap.L().Error("api: persist run failed",
			zap.String("run_id", runID.String()),
			zap.Error(err),
		)
	}
	if report != nil {
		if err := s.st.SaveReport(persistCtx, report); err != nil {
			zap.L().Error("api: persist report failed",
				zap.String("run_id", runID.String()),
				zap.Error(err),
			)
		}
	}
}

// runScheduled is the scheduler entry point. It runs synchronously so the
// scheduler's overlap suppression holds.
func (s *server) runScheduled(ctx context.Context, cfg model.ServiceConfig) {
	runID := uuid.New()
	pending := &model.RunResult{
		RunID:     runID,
		ConfigID:  cfg.ConfigID,
		Status:    model.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.st.CreateRun(ctx, pending); err != nil {
		zap.L().Error("api: record scheduled run failed",
			zap.String("config_id", cfg.ConfigID.String()),
			zap.Error(err),
		)
		return
	}
	s.executeRun(ctx, runID, cfg)
}

// syncSchedule aligns the scheduler with a created or updated configuration.
func (s *server) syncSchedule(cfg model.ServiceConfig) {
	if s.sched == nil {
		return
	}
	if !cfg.Enabled {
		s.sched.Unschedule(cfg.ConfigID)
		return
	}
	if err := s.sched.Schedule(cfg); err != nil {
		zap.L().Warn("api: schedule config failed",
			zap.String("config", cfg.ConfigName),
			zap.Error(err),
		)
	}
}

// helpers

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: store error", zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal error")
}
