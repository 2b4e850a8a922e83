/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/auth"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler"
	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
)

// Workers is the slice of the engine the ops API drives.
type Workers interface {
	Enabled() []string
	RunOnce(ctx context.Context, name string) error
	Reports() *state.Store
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// API exposes the read-only queue views and operator controls.
type API struct {
	store     *queue.Store
	workers   Workers
	checks    map[string]ReadinessCheck
	jwtSecret []byte
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(store *queue.Store, workers Workers, checks map[string]ReadinessCheck, jwtSecret []byte, logger zerolog.Logger) *API {
	return &API{
		store:     store,
		workers:   workers,
		checks:    checks,
		jwtSecret: jwtSecret,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers the API handlers on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/commands", a.handleCommandsList)
		r.Get("/commands/{commandID}", a.handleCommandsGet)
		r.Get("/queue/stats", a.handleQueueStats)
		r.Get("/workers", a.handleWorkersList)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))
			pr.Use(auth.RequireRole(auth.RoleAdmin))
			pr.Post("/workers/{worker}/run", a.handleWorkerRun)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			a.logger.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}

func (a *API) handleCommandsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{State: models.CommandState(q.Get("state"))}
	if filter.State != "" && !filter.State.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_state")
		return
	}
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = parsed
	}
	if v := q.Get("microcontroller_id"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_microcontroller_id")
			return
		}
		filter.MicrocontrollerID = uint(parsed)
	}

	cmds, err := a.store.List(r.Context(), filter)
	if err != nil {
		a.logger.Error().Err(err).Msg("list commands failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	out := make([]commandResponse, 0, len(cmds))
	for i := range cmds {
		out = append(out, toCommandResponse(&cmds[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out})
}

func (a *API) handleCommandsGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")
	cmd, err := a.store.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("command_id", id).Msg("load command failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	events, err := a.store.Events(r.Context(), id)
	if err != nil {
		a.logger.Error().Err(err).Str("command_id", id).Msg("load command events failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	resp := toCommandResponse(cmd)
	resp.Events = make([]eventResponse, 0, len(events))
	for i := range events {
		resp.Events = append(resp.Events, toEventResponse(&events[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.store.CountByState(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("count commands failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	perMicro, err := a.store.DispatchedByMicrocontroller(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("count dispatched commands failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	byState := make(map[string]int64, len(counts))
	for s, n := range counts {
		byState[string(s)] = n
	}
	inflight := make(map[string]int64, len(perMicro))
	for id, n := range perMicro {
		inflight[strconv.FormatUint(uint64(id), 10)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_state":                      byState,
		"dispatched_by_microcontroller": inflight,
	})
}

func (a *API) handleWorkersList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": a.workers.Enabled(),
		"last":    a.workers.Reports().Last(),
		"recent":  a.workers.Reports().Recent(),
	})
}

func (a *API) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "worker")
	logger := a.logger.With().Str("worker", name).Logger()
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		logger = logger.With().Str("user_id", claims.UserID).Logger()
	}

	err := a.workers.RunOnce(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, "unknown_worker")
		return
	case errors.Is(err, scheduler.ErrCycleInProgress):
		writeError(w, http.StatusConflict, "cycle_in_progress")
		return
	case err != nil:
		logger.Error().Err(err).Msg("manual cycle failed")
		writeError(w, http.StatusInternalServerError, "cycle_failed")
		return
	}

	logger.Info().Msg("manual cycle completed")
	report := a.workers.Reports().Last()[name]
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
