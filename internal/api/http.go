package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds what the HTTP handler needs.
type Deps struct {
	Service *Service
	Tokens  *authz.Tokens
	Metrics *metrics.Metrics
}

// TriggerRequest is the body of POST /runs.
type TriggerRequest struct {
	DryRun         bool   `json:"dry_run"`
	OrganizationID string `json:"organization_id"`
	Fresh          bool   `json:"fresh"`
}

// NewHandler returns the query and trigger API. /health and /metrics are
// public; everything else needs a bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Tokens))

		r.Get("/aggregates/{level}", handleGetAggregate(deps.Service))
		r.Get("/aggregates/{level}/{scopeID}", handleGetAggregate(deps.Service))
		r.Get("/runs", handleListRuns(deps.Service))
		r.Post("/runs", handleTriggerRun(deps.Service))
		r.Get("/runs/{id}", handleGetRun(deps.Service))
		r.Post("/runs/{id}/cancel", handleCancelRun(deps.Service))
		r.Post("/units/{id}/enqueue", handleEnqueue(deps.Service))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleGetAggregate(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Aggregate(principal(r), chi.URLParam(r, "level"), chi.URLParam(r, "scopeID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleListRuns(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := svc.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		visible := []storage.PipelineRun{}
		for _, run := range runs {
			if run.OrganizationID != "" && p.CanRead(storage.LevelOrganization, run.OrganizationID, nil) != nil {
				continue
			}
			visible = append(visible, run)
		}
		writeJSON(w, http.StatusOK, visible)
	}
}

func handleTriggerRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		runID, err := svc.TriggerRun(r.Context(), principal(r), pipeline.Options{
			DryRun:         req.DryRun,
			OrganizationID: req.OrganizationID,
			Fresh:          req.Fresh,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func handleGetRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := svc.RunStatus(principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleCancelRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.CancelRun(principal(r), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
	}
}

func handleEnqueue(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := svc.Enqueue(principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}
}

func principal(r *http.Request) authz.Principal {
	p, _ := authz.FromContext(r.Context())
	return p
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, authz.ErrForbidden):
		httpError(w, http.StatusForbidden, "permission_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, pipeline.ErrRunInProgress), errors.Is(err, pipeline.ErrRunNotActive):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
