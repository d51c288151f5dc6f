// Package handlers exposes the case operations over HTTP for the citizen
// portal and the officer dashboard.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/civicgrid/grievance-engine/internal/cases"
	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/config"
	"github.com/civicgrid/grievance-engine/internal/database"
	"github.com/civicgrid/grievance-engine/internal/policy"
	"github.com/civicgrid/grievance-engine/internal/scheduler"
)

// HTTPHandler handles HTTP requests for the grievance engine
type HTTPHandler struct {
	config    *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	service   *cases.Service
	policies  *policy.Table
	scheduler *scheduler.Scheduler
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	clk clock.Clock,
	service *cases.Service,
	policies *policy.Table,
	sched *scheduler.Scheduler,
) *HTTPHandler {
	return &HTTPHandler{
		config:    cfg,
		logger:    logger,
		clock:     clk,
		service:   service,
		policies:  policies,
		scheduler: sched,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")

	caseRouter := router.PathPrefix("/cases").Subrouter()
	caseRouter.HandleFunc("", h.handleSubmitCase).Methods("POST")
	caseRouter.HandleFunc("", h.handleListCases).Methods("GET")
	caseRouter.HandleFunc("/{id}", h.handleGetCase).Methods("GET")
	caseRouter.HandleFunc("/{id}/comments", h.handleAddComment).Methods("POST")
	caseRouter.HandleFunc("/{id}/status", h.handleChangeStatus).Methods("POST")
	caseRouter.HandleFunc("/{id}/resolve", h.handleResolveCase).Methods("POST")
	caseRouter.HandleFunc("/{id}/escalate", h.handleEscalateCase).Methods("POST")
	caseRouter.HandleFunc("/{id}/timeline", h.handleGetTimeline).Methods("GET")

	policyRouter := router.PathPrefix("/policies").Subrouter()
	policyRouter.HandleFunc("", h.handleListPolicies).Methods("GET")
	policyRouter.HandleFunc("", h.handleUpdatePolicy).Methods("PUT")

	schedulerRouter := router.PathPrefix("/scheduler").Subrouter()
	schedulerRouter.HandleFunc("/scan", h.handleRunScan).Methods("POST")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "grievance-engine",
		"timestamp": h.clock.Now(),
	})
}

func (h *HTTPHandler) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	var req cases.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *HTTPHandler) handleListCases(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actor")
	if actorID == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameter actor is required")
		return
	}
	scope := cases.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = cases.ScopeOwn
	}

	list, err := h.service.ListFor(r.Context(), actorID, scope)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": list,
		"count": len(list),
	})
}

func (h *HTTPHandler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID    string `json:"actor_id"`
		Text       string `json:"text"`
		IsInternal bool   `json:"is_internal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entry, err := h.service.AddComment(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Text, req.IsInternal)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

func (h *HTTPHandler) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string              `json:"actor_id"`
		Status  database.CaseStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	c, err := h.service.ChangeStatus(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) handleResolveCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Notes   string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.service.Resolve(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Notes)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) handleEscalateCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.service.Escalate(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *HTTPHandler) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	includeInternal := r.URL.Query().Get("include_internal") == "true"

	entries, err := h.service.Timeline(r.Context(), mux.Vars(r)["id"], includeInternal)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *HTTPHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rows, err := h.policies.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": rows,
		"count":    len(rows),
	})
}

func (h *HTTPHandler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID            string            `json:"actor_id"`
		CaseType           database.CaseType `json:"case_type"`
		Priority           database.Priority `json:"priority"`
		ResponseTimeHours  int               `json:"response_time_hours"`
		ResolutionTimeDays int               `json:"resolution_time_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	row := &database.SLAPolicy{
		CaseType:           req.CaseType,
		Priority:           req.Priority,
		ResponseTimeHours:  req.ResponseTimeHours,
		ResolutionTimeDays: req.ResolutionTimeDays,
	}
	if err := h.policies.Update(r.Context(), row, req.ActorID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, row)
}

func (h *HTTPHandler) handleRunScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.RunNow(r.Context())
	if err != nil {
		h.logger.Error("Manual escalation scan failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Scan failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps domain errors onto HTTP status codes
func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, database.ErrInvalidTransition):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, database.ErrConflict):
		h.writeError(w, http.StatusConflict, "Case was modified concurrently, retry with fresh state")
	case errors.Is(err, cases.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "Operation not permitted for this actor")
	case errors.Is(err, database.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
