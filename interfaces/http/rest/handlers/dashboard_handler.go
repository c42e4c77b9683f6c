// Package handlers contains the HTTP handlers for the dashboard and admin
// APIs.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sprintboard-backend/internal/service/datacache"
	"sprintboard-backend/pkg/api"
	"sprintboard-backend/pkg/errors"
)

// DashboardHandler serves the cached scheduling views the frontend renders.
type DashboardHandler struct {
	service *datacache.Service
	logger  *zap.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(service *datacache.Service, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{service: service, logger: logger}
}

// GetTeamRoster handles GET /teams/{teamID}/roster
func (h *DashboardHandler) GetTeamRoster(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	if teamID == "" {
		api.Error(w, http.StatusBadRequest, "Team ID is required")
		return
	}

	data, err := h.service.TeamRoster(r.Context(), teamID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, data)
}

// GetTeamSchedule handles GET /teams/{teamID}/schedule
func (h *DashboardHandler) GetTeamSchedule(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	if teamID == "" {
		api.Error(w, http.StatusBadRequest, "Team ID is required")
		return
	}

	data, err := h.service.TeamSchedule(r.Context(), teamID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, data)
}

// GetMemberSchedule handles GET /members/{memberID}/schedule
func (h *DashboardHandler) GetMemberSchedule(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	if memberID == "" {
		api.Error(w, http.StatusBadRequest, "Member ID is required")
		return
	}

	data, err := h.service.MemberSchedule(r.Context(), memberID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, data)
}

// GetSprintBoard handles GET /sprints/{sprintID}/board
func (h *DashboardHandler) GetSprintBoard(w http.ResponseWriter, r *http.Request) {
	sprintID := chi.URLParam(r, "sprintID")
	if sprintID == "" {
		api.Error(w, http.StatusBadRequest, "Sprint ID is required")
		return
	}

	data, err := h.service.SprintBoard(r.Context(), sprintID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, data)
}

// GetSummary handles GET /summary
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.DashboardSummary(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, data)
}

// respondError maps layer errors to HTTP statuses. An open circuit is a 503
// the frontend degrades on; a failed fill is a 502 from the remote store.
func (h *DashboardHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("dashboard request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)

	switch {
	case errors.IsCircuitOpen(err):
		api.Error(w, http.StatusServiceUnavailable, "Remote store temporarily unavailable")
	case errors.IsFillFailed(err):
		api.Error(w, http.StatusBadGateway, "Failed to load data from remote store")
	default:
		api.Error(w, http.StatusInternalServerError, "Internal server error")
	}
}
