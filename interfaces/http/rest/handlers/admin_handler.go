package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sprintboard-backend/internal/service/datacache"
	"sprintboard-backend/pkg/api"
	"sprintboard-backend/pkg/utils"
)

// AdminHandler exposes cache observability and the emergency controls.
type AdminHandler struct {
	service *datacache.Service
	logger  *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service *datacache.Service, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{service: service, logger: logger}
}

// GetCacheStats handles GET /cache/stats
func (h *AdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, h.service.CacheStats())
}

// GetInvalidationMetrics handles GET /invalidation/metrics
func (h *AdminHandler) GetInvalidationMetrics(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, h.service.InvalidationMetrics())
}

// GetBreakerState handles GET /breaker
func (h *AdminHandler) GetBreakerState(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, h.service.BreakerSnapshot())
}

// GetSubscriptions handles GET /subscriptions
func (h *AdminHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, h.service.Subscriptions())
}

// GetSubscription handles GET /subscriptions/{key}
func (h *AdminHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	snap, ok := h.service.Subscription(key)
	if !ok {
		api.Error(w, http.StatusNotFound, "Unknown subscription key")
		return
	}
	api.Success(w, http.StatusOK, snap)
}

// InvalidateEntityRequest is the body for a manual entity invalidation.
type InvalidateEntityRequest struct {
	Kind string `json:"kind" validate:"required,oneof=team member sprint settings schedule report"`
	ID   string `json:"id" validate:"required,max=128"`
}

// InvalidateEntity handles POST /cache/invalidate
func (h *AdminHandler) InvalidateEntity(w http.ResponseWriter, r *http.Request) {
	var req InvalidateEntityRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		api.Error(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	cleared := h.service.InvalidateEntity(req.Kind, req.ID)
	api.Success(w, http.StatusOK, map[string]any{
		"kind":    req.Kind,
		"id":      req.ID,
		"cleared": cleared,
	})
}

// EmitEventRequest is the body for injecting a synthetic invalidation event.
type EmitEventRequest struct {
	EventType string `json:"eventType" validate:"required,oneof=team_changed member_schedule_changed sprint_changed settings_changed"`
	EntityID  string `json:"entityId" validate:"omitempty,max=128"`
}

// EmitEvent handles POST /invalidation/events
func (h *AdminHandler) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var req EmitEventRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		api.Error(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	h.service.EmitEvent(r.Context(), req.EventType, req.EntityID)
	api.Success(w, http.StatusAccepted, map[string]string{
		"eventType": req.EventType,
		"entityId":  req.EntityID,
	})
}

// FlushCache handles POST /cache/flush
func (h *AdminHandler) FlushCache(w http.ResponseWriter, r *http.Request) {
	cleared := h.service.FlushAll()
	h.logger.Warn("cache flushed via admin api", zap.Int("cleared", cleared))
	api.Success(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// ResetBreaker handles POST /breaker/reset
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.service.ResetBreaker()
	api.Success(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ReconnectFeeds handles POST /subscriptions/reconnect
func (h *AdminHandler) ReconnectFeeds(w http.ResponseWriter, r *http.Request) {
	forced := h.service.ReconnectFeeds()
	api.Success(w, http.StatusOK, map[string]int{"reconnected": forced})
}
