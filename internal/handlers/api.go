package handlers

import (
	"net/http"

	"github.com/fleetalert/fleetalert/internal/api"
	"github.com/fleetalert/fleetalert/internal/services"
)

// APIHandler handles the engine's API endpoints for the UI layer
type APIHandler struct {
	policyService *services.PolicyService
	eventService  *services.EventService
	evalService   *services.EvaluationService

	// slackReload is called after Slack settings change so the sender picks
	// up the new token without a restart
	slackReload func()
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(policyService *services.PolicyService, eventService *services.EventService, evalService *services.EvaluationService, slackReload func()) *APIHandler {
	return &APIHandler{
		policyService: policyService,
		eventService:  eventService,
		evalService:   evalService,
		slackReload:   slackReload,
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)

	mux.HandleFunc("/api/evaluate", h.handleEvaluate)

	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/events/", h.handleEventByPath)

	mux.HandleFunc("/api/policies", h.handlePolicies)
	mux.HandleFunc("/api/policies/", h.handlePolicyByPath)

	mux.HandleFunc("/api/deliveries/failed", h.handleFailedDeliveries)

	mux.HandleFunc("/api/settings/slack", h.handleSlackSettings)
}

// handleHealth handles GET /health
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvaluate handles POST /api/evaluate - triggers one evaluation cycle
func (h *APIHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := h.evalService.RunCycle(r.Context())
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Evaluation cycle failed")
		return
	}
	api.RespondJSON(w, http.StatusOK, stats)
}
