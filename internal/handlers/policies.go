package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/fleetalert/fleetalert/internal/api"
	"github.com/fleetalert/fleetalert/internal/middleware"
	"github.com/fleetalert/fleetalert/internal/services"
)

// handlePolicies handles GET /api/policies
func (h *APIHandler) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	policies, err := h.policyService.ListPolicies()
	if err != nil {
		log.Printf("APIHandler: listing policies failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list policies")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"policies": policies})
}

// handlePolicyByPath routes /api/policies/{id} and /api/policies/{id}/test
func (h *APIHandler) handlePolicyByPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/policies/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		api.RespondError(w, http.StatusNotFound, "Not found")
		return
	}
	policyID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid policy ID")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getPolicy(w, uint(policyID))
	case len(parts) == 1 && r.Method == http.MethodPut:
		h.updatePolicy(w, r, uint(policyID))
	case len(parts) == 2 && parts[1] == "test" && r.Method == http.MethodPost:
		h.sendTestAlert(w, r, uint(policyID))
	default:
		api.RespondError(w, http.StatusNotFound, "Not found")
	}
}

// getPolicy handles GET /api/policies/{id}
func (h *APIHandler) getPolicy(w http.ResponseWriter, policyID uint) {
	policy, err := h.policyService.GetPolicy(policyID)
	if err != nil {
		if errors.Is(err, services.ErrPolicyNotFound) {
			api.RespondError(w, http.StatusNotFound, "Policy not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load policy")
		return
	}
	api.RespondJSON(w, http.StatusOK, policy)
}

// updatePolicy handles PUT /api/policies/{id}. The alert type is fixed at
// creation; everything else is editable.
func (h *APIHandler) updatePolicy(w http.ResponseWriter, r *http.Request, policyID uint) {
	var req api.UpdatePolicyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(&req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	updates := make(map[string]interface{})
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.Severity != nil {
		updates["severity"] = *req.Severity
	}
	if req.CooldownMinutes != nil {
		updates["cooldown_minutes"] = *req.CooldownMinutes
	}
	if req.EmailEnabled != nil {
		updates["email_enabled"] = *req.EmailEnabled
	}
	if req.InAppEnabled != nil {
		updates["inapp_enabled"] = *req.InAppEnabled
	}
	if req.SlackEnabled != nil {
		updates["slack_enabled"] = *req.SlackEnabled
	}
	if req.Thresholds != nil {
		updates["thresholds"] = req.Thresholds
	}
	if req.ScopeFilters != nil {
		updates["scope_filters"] = req.ScopeFilters
	}
	if req.Recipients != nil {
		updates["recipients"] = req.Recipients
	}

	if len(updates) == 0 {
		api.RespondError(w, http.StatusBadRequest, "No fields to update")
		return
	}

	policy, err := h.policyService.UpdatePolicy(policyID, updates)
	if err != nil {
		if errors.Is(err, services.ErrPolicyNotFound) {
			api.RespondError(w, http.StatusNotFound, "Policy not found")
			return
		}
		log.Printf("APIHandler: updating policy %d failed: %v", policyID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to update policy")
		return
	}
	api.RespondJSON(w, http.StatusOK, policy)
}

// sendTestAlert handles POST /api/policies/{id}/test - delivers a verification
// alert to the requesting user, bypassing dedupe and cooldown
func (h *APIHandler) sendTestAlert(w http.ResponseWriter, r *http.Request, policyID uint) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		userID = "anonymous"
	}

	event, err := h.evalService.SendTestAlert(r.Context(), policyID, userID)
	if err != nil {
		if errors.Is(err, services.ErrPolicyNotFound) {
			api.RespondError(w, http.StatusNotFound, "Policy not found")
			return
		}
		log.Printf("APIHandler: test alert for policy %d failed: %v", policyID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to send test alert")
		return
	}
	api.RespondJSON(w, http.StatusOK, event)
}
