package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fleetalert/fleetalert/internal/api"
	"github.com/fleetalert/fleetalert/internal/database"
	"github.com/fleetalert/fleetalert/internal/middleware"
	"github.com/fleetalert/fleetalert/internal/services"
)

// handleEvents handles GET /api/events - the event history query
func (h *APIHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	p := api.ParsePage(r)

	filters := services.EventFilters{
		Limit:  p.Size,
		Offset: p.Offset(),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "Invalid 'from' timestamp, expected RFC3339")
			return
		}
		filters.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "Invalid 'to' timestamp, expected RFC3339")
			return
		}
		filters.To = &t
	}
	if v := q.Get("alert_type"); v != "" {
		alertType := database.AlertType(v)
		if !alertType.IsValid() {
			api.RespondError(w, http.StatusBadRequest, "Unknown alert_type")
			return
		}
		filters.AlertType = alertType
	}
	if v := q.Get("severity"); v != "" {
		severity := database.AlertSeverity(v)
		if !severity.IsValid() {
			api.RespondError(w, http.StatusBadRequest, "Unknown severity")
			return
		}
		filters.Severity = severity
	}
	if v := q.Get("state"); v != "" {
		state := database.EventState(v)
		switch state {
		case database.EventStateActive, database.EventStateAcknowledged, database.EventStateResolved:
			filters.State = state
		default:
			api.RespondError(w, http.StatusBadRequest, "Unknown state")
			return
		}
	}
	filters.IncludeTest = q.Get("include_test") == "true"

	events, total, err := h.eventService.ListEvents(filters)
	if err != nil {
		log.Printf("APIHandler: listing events failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"total":       total,
		"page":        p.Number,
		"per_page":    p.Size,
		"total_pages": p.Pages(total),
	})
}

// handleEventByPath routes /api/events/{uuid} and its sub-resources
func (h *APIHandler) handleEventByPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/events/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		api.RespondError(w, http.StatusNotFound, "Not found")
		return
	}
	eventUUID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getEvent(w, eventUUID)
	case len(parts) == 2 && parts[1] == "acknowledge" && r.Method == http.MethodPost:
		h.acknowledgeEvent(w, r, eventUUID)
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		h.resolveEvent(w, r, eventUUID)
	default:
		api.RespondError(w, http.StatusNotFound, "Not found")
	}
}

// getEvent handles GET /api/events/{uuid} - event detail with delivery audit trail
func (h *APIHandler) getEvent(w http.ResponseWriter, eventUUID string) {
	event, err := h.eventService.GetEventWithDeliveries(eventUUID)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			api.RespondError(w, http.StatusNotFound, "Event not found")
			return
		}
		log.Printf("APIHandler: loading event %s failed: %v", eventUUID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load event")
		return
	}
	api.RespondJSON(w, http.StatusOK, event)
}

// acknowledgeEvent handles POST /api/events/{uuid}/acknowledge
func (h *APIHandler) acknowledgeEvent(w http.ResponseWriter, r *http.Request, eventUUID string) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		userID = "anonymous"
	}

	event, err := h.eventService.GetEvent(eventUUID)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			api.RespondError(w, http.StatusNotFound, "Event not found")
			return
		}
		api.RespondError(w, http.StatusInternalServerError, "Failed to load event")
		return
	}
	alreadyAcked := event.State == database.EventStateAcknowledged

	event, err = h.eventService.Acknowledge(eventUUID, userID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEventNotFound):
			api.RespondError(w, http.StatusNotFound, "Event not found")
		case errors.Is(err, services.ErrInvalidEventState):
			api.RespondError(w, http.StatusConflict, "Event is resolved and can no longer be acknowledged")
		default:
			log.Printf("APIHandler: acknowledging event %s failed: %v", eventUUID, err)
			api.RespondError(w, http.StatusInternalServerError, "Failed to acknowledge event")
		}
		return
	}

	api.RespondJSON(w, http.StatusOK, api.AcknowledgeResponse{
		Event:        event,
		AlreadyAcked: alreadyAcked,
	})
}

// resolveEvent handles POST /api/events/{uuid}/resolve
func (h *APIHandler) resolveEvent(w http.ResponseWriter, r *http.Request, eventUUID string) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		userID = "anonymous"
	}

	event, err := h.eventService.Resolve(eventUUID, userID)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			api.RespondError(w, http.StatusNotFound, "Event not found")
			return
		}
		log.Printf("APIHandler: resolving event %s failed: %v", eventUUID, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to resolve event")
		return
	}
	api.RespondJSON(w, http.StatusOK, event)
}

// handleFailedDeliveries handles GET /api/deliveries/failed - the permanently
// failed deliveries report
func (h *APIHandler) handleFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	p := api.ParsePage(r)
	deliveries, err := h.eventService.ListFailedFinalDeliveries(p.Size)
	if err != nil {
		log.Printf("APIHandler: listing failed deliveries failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to list deliveries")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}
