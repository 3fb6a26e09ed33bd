package handlers

import (
	"log"
	"net/http"

	"github.com/fleetalert/fleetalert/internal/api"
	"github.com/fleetalert/fleetalert/internal/database"
)

// SlackSettingsRequest is the request body for PUT /api/settings/slack
type SlackSettingsRequest struct {
	BotToken       *string `json:"bot_token"`
	DefaultChannel *string `json:"default_channel"`
	Enabled        *bool   `json:"enabled"`
}

// SlackSettingsResponse never echoes the bot token back
type SlackSettingsResponse struct {
	DefaultChannel string `json:"default_channel"`
	Enabled        bool   `json:"enabled"`
	Configured     bool   `json:"configured"`
}

// handleSlackSettings handles GET and PUT /api/settings/slack
func (h *APIHandler) handleSlackSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getSlackSettings(w)
	case http.MethodPut:
		h.updateSlackSettings(w, r)
	default:
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *APIHandler) getSlackSettings(w http.ResponseWriter) {
	settings, err := database.GetSlackSettings()
	if err != nil {
		log.Printf("APIHandler: loading slack settings failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load Slack settings")
		return
	}
	api.RespondJSON(w, http.StatusOK, SlackSettingsResponse{
		DefaultChannel: settings.DefaultChannel,
		Enabled:        settings.Enabled,
		Configured:     settings.IsConfigured(),
	})
}

func (h *APIHandler) updateSlackSettings(w http.ResponseWriter, r *http.Request) {
	var req SlackSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := database.GetSlackSettings()
	if err != nil {
		log.Printf("APIHandler: loading slack settings failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to load Slack settings")
		return
	}

	if req.BotToken != nil {
		settings.BotToken = *req.BotToken
	}
	if req.DefaultChannel != nil {
		settings.DefaultChannel = *req.DefaultChannel
	}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}

	if settings.Enabled && !settings.IsConfigured() {
		api.RespondError(w, http.StatusBadRequest, "Cannot enable Slack without a bot token")
		return
	}

	if err := database.UpdateSlackSettings(settings); err != nil {
		log.Printf("APIHandler: updating slack settings failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to update Slack settings")
		return
	}

	if h.slackReload != nil {
		h.slackReload()
	}

	api.RespondJSON(w, http.StatusOK, SlackSettingsResponse{
		DefaultChannel: settings.DefaultChannel,
		Enabled:        settings.Enabled,
		Configured:     settings.IsConfigured(),
	})
}
