package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorResponse is the error envelope every endpoint returns. Details carries
// per-field validation messages when present.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes v as JSON with the given status. Encoding failures are
// only logged; by then the status line is already on the wire.
func RespondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: encoding %T response failed: %v", v, err)
	}
}

// RespondError writes the standard error envelope.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondValidationError reports per-field validation failures as a 422.
func RespondValidationError(w http.ResponseWriter, fields map[string]string) {
	RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "validation failed",
		Details: fields,
	})
}
