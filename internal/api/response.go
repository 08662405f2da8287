package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeFlowError maps session errors to HTTP statuses.
func writeFlowError(w http.ResponseWriter, op string, err error) {
	status, msg := http.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, flow.ErrUnauthorized):
		status, msg = http.StatusForbidden, "Session is assigned to another physician"
	case errors.Is(err, flow.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "Session not found"
	case errors.Is(err, flow.ErrPhysicianNotFound):
		status, msg = http.StatusNotFound, "Physician not found"
	case errors.Is(err, flow.ErrSessionClosed):
		status, msg = http.StatusConflict, "Session is closed"
	}
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+": failed", "error", err)
	} else {
		slog.Warn("Server."+op+": rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
