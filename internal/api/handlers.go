package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "error", err, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid session id"))
		return 0, false
	}
	return id, true
}

// healthHandler handles GET /healthz
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		slog.Error("Server.healthHandler: database ping failed", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Database unavailable"))
		return
	}
	if s.opts.TransportUp != nil && !s.opts.TransportUp() {
		slog.Warn("Server.healthHandler: messaging transport offline")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Messaging transport unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// createPhysicianHandler handles POST /api/physicians
func (s *Server) createPhysicianHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PhysicianRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createPhysicianHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	p := &models.Physician{
		Name:      strings.TrimSpace(req.Name),
		Phone:     strings.TrimSpace(req.Phone),
		Specialty: strings.TrimSpace(req.Specialty),
	}
	if err := s.repo.CreatePhysician(r.Context(), p); err != nil {
		slog.Error("Server.createPhysicianHandler: store failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create physician"))
		return
	}
	slog.Info("Server.createPhysicianHandler: physician created", "id", p.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Physician created", p))
}

// listSessionsHandler handles GET /api/sessions. status=pending selects
// unassigned sessions and physician_id selects that physician's sessions;
// together they return the physician's dashboard queue.
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	var filter models.SessionQueueFilter
	query := r.URL.Query()
	switch status := strings.ToLower(strings.TrimSpace(query.Get("status"))); status {
	case "":
	case "pending":
		filter.Pending = true
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported status filter"))
		return
	}
	if raw := query.Get("physician_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid physician id"))
			return
		}
		filter.PhysicianID = id
	}

	list, err := s.repo.ListOpenSessions(r.Context(), filter)
	if err != nil {
		slog.Error("Server.listSessionsHandler: store failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

// getSessionHandler handles GET /api/sessions/{id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	cs, err := s.repo.GetSession(ctx, id)
	if err != nil {
		slog.Error("Server.getSessionHandler: store failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if cs == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	msgs, err := s.repo.ListMessages(ctx, id)
	if err != nil {
		slog.Error("Server.getSessionHandler: list messages failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	media, err := s.repo.ListMedia(ctx, id)
	if err != nil {
		slog.Error("Server.getSessionHandler: list media failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	if media == nil {
		media = []models.MediaMessage{}
	}

	writeJSONResponse(w, http.StatusOK, models.Success(models.SessionDetail{
		Session:  *cs,
		Status:   cs.Status(),
		Messages: msgs,
		Media:    media,
	}))
}

// physicianReplyHandler handles POST /api/sessions/{id}/messages
func (s *Server) physicianReplyHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req models.PhysicianMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	msg, err := s.sessions.PhysicianReply(r.Context(), id, req.PhysicianID, req.Message)
	if err != nil {
		writeFlowError(w, "physicianReplyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Message sent", msg))
}

// closeSessionHandler handles POST /api/sessions/{id}/close
func (s *Server) closeSessionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req models.SessionActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PhysicianID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrMissingPhysicianID.Error()))
		return
	}

	cs, err := s.sessions.PhysicianClose(r.Context(), id, req.PhysicianID)
	if err != nil {
		writeFlowError(w, "closeSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session closed", cs))
}

// videoCallHandler handles POST /api/sessions/{id}/video
func (s *Server) videoCallHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req models.SessionActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PhysicianID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrMissingPhysicianID.Error()))
		return
	}

	msg, err := s.sessions.PhysicianVideoCall(r.Context(), id, req.PhysicianID)
	if err != nil {
		writeFlowError(w, "videoCallHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Video link sent", msg))
}
