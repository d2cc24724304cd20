package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sensei/internal/model"
	"github.com/ashita-ai/sensei/internal/service/agents"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	agents              Agents
	db                  Pinger
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// NewHandlers creates Handlers.
func NewHandlers(a Agents, db Pinger, logger *slog.Logger, version string, maxRequestBodyBytes int64) *Handlers {
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		agents:              a,
		db:                  db,
		logger:              logger,
		version:             version,
		maxRequestBodyBytes: maxRequestBodyBytes,
		startedAt:           time.Now(),
	}
}

// HandleCoachTurn handles POST /v1/clients/{client_id}/coach.
func (h *Handlers) HandleCoachTurn(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "client_id")
	if !ok {
		return
	}
	var req model.CoachTurnRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.agents.RunCoachTurn(r.Context(), agents.CoachTurnInput{ClientID: clientID, Message: req.Message})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleOverseerTurn handles POST /v1/coaches/{coach_id}/overseer.
func (h *Handlers) HandleOverseerTurn(w http.ResponseWriter, r *http.Request) {
	coachID, ok := h.pathUUID(w, r, "coach_id")
	if !ok {
		return
	}
	var req model.OverseerTurnRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.agents.RunOverseerTurn(r.Context(), agents.OverseerTurnInput{
		CoachID:       coachID,
		Message:       req.Message,
		FocusClientID: req.FocusClientID,
		ExtraContext:  req.Context,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleGenerateReport handles POST /v1/clients/{client_id}/reports.
func (h *Handlers) HandleGenerateReport(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "client_id")
	if !ok {
		return
	}
	res, err := h.agents.GenerateReport(r.Context(), agents.ReportInput{ClientID: clientID})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Postgres = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

func (h *Handlers) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(w, r, target, h.maxRequestBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}
