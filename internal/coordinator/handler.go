package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/metrics"
	"github.com/troupe-chat/troupe/internal/models"
)

const version = "0.1.0"

// Handler exposes coordinator operations over HTTP.
type Handler struct {
	coord *Coordinator
	log   zerolog.Logger

	// base context for detached turn processing, so in-flight turns
	// survive the submitting request but not coordinator shutdown
	base context.Context
}

// NewHandler creates the HTTP handler. base bounds detached turn work.
func NewHandler(base context.Context, coord *Coordinator, log zerolog.Logger) *Handler {
	if base == nil {
		base = context.Background()
	}
	return &Handler{coord: coord, log: log, base: base}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": code})
}

// Submit accepts one orchestration request from an agent. The ack is
// synchronous; reply generation and delivery run detached. Idempotent
// by event identity, so agent retries are always safe.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.OrchestrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.EventID == "" || req.ChannelID == "" || req.InitiatorPersona == "" {
		h.Error(w, http.StatusUnprocessableEntity, "invalid_submission", "event_id, channel_id and initiator_persona are required")
		return
	}
	switch req.Origin {
	case models.OriginHuman, models.OriginRelay, models.OriginScheduled:
	default:
		h.Error(w, http.StatusUnprocessableEntity, "invalid_submission", "unknown origin")
		return
	}

	resp, turn, accepted, err := h.coord.Accept(r.Context(), req)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(req.Origin), "error").Inc()
		h.log.Error().Err(err).Str("event_id", req.EventID).Msg("submission failed")
		h.Error(w, http.StatusInternalServerError, "internal", "submission processing failed")
		return
	}

	outcome := resp.Status
	if resp.Duplicate {
		outcome = "duplicate"
	}
	metrics.SubmissionsTotal.WithLabelValues(string(req.Origin), outcome).Inc()

	if accepted {
		go h.coord.ProcessTurn(h.base, turn)
	}
	h.JSON(w, http.StatusAccepted, resp)
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse reports coordinator liveness and its dependencies.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Personas  []string         `json:"personas"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	start := time.Now()
	if err := h.coord.store.Ping(ctx); err != nil {
		checks["state_store"] = Check{Status: "fail", Message: "connection failed"}
		allHealthy = false
	} else {
		checks["state_store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	if h.coord.transcripts != nil {
		start = time.Now()
		if err := h.coord.transcripts.Ping(ctx); err != nil {
			checks["transcripts"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["transcripts"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Personas:  h.coord.registry.Personas(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
