// Package control exposes the synchronous surface the coordinator uses
// to push work back into an agent: message delivery, conversation
// initiation and health. Only the agent holds the platform connection,
// so these are the coordinator's only way to make a persona speak.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/platform"
)

const version = "0.1.0"

// Agent is the runtime surface the handlers drive.
type Agent interface {
	SendMessage(ctx context.Context, channelID, text string) error
	Initiate(ctx context.Context, req models.InitiateRequest) error
	Connected() bool
}

// Pinger is the optional state-store liveness check for health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains shared dependencies for the control endpoints.
type Handler struct {
	persona string
	agent   Agent
	state   Pinger
	log     zerolog.Logger
}

// NewHandler creates a control Handler for one persona's agent.
func NewHandler(persona string, agent Agent, state Pinger, log zerolog.Logger) *Handler {
	return &Handler{persona: persona, agent: agent, state: state, log: log}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with a failure classification code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": code})
}

// SendMessage delivers text into a channel on the platform connection
// this agent owns. Not idempotent: callers own de-duplication.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.OutboundDelivery
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.Text == "" {
		h.Error(w, http.StatusBadRequest, "bad_request", "channel_id and text are required")
		return
	}

	if err := h.agent.SendMessage(r.Context(), req.ChannelID, req.Text); err != nil {
		code := platform.ErrorCode(err)
		h.log.Error().Err(err).
			Str("persona", h.persona).
			Str("channel_id", req.ChannelID).
			Str("code", code).
			Msg("delivery failed")

		switch code {
		case platform.CodePermissionDenied:
			h.Error(w, http.StatusForbidden, code, err.Error())
		case platform.CodeNotFound:
			h.Error(w, http.StatusNotFound, code, err.Error())
		default:
			h.Error(w, http.StatusBadGateway, code, err.Error())
		}
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// Initiate makes this persona open a conversation, then tells the
// coordinator to keep it going.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req models.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.StarterText == "" || req.ChannelID == "" || req.SessionID == "" {
		h.Error(w, http.StatusBadRequest, "bad_request", "starter_text, channel_id and session_id are required")
		return
	}

	if err := h.agent.Initiate(r.Context(), req); err != nil {
		code := platform.ErrorCode(err)
		h.log.Error().Err(err).
			Str("persona", h.persona).
			Str("channel_id", req.ChannelID).
			Str("session_id", req.SessionID).
			Msg("initiate failed")
		h.Error(w, http.StatusBadGateway, code, err.Error())
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse reports liveness. PlatformConnected reflects the real
// platform session state, not just process aliveness.
type HealthResponse struct {
	Status            string           `json:"status"` // "healthy" or "degraded"
	Persona           string           `json:"persona"`
	Version           string           `json:"version"`
	PlatformConnected bool             `json:"platform_connected"`
	Checks            map[string]Check `json:"checks"`
	Timestamp         string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	connected := h.agent.Connected()
	if connected {
		checks["platform"] = Check{Status: "pass"}
	} else {
		checks["platform"] = Check{Status: "fail", Message: "platform session not connected"}
		allHealthy = false
	}

	if h.state != nil {
		start := time.Now()
		if err := h.state.Ping(ctx); err != nil {
			checks["state_store"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["state_store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:            status,
		Persona:           h.persona,
		Version:           version,
		PlatformConnected: connected,
		Checks:            checks,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
}
