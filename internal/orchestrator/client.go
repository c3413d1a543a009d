// Package orchestrator implements the agent-side client for the
// coordinator's submission endpoint. Submission is fire-and-acknowledge:
// success means the coordinator accepted responsibility for the turn,
// not that a reply exists. The reply arrives later through the agent's
// control surface.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/metrics"
	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/sig"
)

// Defaults for the reference deployment. A human is waiting in-channel,
// so bounded total wait beats aggressive backoff growth.
const (
	DefaultTimeout  = 60 * time.Second
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// RejectionError is a definitive application-level rejection from the
// coordinator. It is never retried.
type RejectionError struct {
	Status  int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("coordinator rejected submission (%d): %s", e.Status, e.Message)
}

// ShouldRetry is the retry policy as a pure function of attempt count
// and error classification. Transport failures (timeouts, refused
// connections) are retryable; coordinator rejections and caller
// cancellation are terminal.
func ShouldRetry(attempt, maxAttempts int, err error) bool {
	if attempt >= maxAttempts {
		return false
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Config bounds the submission call.
type Config struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Client submits orchestration requests to the coordinator.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *sig.Signer
	cfg     Config
	log     zerolog.Logger
}

// New creates a submission client for one coordinator address.
func New(baseURL string, signer *sig.Signer, cfg Config, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		cfg:     cfg,
		log:     log,
	}
}

// Submit sends one orchestration request, retrying transport failures
// up to the configured bound with a fixed backoff delay. The request
// body is identical across attempts, so the coordinator sees retries as
// the same event identity rather than new user turns.
func (c *Client) Submit(ctx context.Context, req models.OrchestrationRequest) (*models.SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		resp, err := c.submitOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !ShouldRetry(attempt, c.cfg.Attempts, err) {
			return nil, err
		}

		metrics.SubmissionRetriesTotal.Inc()
		c.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("event_id", req.EventID).
			Msg("submission attempt failed, retrying")

		select {
		case <-time.After(c.cfg.Backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("submission failed after %d attempts: %w", c.cfg.Attempts, lastErr)
}

func (c *Client) submitOnce(ctx context.Context, body []byte) (*models.SubmitResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if c.signer != nil {
		httpReq.Header = c.signer.Headers(body)
	} else {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &RejectionError{Status: resp.StatusCode, Message: errResp.Error}
	}

	var accepted models.SubmitResponse
	if err := json.Unmarshal(respBody, &accepted); err != nil {
		return nil, fmt.Errorf("decode acceptance: %w", err)
	}
	return &accepted, nil
}
