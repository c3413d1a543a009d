package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/platform"
	"github.com/troupe-chat/troupe/internal/sig"
)

// Client calls one agent's control surface. The coordinator holds one
// per persona.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *sig.Signer
}

// NewClient creates a control client for an agent address.
func NewClient(baseURL string, signer *sig.Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) post(ctx context.Context, path string, v any) (int, []byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.signer != nil {
		req.Header = c.signer.Headers(body)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

// SendMessage pushes one delivery into the agent. The resulting error,
// if any, carries the agent's failure classification so the coordinator
// can decide whether a different persona or channel should be tried.
func (c *Client) SendMessage(ctx context.Context, delivery models.OutboundDelivery) error {
	status, body, err := c.post(ctx, "/send", delivery)
	if err != nil {
		return &platform.DeliveryError{Code: platform.CodeTransient, ChannelID: delivery.ChannelID, Message: err.Error()}
	}
	if status >= 200 && status < 300 {
		return nil
	}

	var eb errorBody
	json.Unmarshal(body, &eb)
	return platform.NewDeliveryError(eb.Code, delivery.ChannelID, eb.Error)
}

// Initiate asks the agent to open a conversation as its persona.
func (c *Client) Initiate(ctx context.Context, req models.InitiateRequest) error {
	status, body, err := c.post(ctx, "/initiate", req)
	if err != nil {
		return fmt.Errorf("initiate call: %w", err)
	}
	if status >= 200 && status < 300 {
		return nil
	}

	var eb errorBody
	json.Unmarshal(body, &eb)
	return fmt.Errorf("agent refused initiate (%d): %s", status, eb.Error)
}

// Health fetches the agent's health report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &health, nil
}
