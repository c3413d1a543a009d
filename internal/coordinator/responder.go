package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/sig"
)

// Turn is everything the responder gets to work with for one exchange.
type Turn struct {
	SessionID        string        `json:"session_id"`
	ChannelID        string        `json:"channel_id"`
	Query            string        `json:"query"`
	Initiator        string        `json:"initiator"`
	InitiatorMention string        `json:"initiator_mention"`
	HumanName        string        `json:"human_name,omitempty"`
	Origin           models.Origin `json:"origin"`
	IsNew            bool          `json:"is_new"`
}

// Responder produces persona-attributed replies. The production
// implementation sits behind HTTP; StaticResponder covers local runs.
type Responder interface {
	ComposeReplies(ctx context.Context, turn Turn) ([]models.Reply, error)
	ComposeOpener(ctx context.Context, persona string) (string, error)
}

// HTTPResponder calls an external reply-generation service.
type HTTPResponder struct {
	baseURL string
	client  *http.Client
	signer  *sig.Signer
}

// NewHTTPResponder builds a responder client for the given base URL.
// signer may be nil when the responder service does not verify callers.
func NewHTTPResponder(baseURL string, signer *sig.Signer) *HTTPResponder {
	return &HTTPResponder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		signer:  signer,
	}
}

type repliesEnvelope struct {
	Replies []models.Reply `json:"replies"`
}

type openerRequest struct {
	Persona string `json:"persona"`
}

type openerEnvelope struct {
	Opener string `json:"opener"`
}

// ComposeReplies posts the turn to the responder service.
func (r *HTTPResponder) ComposeReplies(ctx context.Context, turn Turn) ([]models.Reply, error) {
	var env repliesEnvelope
	if err := r.post(ctx, "/respond", turn, &env); err != nil {
		return nil, err
	}
	return env.Replies, nil
}

// ComposeOpener asks the responder service for a conversation starter.
func (r *HTTPResponder) ComposeOpener(ctx context.Context, persona string) (string, error) {
	var env openerEnvelope
	if err := r.post(ctx, "/opener", openerRequest{Persona: persona}, &env); err != nil {
		return "", err
	}
	if env.Opener == "" {
		return "", fmt.Errorf("responder returned empty opener for %s", persona)
	}
	return env.Opener, nil
}

func (r *HTTPResponder) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode responder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if r.signer != nil {
		req.Header = r.signer.Headers(body)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("responder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("responder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StaticResponder answers with canned lines. It keeps a deployment
// without a reply-generation service limping along for smoke tests.
type StaticResponder struct{}

var staticLines = []string{
	"Hmm, let me think about that one.",
	"That's a good question. Give me a second.",
	"Interesting. Tell me more.",
}

var staticOpeners = []string{
	"So, anything interesting happen around here today?",
	"Quiet in here. Somebody say something.",
	"I had the strangest thought just now. Anyone want to hear it?",
}

// ComposeReplies returns one canned reply voiced by the initiator.
func (StaticResponder) ComposeReplies(_ context.Context, turn Turn) ([]models.Reply, error) {
	line := staticLines[rand.Intn(len(staticLines))]
	return []models.Reply{{Persona: turn.Initiator, Text: line}}, nil
}

// ComposeOpener returns a canned conversation starter.
func (StaticResponder) ComposeOpener(_ context.Context, _ string) (string, error) {
	return staticOpeners[rand.Intn(len(staticOpeners))], nil
}
