// Package coordinator accepts orchestration submissions from agents,
// deduplicates them by event identity, resolves the shared session, and
// fans generated replies back out through each persona's control
// surface. Reply generation itself is an external service reached
// through the Responder contract.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/metrics"
	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/platform"
	"github.com/troupe-chat/troupe/internal/store"
)

// DefaultMaxAgentTurns bounds consecutive agent-to-agent relays in one
// session so handoff chains always terminate.
const DefaultMaxAgentTurns = 8

// turnTimeout bounds one full turn: reply generation plus fan-out.
const turnTimeout = 5 * time.Minute

// StateStore is what the coordinator needs from the shared state store.
type StateStore interface {
	GetOrCreateSession(ctx context.Context, channelID, initiator string) (models.ConversationSession, bool, error)
	PutSession(ctx context.Context, sess models.ConversationSession) error
	MarkEventHandled(ctx context.Context, eventID string) (bool, error)
	MarkReplySeen(ctx context.Context, fp string) (bool, error)
	IncrAgentTurns(ctx context.Context, sessionID string) (int64, error)
	ResetAgentTurns(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// AgentClient is one persona's control surface as seen from here.
type AgentClient interface {
	SendMessage(ctx context.Context, delivery models.OutboundDelivery) error
	Initiate(ctx context.Context, req models.InitiateRequest) error
}

// Registry maps persona names to their agents' control clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]AgentClient
	names   []string
}

// NewRegistry creates an empty persona registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]AgentClient)}
}

// Add registers a persona's control client.
func (r *Registry) Add(persona string, client AgentClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(persona)
	if _, exists := r.clients[key]; !exists {
		r.names = append(r.names, persona)
	}
	r.clients[key] = client
}

// Client returns the control client for a persona, case-insensitive.
func (r *Registry) Client(persona string) (AgentClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.ToLower(persona)]
	return c, ok
}

// Personas returns registered persona names in registration order.
func (r *Registry) Personas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Coordinator owns turn processing.
type Coordinator struct {
	store       StateStore
	registry    *Registry
	responder   Responder
	transcripts store.TranscriptStore // optional, nil disables archiving
	maxTurns    int64
	log         zerolog.Logger
}

// New builds a Coordinator. transcripts may be nil.
func New(state StateStore, registry *Registry, responder Responder, transcripts store.TranscriptStore, maxTurns int64, log zerolog.Logger) *Coordinator {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxAgentTurns
	}
	return &Coordinator{
		store:       state,
		registry:    registry,
		responder:   responder,
		transcripts: transcripts,
		maxTurns:    maxTurns,
		log:         log,
	}
}

// Accept runs the synchronous half of a submission: dedupe, session
// resolution and turn budgeting. It returns the acknowledgment to send
// back; when accepted is true the caller owns scheduling ProcessTurn.
func (c *Coordinator) Accept(ctx context.Context, req models.OrchestrationRequest) (resp models.SubmitResponse, turn Turn, accepted bool, err error) {
	first, err := c.store.MarkEventHandled(ctx, req.EventID)
	if err != nil {
		return models.SubmitResponse{}, Turn{}, false, fmt.Errorf("event dedup: %w", err)
	}
	if !first {
		// A retry, or a broadcast mention that elected two personas:
		// same event identity either way, so it is not a new user turn.
		metrics.DuplicateEventsTotal.Inc()
		c.log.Info().Str("event_id", req.EventID).Msg("duplicate submission acknowledged")
		return models.SubmitResponse{Status: "accepted", Duplicate: true, SessionID: req.SessionID}, Turn{}, false, nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		// Sessions are soft state: re-derive from the channel.
		sess, _, err := c.store.GetOrCreateSession(ctx, req.ChannelID, req.InitiatorPersona)
		if err != nil {
			return models.SubmitResponse{}, Turn{}, false, fmt.Errorf("session resolution: %w", err)
		}
		sessionID = sess.ID.String()
	}

	switch req.Origin {
	case models.OriginRelay:
		turns, err := c.store.IncrAgentTurns(ctx, sessionID)
		if err != nil {
			return models.SubmitResponse{}, Turn{}, false, fmt.Errorf("turn budget: %w", err)
		}
		if turns > c.maxTurns {
			metrics.SuppressedRepliesTotal.WithLabelValues("turn_budget").Inc()
			c.log.Info().
				Str("session_id", sessionID).
				Int64("turns", turns).
				Msg("agent turn budget exhausted, letting the conversation rest")
			return models.SubmitResponse{Status: "suppressed", SessionID: sessionID}, Turn{}, false, nil
		}
	case models.OriginHuman:
		// A human spoke; the relay chain starts over.
		if err := c.store.ResetAgentTurns(ctx, sessionID); err != nil {
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("turn budget reset failed")
		}
	}

	turn = Turn{
		SessionID:        sessionID,
		ChannelID:        req.ChannelID,
		Query:            req.UserQuery,
		Initiator:        req.InitiatorPersona,
		InitiatorMention: req.InitiatorMention,
		HumanName:        req.HumanName,
		Origin:           req.Origin,
		IsNew:            req.IsNewConversation,
	}
	c.archiveInbound(ctx, turn)

	return models.SubmitResponse{Status: "accepted", SessionID: sessionID}, turn, true, nil
}

// ProcessTurn generates replies for an accepted turn and delivers them
// through the owning agents. Runs detached from the submission request.
func (c *Coordinator) ProcessTurn(parent context.Context, turn Turn) {
	ctx, cancel := context.WithTimeout(parent, turnTimeout)
	defer cancel()

	replies, err := c.responder.ComposeReplies(ctx, turn)
	if err != nil {
		c.log.Error().Err(err).Str("session_id", turn.SessionID).Msg("reply generation failed")
		if turn.Origin != models.OriginScheduled {
			// A human is waiting; silence is the worst outcome.
			c.deliverApology(ctx, turn)
		}
		return
	}

	for _, reply := range replies {
		c.deliver(ctx, turn, reply)
	}
}

func (c *Coordinator) deliver(ctx context.Context, turn Turn, reply models.Reply) {
	fp := store.Fingerprint(reply.Persona, turn.ChannelID, reply.Text)
	seen, err := c.store.MarkReplySeen(ctx, fp)
	if err != nil {
		c.log.Warn().Err(err).Msg("fingerprint check failed, delivering anyway")
	} else if seen {
		metrics.SuppressedRepliesTotal.WithLabelValues("fingerprint").Inc()
		c.log.Info().
			Str("persona", reply.Persona).
			Str("channel_id", turn.ChannelID).
			Msg("suppressed verbatim repeat reply")
		return
	}

	client, ok := c.registry.Client(reply.Persona)
	if !ok {
		c.log.Error().Str("persona", reply.Persona).Msg("reply for unregistered persona dropped")
		return
	}

	delivery := models.OutboundDelivery{ChannelID: turn.ChannelID, Text: reply.Text}
	if err := client.SendMessage(ctx, delivery); err != nil {
		// Permission and not-found are definitive for this channel;
		// transient failures are not retried either, since send is not
		// idempotent and a duplicate reply is worse than a missing one.
		c.log.Error().Err(err).
			Str("persona", reply.Persona).
			Str("channel_id", turn.ChannelID).
			Str("code", platform.ErrorCode(err)).
			Msg("reply delivery failed")
		return
	}

	c.archiveReply(ctx, turn, reply)
}

func (c *Coordinator) deliverApology(ctx context.Context, turn Turn) {
	client, ok := c.registry.Client(turn.Initiator)
	if !ok {
		return
	}
	apology := fmt.Sprintf("*%s looks confused* Huh, my mind just went blank. What were we talking about?", turn.Initiator)
	if err := client.SendMessage(ctx, models.OutboundDelivery{ChannelID: turn.ChannelID, Text: apology}); err != nil {
		c.log.Error().Err(err).Str("channel_id", turn.ChannelID).Msg("apology delivery failed")
	}
}

// StartScheduled opens an organic conversation: pick a channel and a
// persona, create the session up front, and hand the opener to the
// persona's agent. Failures are logged only; nobody is waiting.
func (c *Coordinator) StartScheduled(ctx context.Context, channels []string) {
	personas := c.registry.Personas()
	if len(personas) == 0 || len(channels) == 0 {
		c.log.Warn().Msg("scheduled start skipped: no personas or channels configured")
		return
	}

	channel := channels[rand.Intn(len(channels))]
	persona := personas[rand.Intn(len(personas))]

	sess := models.NewConversationSession(channel, persona)
	if err := c.store.PutSession(ctx, sess); err != nil {
		metrics.ScheduledStartsTotal.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("channel_id", channel).Msg("scheduled start: session creation failed")
		return
	}

	opener, err := c.responder.ComposeOpener(ctx, persona)
	if err != nil {
		metrics.ScheduledStartsTotal.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("persona", persona).Msg("scheduled start: opener generation failed")
		return
	}

	client, _ := c.registry.Client(persona)
	err = client.Initiate(ctx, models.InitiateRequest{
		StarterText: opener,
		ChannelID:   channel,
		IsNew:       true,
		SessionID:   sess.ID.String(),
	})
	if err != nil {
		metrics.ScheduledStartsTotal.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("persona", persona).Str("channel_id", channel).Msg("scheduled start failed")
		return
	}

	metrics.ScheduledStartsTotal.WithLabelValues("started").Inc()
	c.log.Info().
		Str("persona", persona).
		Str("channel_id", channel).
		Str("session_id", sess.ID.String()).
		Msg("scheduled conversation started")
}

func (c *Coordinator) archiveInbound(ctx context.Context, turn Turn) {
	if c.transcripts == nil || turn.Query == "" {
		return
	}
	author := turn.HumanName
	isAgent := turn.Origin != models.OriginHuman
	if isAgent {
		author = turn.Initiator
	} else if author == "" {
		author = "human"
	}
	c.archive(ctx, models.TranscriptEntry{
		SessionID: turn.SessionID,
		ChannelID: turn.ChannelID,
		Author:    author,
		IsAgent:   isAgent,
		Text:      turn.Query,
		CreatedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) archiveReply(ctx context.Context, turn Turn, reply models.Reply) {
	if c.transcripts == nil {
		return
	}
	c.archive(ctx, models.TranscriptEntry{
		SessionID: turn.SessionID,
		ChannelID: turn.ChannelID,
		Author:    reply.Persona,
		IsAgent:   true,
		Text:      reply.Text,
		CreatedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) archive(ctx context.Context, entry models.TranscriptEntry) {
	if err := c.transcripts.Append(ctx, entry); err != nil {
		// Archiving is best-effort; the conversation goes on.
		c.log.Warn().Err(err).Str("session_id", entry.SessionID).Msg("transcript append failed")
	}
}
