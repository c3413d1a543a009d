// Package runtime bridges the two concurrent halves of an agent: the
// platform event loop that owns the gateway connection, and the control
// surface serving synchronous requests from the coordinator. Control
// handlers never touch the connection directly; they marshal work onto
// the loop through a task queue and await the result.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/troupe-chat/troupe/internal/identity"
	"github.com/troupe-chat/troupe/internal/metrics"
	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/platform"
	"github.com/troupe-chat/troupe/internal/resolver"
)

// Submitter sends orchestration requests to the coordinator.
type Submitter interface {
	Submit(ctx context.Context, req models.OrchestrationRequest) (*models.SubmitResponse, error)
}

// SessionStore resolves conversation sessions by channel.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, channelID, initiator string) (models.ConversationSession, bool, error)
}

// submitTimeout bounds the whole out-of-loop submission path, including
// session resolution and the fallback delivery.
const submitTimeout = 5 * time.Minute

type result struct {
	frame platform.Frame
	err   error
}

// Runtime is one agent's event loop and its bridge to the control
// surface. The loop goroutine exclusively owns conn writes, the seq
// counter, the pending-reply map and the channel cache.
type Runtime struct {
	self     identity.Persona
	conn     platform.Conn
	submit   Submitter
	sessions SessionStore
	apology  string
	log      zerolog.Logger

	tasks     chan func()
	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool

	// Loop-owned state. Only touched from Run's goroutine.
	seq      int64
	pending  map[int64]chan result
	channels map[string]platform.Channel
}

// New builds a runtime around an established gateway connection.
// Apology is the persona-voiced text delivered when orchestration
// fails; empty selects a generic one.
func New(self identity.Persona, conn platform.Conn, submit Submitter, sessions SessionStore, apology string, log zerolog.Logger) *Runtime {
	if apology == "" {
		apology = fmt.Sprintf("*%s scratches head* Sorry, I lost my train of thought. Give me a second and try again?", self.Name)
	}
	return &Runtime{
		self:     self,
		conn:     conn,
		submit:   submit,
		sessions: sessions,
		apology:  apology,
		log:      log,
		tasks:    make(chan func(), 32),
		ready:    make(chan struct{}),
		pending:  make(map[int64]chan result),
		channels: make(map[string]platform.Channel),
	}
}

// Ready is closed once the gateway handshake completed and identity
// resolution is done. Readiness is one-way; it never reverts short of a
// process restart.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Connected reports the live platform connection state, which is what
// health must reflect: a process can be running with its platform
// session silently gone.
func (r *Runtime) Connected() bool {
	return r.connected.Load()
}

// Run drives the event loop until the context ends or the connection
// drops. A dropped connection returns an error; supervision restarts
// the process rather than resuming in place.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.connected.Store(false)
	for {
		select {
		case f, ok := <-r.conn.Receive():
			if !ok {
				r.failPending(&platform.DeliveryError{Code: platform.CodeTransient, Message: "platform connection lost"})
				return fmt.Errorf("platform connection lost")
			}
			r.handleFrame(ctx, f)
		case task := <-r.tasks:
			task()
		case <-ctx.Done():
			r.conn.Close()
			r.failPending(ctx.Err())
			return ctx.Err()
		}
	}
}

func (r *Runtime) failPending(err error) {
	for seq, ch := range r.pending {
		ch <- result{err: err}
		delete(r.pending, seq)
	}
}

func (r *Runtime) handleFrame(ctx context.Context, f platform.Frame) {
	switch f.Op {
	case platform.OpReady:
		var ready platform.Ready
		if err := json.Unmarshal(f.Data, &ready); err != nil {
			r.log.Error().Err(err).Msg("malformed ready frame")
			return
		}
		if r.self.Handle > 0 && ready.Handle != r.self.Handle {
			r.log.Warn().
				Int64("roster_handle", r.self.Handle).
				Int64("platform_handle", ready.Handle).
				Msg("platform handle differs from roster, mentions may not resolve")
		}
		for _, ch := range ready.Channels {
			r.channels[ch.ID] = ch
		}
		r.connected.Store(true)
		r.readyOnce.Do(func() { close(r.ready) })
		r.log.Info().Int64("handle", ready.Handle).Int("channels", len(ready.Channels)).Msg("platform session ready")

	case platform.OpEvent:
		var msg platform.MessageEvent
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			r.log.Error().Err(err).Msg("malformed event frame")
			return
		}
		r.dispatchEvent(ctx, models.InboundEvent{
			MessageID:     msg.MessageID,
			ChannelID:     msg.ChannelID,
			AuthorHandle:  msg.AuthorHandle,
			AuthorName:    msg.AuthorName,
			AuthorIsAgent: msg.AuthorIsBot,
			Content:       msg.Content,
			ReceivedAt:    time.UnixMilli(msg.Timestamp),
		})

	case platform.OpChannel:
		var ch platform.Channel
		if err := json.Unmarshal(f.Data, &ch); err == nil && ch.ID != "" {
			r.channels[ch.ID] = ch
		}
		r.resolvePending(f)

	case platform.OpAck, platform.OpError:
		r.resolvePending(f)

	default:
		r.log.Debug().Str("op", f.Op).Msg("unhandled gateway frame")
	}
}

func (r *Runtime) resolvePending(f platform.Frame) {
	ch, ok := r.pending[f.Seq]
	if !ok {
		// Caller gave up waiting; nothing to deliver to.
		return
	}
	delete(r.pending, f.Seq)
	ch <- result{frame: f}
}

// dispatchEvent runs election for one inbound event. It executes on the
// loop but is recover-guarded: one bad event must never take the loop
// down. Elected turns are submitted off-loop so a slow coordinator
// never blocks event processing.
func (r *Runtime) dispatchEvent(ctx context.Context, ev models.InboundEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("channel_id", ev.ChannelID).Msg("event dispatch panicked")
		}
	}()

	res := resolver.Resolve(r.self, ev)
	metrics.ElectionsTotal.WithLabelValues(res.Decision.String()).Inc()
	if res.Decision == resolver.Ignore {
		return
	}

	r.log.Info().
		Str("decision", res.Decision.String()).
		Str("channel_id", ev.ChannelID).
		Str("message_id", ev.MessageID).
		Msg("elected initiator for event")

	go r.submitTurn(ctx, ev, res)
}

func (r *Runtime) submitTurn(parent context.Context, ev models.InboundEvent, res resolver.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("submission path panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(parent, submitTimeout)
	defer cancel()

	origin := models.OriginHuman
	humanName := ev.AuthorName
	if res.Decision == resolver.InterAgentRelay {
		origin = models.OriginRelay
		humanName = ""
	}

	sess, created, err := r.sessions.GetOrCreateSession(ctx, ev.ChannelID, r.self.Name)
	if err != nil {
		r.log.Error().Err(err).Str("channel_id", ev.ChannelID).Msg("session resolution failed")
		metrics.SubmissionsTotal.WithLabelValues(string(origin), "exhausted").Inc()
		r.deliverFallback(ctx, ev.ChannelID)
		return
	}

	req := models.OrchestrationRequest{
		EventID:           ev.EventID(),
		Origin:            origin,
		UserQuery:         res.Text,
		ChannelID:         ev.ChannelID,
		InitiatorPersona:  r.self.Name,
		InitiatorMention:  r.self.Mention(),
		HumanName:         humanName,
		IsNewConversation: created,
		SessionID:         sess.ID.String(),
	}

	if _, err := r.submit.Submit(ctx, req); err != nil {
		r.log.Error().Err(err).Str("event_id", req.EventID).Msg("orchestration submission failed")
		metrics.SubmissionsTotal.WithLabelValues(string(origin), "exhausted").Inc()
		// The user must never be met with silence.
		r.deliverFallback(ctx, ev.ChannelID)
		return
	}
	metrics.SubmissionsTotal.WithLabelValues(string(origin), "accepted").Inc()
}

func (r *Runtime) deliverFallback(ctx context.Context, channelID string) {
	if err := r.SendMessage(ctx, channelID, r.apology); err != nil {
		r.log.Error().Err(err).Str("channel_id", channelID).Msg("fallback delivery failed")
		return
	}
	metrics.FallbackRepliesTotal.Inc()
}

// Initiate pushes starterText into the channel as this persona's own
// words, then asynchronously tells the coordinator to begin the
// conversation loop for sessionID. Submission failures here are logged
// only; nobody is waiting in the channel yet.
func (r *Runtime) Initiate(ctx context.Context, req models.InitiateRequest) error {
	if err := r.SendMessage(ctx, req.ChannelID, req.StarterText); err != nil {
		return err
	}

	go func() {
		subCtx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()

		orchReq := models.OrchestrationRequest{
			EventID:           models.NewSyntheticEventID(),
			Origin:            models.OriginScheduled,
			UserQuery:         req.StarterText,
			ChannelID:         req.ChannelID,
			InitiatorPersona:  r.self.Name,
			InitiatorMention:  r.self.Mention(),
			IsNewConversation: req.IsNew,
			SessionID:         req.SessionID,
		}
		if _, err := r.submit.Submit(subCtx, orchReq); err != nil {
			r.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("scheduled conversation submission failed")
			metrics.SubmissionsTotal.WithLabelValues(string(models.OriginScheduled), "exhausted").Inc()
			return
		}
		metrics.SubmissionsTotal.WithLabelValues(string(models.OriginScheduled), "accepted").Inc()
	}()
	return nil
}

// SendMessage delivers text into a channel over the platform
// connection. Safe to call from any goroutine: all connection access is
// marshaled onto the event loop. The channel must resolve (fetch-on-miss)
// before delivery; a stale cache entry gets exactly one re-resolution.
func (r *Runtime) SendMessage(ctx context.Context, channelID, text string) error {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.ensureChannel(ctx, channelID); err != nil {
		return err
	}

	err := r.sendOnce(ctx, channelID, text)
	if err != nil && platform.IsNotFound(err) {
		// Stale local knowledge: re-resolve once, then one more try.
		if err := r.fetchChannel(ctx, channelID); err != nil {
			return err
		}
		err = r.sendOnce(ctx, channelID, text)
	}
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(platform.ErrorCode(err)).Inc()
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (r *Runtime) sendOnce(ctx context.Context, channelID, text string) error {
	f, err := r.roundTrip(ctx, platform.OpSend, platform.SendCommand{ChannelID: channelID, Text: text})
	if err != nil {
		return &platform.DeliveryError{Code: platform.CodeTransient, ChannelID: channelID, Message: err.Error()}
	}
	if f.Op == platform.OpError {
		var ed platform.ErrorData
		json.Unmarshal(f.Data, &ed)
		return platform.NewDeliveryError(ed.Code, channelID, ed.Message)
	}
	return nil
}

// ensureChannel checks the loop-owned cache and fetches on miss.
func (r *Runtime) ensureChannel(ctx context.Context, channelID string) error {
	known := make(chan bool, 1)
	if err := r.enqueue(ctx, func() {
		_, ok := r.channels[channelID]
		known <- ok
	}); err != nil {
		return err
	}

	select {
	case ok := <-known:
		if ok {
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.fetchChannel(ctx, channelID)
}

func (r *Runtime) fetchChannel(ctx context.Context, channelID string) error {
	f, err := r.roundTrip(ctx, platform.OpChannelGet, platform.ChannelGet{ChannelID: channelID})
	if err != nil {
		return &platform.DeliveryError{Code: platform.CodeTransient, ChannelID: channelID, Message: err.Error()}
	}
	if f.Op == platform.OpError {
		var ed platform.ErrorData
		json.Unmarshal(f.Data, &ed)
		return platform.NewDeliveryError(ed.Code, channelID, ed.Message)
	}
	return nil
}

// roundTrip writes a request frame from the loop and awaits the
// correlated reply.
func (r *Runtime) roundTrip(ctx context.Context, op string, payload any) (platform.Frame, error) {
	reply := make(chan result, 1)
	if err := r.enqueue(ctx, func() {
		r.seq++
		seq := r.seq
		f, err := platform.NewFrame(op, seq, payload)
		if err != nil {
			reply <- result{err: err}
			return
		}
		if err := r.conn.Write(f); err != nil {
			reply <- result{err: fmt.Errorf("gateway write: %w", err)}
			return
		}
		r.pending[seq] = reply
	}); err != nil {
		return platform.Frame{}, err
	}

	select {
	case res := <-reply:
		return res.frame, res.err
	case <-ctx.Done():
		// The pending entry stays registered; the loop drops it when
		// the late reply (or disconnect) arrives. The buffered reply
		// channel keeps that from blocking the loop.
		return platform.Frame{}, ctx.Err()
	}
}

// enqueue hands a closure to the event loop.
func (r *Runtime) enqueue(ctx context.Context, task func()) error {
	select {
	case r.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
