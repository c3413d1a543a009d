package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-chat/troupe/internal/identity"
	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/platform"
)

var testSelf = identity.Persona{Name: "Peter", Handle: 101}

type fakeConn struct {
	in     chan platform.Frame
	writes chan platform.Frame
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan platform.Frame, 64),
		writes: make(chan platform.Frame, 64),
	}
}

func (c *fakeConn) Receive() <-chan platform.Frame { return c.in }
func (c *fakeConn) Write(f platform.Frame) error   { c.writes <- f; return nil }
func (c *fakeConn) Close() error                   { return nil }

// drop simulates the platform connection going away.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.in) })
}

// push delivers a server frame to the runtime.
func (c *fakeConn) push(t *testing.T, op string, seq int64, v any) {
	t.Helper()
	f, err := platform.NewFrame(op, seq, v)
	require.NoError(t, err)
	c.in <- f
}

// respond answers loop-written request frames. The handler returns the
// reply frame for each request, echoing the request seq.
func (c *fakeConn) respond(handler func(f platform.Frame) (string, any)) {
	go func() {
		for f := range c.writes {
			op, payload := handler(f)
			if op == "" {
				continue
			}
			reply, err := platform.NewFrame(op, f.Seq, payload)
			if err != nil {
				continue
			}
			c.in <- reply
		}
	}()
}

// ackAll acks sends and resolves channel lookups, recording sent texts.
func (c *fakeConn) ackAll(sent chan<- platform.SendCommand) {
	c.respond(func(f platform.Frame) (string, any) {
		switch f.Op {
		case platform.OpSend:
			var cmd platform.SendCommand
			json.Unmarshal(f.Data, &cmd)
			if sent != nil {
				sent <- cmd
			}
			return platform.OpAck, platform.Ack{MessageID: "m-out"}
		case platform.OpChannelGet:
			var get platform.ChannelGet
			json.Unmarshal(f.Data, &get)
			return platform.OpChannel, platform.Channel{ID: get.ChannelID, Name: "general"}
		}
		return "", nil
	})
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []models.OrchestrationRequest
	err  error
	got  chan models.OrchestrationRequest
}

func newFakeSubmitter(err error) *fakeSubmitter {
	return &fakeSubmitter{err: err, got: make(chan models.OrchestrationRequest, 8)}
}

func (s *fakeSubmitter) Submit(_ context.Context, req models.OrchestrationRequest) (*models.SubmitResponse, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	s.got <- req
	if s.err != nil {
		return nil, s.err
	}
	return &models.SubmitResponse{Status: "accepted", SessionID: req.SessionID}, nil
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type fakeSessions struct {
	sess    models.ConversationSession
	created bool
}

func (s *fakeSessions) GetOrCreateSession(_ context.Context, channelID, initiator string) (models.ConversationSession, bool, error) {
	sess := s.sess
	if sess.ID == uuid.Nil {
		sess = models.ConversationSession{ID: uuid.New(), ChannelID: channelID, Initiator: initiator}
	}
	return sess, s.created, nil
}

func startRuntime(t *testing.T, conn *fakeConn, sub Submitter, sessions SessionStore) *Runtime {
	t.Helper()
	rt := New(testSelf, conn, sub, sessions, "", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)

	conn.push(t, platform.OpReady, 0, platform.Ready{Handle: 101})
	select {
	case <-rt.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never became ready")
	}
	return rt
}

func humanMessage(content string) platform.MessageEvent {
	return platform.MessageEvent{
		MessageID:    "m-1",
		ChannelID:    "C1",
		AuthorHandle: 555,
		AuthorName:   "Lois",
		Content:      content,
		Timestamp:    time.Now().UnixMilli(),
	}
}

func TestReadinessAndConnected(t *testing.T) {
	conn := newFakeConn()
	rt := New(testSelf, conn, newFakeSubmitter(nil), &fakeSessions{}, "", zerolog.Nop())
	assert.False(t, rt.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn.push(t, platform.OpReady, 0, platform.Ready{Handle: 101, Channels: []platform.Channel{{ID: "C1", Name: "general"}}})
	select {
	case <-rt.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never became ready")
	}
	assert.True(t, rt.Connected())
}

func TestHumanEventSubmitsOnce(t *testing.T) {
	conn := newFakeConn()
	sub := newFakeSubmitter(nil)
	sessID := uuid.New()
	startRuntime(t, conn, sub, &fakeSessions{
		sess:    models.ConversationSession{ID: sessID, ChannelID: "C1", Initiator: "Peter"},
		created: true,
	})

	conn.push(t, platform.OpEvent, 0, humanMessage("!peter hello"))

	select {
	case req := <-sub.got:
		assert.Equal(t, "hello", req.UserQuery)
		assert.Equal(t, "C1", req.ChannelID)
		assert.Equal(t, models.OriginHuman, req.Origin)
		assert.Equal(t, "Peter", req.InitiatorPersona)
		assert.Equal(t, "<@101>", req.InitiatorMention)
		assert.Equal(t, "Lois", req.HumanName)
		assert.True(t, req.IsNewConversation)
		assert.Equal(t, sessID.String(), req.SessionID)
		assert.Equal(t, "m-1", req.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a submission")
	}

	// No further action is expected from the agent after acceptance.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sub.count())
	assert.Empty(t, conn.writes)
}

func TestOwnEventIgnored(t *testing.T) {
	conn := newFakeConn()
	sub := newFakeSubmitter(nil)
	startRuntime(t, conn, sub, &fakeSessions{})

	conn.push(t, platform.OpEvent, 0, platform.MessageEvent{
		MessageID:    "m-2",
		ChannelID:    "C1",
		AuthorHandle: 101,
		AuthorIsBot:  true,
		Content:      "!peter talking to myself",
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sub.count())
}

func TestRelayEventSubmitsAsRelay(t *testing.T) {
	conn := newFakeConn()
	sub := newFakeSubmitter(nil)
	startRuntime(t, conn, sub, &fakeSessions{})

	conn.push(t, platform.OpEvent, 0, platform.MessageEvent{
		MessageID:    "m-3",
		ChannelID:    "C1",
		AuthorHandle: 102,
		AuthorName:   "Brian",
		AuthorIsBot:  true,
		Content:      "<@101> your turn",
	})

	select {
	case req := <-sub.got:
		assert.Equal(t, models.OriginRelay, req.Origin)
		assert.Equal(t, "your turn", req.UserQuery)
		assert.Empty(t, req.HumanName)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a relay submission")
	}
}

func TestSubmissionFailureDeliversExactlyOneApology(t *testing.T) {
	conn := newFakeConn()
	sent := make(chan platform.SendCommand, 8)
	conn.ackAll(sent)

	sub := newFakeSubmitter(errors.New("coordinator unreachable"))
	startRuntime(t, conn, sub, &fakeSessions{})

	conn.push(t, platform.OpEvent, 0, humanMessage("!peter are you there?"))

	select {
	case cmd := <-sent:
		assert.Equal(t, "C1", cmd.ChannelID)
		assert.Contains(t, cmd.Text, "Peter")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fallback apology delivery")
	}

	// Exactly one message: never zero, never more than one.
	select {
	case cmd := <-sent:
		t.Fatalf("unexpected second delivery: %q", cmd.Text)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSendMessageMarshaledOntoLoop(t *testing.T) {
	conn := newFakeConn()
	sent := make(chan platform.SendCommand, 8)
	conn.ackAll(sent)
	rt := startRuntime(t, conn, newFakeSubmitter(nil), &fakeSessions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.SendMessage(ctx, "C9", "hello from the control surface"))

	cmd := <-sent
	assert.Equal(t, "C9", cmd.ChannelID)
	assert.Equal(t, "hello from the control surface", cmd.Text)
}

func TestSendMessagePermissionDenied(t *testing.T) {
	conn := newFakeConn()
	conn.respond(func(f platform.Frame) (string, any) {
		switch f.Op {
		case platform.OpChannelGet:
			var get platform.ChannelGet
			json.Unmarshal(f.Data, &get)
			return platform.OpChannel, platform.Channel{ID: get.ChannelID}
		case platform.OpSend:
			return platform.OpError, platform.ErrorData{Code: "permission_denied", Message: "missing permissions"}
		}
		return "", nil
	})
	rt := startRuntime(t, conn, newFakeSubmitter(nil), &fakeSessions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := rt.SendMessage(ctx, "C-locked", "psst")

	require.Error(t, err)
	assert.True(t, platform.IsPermissionDenied(err), "permission failures must be classified, got %v", err)
}

func TestSendMessageNotFoundRetriesOnce(t *testing.T) {
	conn := newFakeConn()
	var sends, lookups int
	var mu sync.Mutex
	conn.respond(func(f platform.Frame) (string, any) {
		mu.Lock()
		defer mu.Unlock()
		switch f.Op {
		case platform.OpChannelGet:
			lookups++
			var get platform.ChannelGet
			json.Unmarshal(f.Data, &get)
			return platform.OpChannel, platform.Channel{ID: get.ChannelID}
		case platform.OpSend:
			sends++
			if sends == 1 {
				return platform.OpError, platform.ErrorData{Code: "not_found", Message: "stale channel"}
			}
			return platform.OpAck, platform.Ack{MessageID: "m-out"}
		}
		return "", nil
	})
	rt := startRuntime(t, conn, newFakeSubmitter(nil), &fakeSessions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.SendMessage(ctx, "C-moved", "hi"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, sends, "stale channel gets exactly one re-resolution and retry")
	assert.Equal(t, 2, lookups)
}

func TestInitiateSendsStarterThenSubmits(t *testing.T) {
	conn := newFakeConn()
	sent := make(chan platform.SendCommand, 8)
	conn.ackAll(sent)
	sub := newFakeSubmitter(nil)
	rt := startRuntime(t, conn, sub, &fakeSessions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Initiate(ctx, models.InitiateRequest{
		StarterText: "Anyone up for a chat?",
		ChannelID:   "C2",
		IsNew:       true,
		SessionID:   "S1",
	}))

	cmd := <-sent
	assert.Equal(t, "C2", cmd.ChannelID)
	assert.Equal(t, "Anyone up for a chat?", cmd.Text)

	select {
	case req := <-sub.got:
		assert.Equal(t, models.OriginScheduled, req.Origin)
		assert.Equal(t, "S1", req.SessionID)
		assert.True(t, req.IsNewConversation)
		assert.Equal(t, "Anyone up for a chat?", req.UserQuery)
		assert.NotEmpty(t, req.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the follow-up orchestration submission")
	}
}

func TestConnectionLossRevertsConnected(t *testing.T) {
	conn := newFakeConn()
	rt := New(testSelf, conn, newFakeSubmitter(nil), &fakeSessions{}, "", zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	conn.push(t, platform.OpReady, 0, platform.Ready{Handle: 101})
	select {
	case <-rt.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never became ready")
	}

	conn.drop()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after connection loss")
	}
	assert.False(t, rt.Connected())
}

func TestMalformedEventDoesNotKillLoop(t *testing.T) {
	conn := newFakeConn()
	sub := newFakeSubmitter(nil)
	rt := startRuntime(t, conn, sub, &fakeSessions{})

	conn.in <- platform.Frame{Op: platform.OpEvent, Data: json.RawMessage(`{"content": 42}`)}
	conn.push(t, platform.OpEvent, 0, humanMessage("!peter still alive?"))

	select {
	case req := <-sub.got:
		assert.Equal(t, "still alive?", req.UserQuery)
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped processing after a malformed event")
	}
	assert.True(t, rt.Connected())
}
