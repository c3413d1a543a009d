package control

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-chat/troupe/internal/api/middleware"
	"github.com/troupe-chat/troupe/internal/models"
	"github.com/troupe-chat/troupe/internal/platform"
	"github.com/troupe-chat/troupe/internal/sig"
)

type fakeAgent struct {
	mu        sync.Mutex
	sent      []models.OutboundDelivery
	initiated []models.InitiateRequest
	sendErr   error
	connected bool
}

func (a *fakeAgent) SendMessage(_ context.Context, channelID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, models.OutboundDelivery{ChannelID: channelID, Text: text})
	return nil
}

func (a *fakeAgent) Initiate(_ context.Context, req models.InitiateRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiated = append(a.initiated, req)
	return nil
}

func (a *fakeAgent) Connected() bool { return a.connected }

type fakeState struct{ err error }

func (s *fakeState) Ping(context.Context) error { return s.err }

type openKeys struct{ key string }

func (k *openKeys) ServiceKey(context.Context, string) (string, error) { return k.key, nil }

type memNonces struct {
	mu   sync.Mutex
	used map[string]bool
}

func (n *memNonces) IsNonceUsed(_ context.Context, service, nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.used[service+":"+nonce]
}

func (n *memNonces) MarkNonceUsed(_ context.Context, service, nonce string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.used[service+":"+nonce] = true
}

// newSurface spins up a full control surface with real signature auth
// and returns a signed client pointed at it.
func newSurface(t *testing.T, agent *fakeAgent, state Pinger) (*Client, *httptest.Server) {
	t.Helper()

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal(err)
	}
	signer, err := sig.NewSigner("coordinator", base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)

	h := NewHandler("Peter", agent, state, zerolog.Nop())
	auth := middleware.NewAuthMiddleware(&openKeys{key: signer.PublicKey()}, &memNonces{used: make(map[string]bool)})
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), h, auth))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, signer, 5*time.Second), srv
}

func TestSendMessageDelivers(t *testing.T) {
	agent := &fakeAgent{connected: true}
	client, _ := newSurface(t, agent, &fakeState{})

	err := client.SendMessage(context.Background(), models.OutboundDelivery{ChannelID: "C1", Text: "hello"})
	require.NoError(t, err)
	require.Len(t, agent.sent, 1)
	assert.Equal(t, "C1", agent.sent[0].ChannelID)
	assert.Equal(t, "hello", agent.sent[0].Text)
}

func TestSendMessagePermissionClassification(t *testing.T) {
	agent := &fakeAgent{
		connected: true,
		sendErr:   platform.NewDeliveryError(platform.CodePermissionDenied, "C1", "missing permissions"),
	}
	client, _ := newSurface(t, agent, &fakeState{})

	err := client.SendMessage(context.Background(), models.OutboundDelivery{ChannelID: "C1", Text: "hi"})
	require.Error(t, err)
	assert.True(t, platform.IsPermissionDenied(err), "classification must survive the HTTP hop, got %v", err)
}

func TestSendMessageNotFoundClassification(t *testing.T) {
	agent := &fakeAgent{
		connected: true,
		sendErr:   platform.NewDeliveryError(platform.CodeNotFound, "C-gone", "no such channel"),
	}
	client, _ := newSurface(t, agent, &fakeState{})

	err := client.SendMessage(context.Background(), models.OutboundDelivery{ChannelID: "C-gone", Text: "hi"})
	require.Error(t, err)
	assert.True(t, platform.IsNotFound(err))
}

func TestSendMessageTransientClassification(t *testing.T) {
	agent := &fakeAgent{connected: true, sendErr: errors.New("gateway write: broken pipe")}
	client, _ := newSurface(t, agent, &fakeState{})

	err := client.SendMessage(context.Background(), models.OutboundDelivery{ChannelID: "C1", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, platform.CodeTransient, platform.ErrorCode(err))
}

func TestSendMessageRejectsEmptyBody(t *testing.T) {
	agent := &fakeAgent{connected: true}
	client, _ := newSurface(t, agent, &fakeState{})

	err := client.SendMessage(context.Background(), models.OutboundDelivery{})
	require.Error(t, err)
	assert.Empty(t, agent.sent)
}

func TestInitiateScheduled(t *testing.T) {
	agent := &fakeAgent{connected: true}
	client, _ := newSurface(t, agent, &fakeState{})

	err := client.Initiate(context.Background(), models.InitiateRequest{
		StarterText: "Anyone up for a chat?",
		ChannelID:   "C2",
		IsNew:       true,
		SessionID:   "S1",
	})
	require.NoError(t, err)
	require.Len(t, agent.initiated, 1)
	assert.Equal(t, "S1", agent.initiated[0].SessionID)
}

func TestSendRequiresSignature(t *testing.T) {
	agent := &fakeAgent{connected: true}
	_, srv := newSurface(t, agent, &fakeState{})

	unsigned := NewClient(srv.URL, nil, 5*time.Second)
	err := unsigned.SendMessage(context.Background(), models.OutboundDelivery{ChannelID: "C1", Text: "hi"})
	require.Error(t, err)
	assert.Empty(t, agent.sent)
}

func TestHealthReflectsPlatformState(t *testing.T) {
	agent := &fakeAgent{connected: true}
	client, _ := newSurface(t, agent, &fakeState{})

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.PlatformConnected)
	assert.Equal(t, "Peter", health.Persona)

	// A running process with a dropped platform session is degraded.
	agent.connected = false
	health, err = client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.PlatformConnected)
}

func TestHealthReportsStateStoreFailure(t *testing.T) {
	agent := &fakeAgent{connected: true}
	client, _ := newSurface(t, agent, &fakeState{err: errors.New("connection refused")})

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", health.Status)
	assert.True(t, health.PlatformConnected)
	assert.Equal(t, "fail", health.Checks["state_store"].Status)
}
