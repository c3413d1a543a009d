package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-chat/troupe/internal/sig"
)

type fakeKeys struct {
	keys map[string]string
}

func (f *fakeKeys) ServiceKey(_ context.Context, service string) (string, error) {
	return f.keys[service], nil
}

type fakeNonces struct {
	mu   sync.Mutex
	used map[string]bool
}

func (f *fakeNonces) IsNonceUsed(_ context.Context, service, nonce string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[service+":"+nonce]
}

func (f *fakeNonces) MarkNonceUsed(_ context.Context, service, nonce string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[service+":"+nonce] = true
}

func setupAuth(t *testing.T) (*AuthMiddleware, *sig.Signer) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal(err)
	}
	signer, err := sig.NewSigner("coordinator", base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)

	m := NewAuthMiddleware(
		&fakeKeys{keys: map[string]string{"coordinator": signer.PublicKey()}},
		&fakeNonces{used: make(map[string]bool)},
	)
	return m, signer
}

func signedRequest(signer *sig.Signer, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.Header = signer.Headers(body)
	return req
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Caller(r.Context())))
	})
}

func TestRequireAuthAcceptsValidSignature(t *testing.T) {
	m, signer := setupAuth(t)
	body := []byte(`{"channel_id":"C1","text":"hi"}`)

	rec := httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, signedRequest(signer, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coordinator", rec.Body.String())
}

func TestRequireAuthRejectsTamperedBody(t *testing.T) {
	m, signer := setupAuth(t)
	req := signedRequest(signer, []byte(`{"text":"hi"}`))
	req.Body = httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte(`{"text":"bye"}`))).Body

	rec := httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsReplayedNonce(t *testing.T) {
	m, signer := setupAuth(t)
	body := []byte(`{}`)
	req := signedRequest(signer, body)

	rec := httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same headers again: nonce is burned.
	replay := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	replay.Header = req.Header
	rec = httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, replay)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsMissingHeaders(t *testing.T) {
	m, _ := setupAuth(t)
	req := httptest.NewRequest(http.MethodPost, "/send", nil)

	rec := httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsStaleTimestamp(t *testing.T) {
	m, signer := setupAuth(t)
	body := []byte(`{}`)
	req := signedRequest(signer, body)
	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	req.Header.Set(sig.HeaderTimestamp, strconv.FormatInt(stale, 10))

	rec := httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsUnknownService(t *testing.T) {
	m, _ := setupAuth(t)

	seed := make([]byte, ed25519.SeedSize)
	rand.Read(seed)
	rogue, err := sig.NewSigner("rogue", base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.RequireAuth(echoCaller()).ServeHTTP(rec, signedRequest(rogue, []byte(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
