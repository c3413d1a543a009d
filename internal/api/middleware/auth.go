package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/troupe-chat/troupe/internal/sig"
)

type contextKey string

// CallerContextKey holds the verified service name of the caller.
const CallerContextKey contextKey = "caller"

// KeySource looks up a service's published signing public key.
type KeySource interface {
	ServiceKey(ctx context.Context, service string) (string, error)
}

// NonceRegistry tracks burned request nonces.
type NonceRegistry interface {
	IsNonceUsed(ctx context.Context, service, nonce string) bool
	MarkNonceUsed(ctx context.Context, service, nonce string)
}

// AuthMiddleware verifies Ed25519 request signatures between services.
type AuthMiddleware struct {
	keys   KeySource
	nonces NonceRegistry
	window time.Duration

	mu    sync.Mutex
	cache map[string]cachedKey
}

type cachedKey struct {
	key     ed25519.PublicKey
	fetched time.Time
}

const keyCacheTTL = 5 * time.Minute

// NewAuthMiddleware creates a service auth middleware.
func NewAuthMiddleware(keys KeySource, nonces NonceRegistry) *AuthMiddleware {
	return &AuthMiddleware{
		keys:   keys,
		nonces: nonces,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
		cache:  make(map[string]cachedKey),
	}
}

// RequireAuth verifies the signature headers on a request.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		service := r.Header.Get(sig.HeaderService)
		nonce := r.Header.Get(sig.HeaderNonce)
		timestamp := r.Header.Get(sig.HeaderTimestamp)
		signature := r.Header.Get(sig.HeaderSignature)

		if service == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}
		if m.nonces.IsNonceUsed(r.Context(), service, nonce) {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		pubkey, err := m.publicKey(r.Context(), service)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "unknown service")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		payload := sig.Payload(sig.BodyHash(body), nonce, ts)
		if err := sig.Verify(pubkey, payload, signature); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		m.nonces.MarkNonceUsed(r.Context(), service, nonce)

		ctx := context.WithValue(r.Context(), CallerContextKey, service)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := time.Now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

// publicKey resolves a service's key through a short-lived local cache.
func (m *AuthMiddleware) publicKey(ctx context.Context, service string) (ed25519.PublicKey, error) {
	m.mu.Lock()
	if entry, ok := m.cache[service]; ok && time.Since(entry.fetched) < keyCacheTTL {
		m.mu.Unlock()
		return entry.key, nil
	}
	m.mu.Unlock()

	keyB64, err := m.keys.ServiceKey(ctx, service)
	if err != nil {
		return nil, err
	}
	pubkey, err := sig.ParsePublicKey(keyB64)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[service] = cachedKey{key: pubkey, fetched: time.Now()}
	m.mu.Unlock()
	return pubkey, nil
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Caller retrieves the verified caller service name from the context.
func Caller(ctx context.Context) string {
	caller, _ := ctx.Value(CallerContextKey).(string)
	return caller
}
