// Package sig implements Ed25519 request signing between troupe
// services. Every process signs its outbound control and orchestration
// calls; receivers verify against public keys published through the
// shared state store.
package sig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signature headers carried on every signed request.
const (
	HeaderService   = "X-Troupe-Service"
	HeaderNonce     = "X-Troupe-Nonce"
	HeaderTimestamp = "X-Troupe-Timestamp"
	HeaderSignature = "X-Troupe-Signature"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ParsePublicKey checks that a base64-encoded string is a valid Ed25519
// public key.
func ParsePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// Verify checks a base64 signature over signedData.
func Verify(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Payload builds the canonical data to sign.
// Format: sha256(body)hex|nonce|timestamp.
func Payload(bodyHash, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", bodyHash, nonce, timestamp))
}

// BodyHash returns the hex sha256 digest of a request body.
func BodyHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// Signer signs outbound requests on behalf of one service.
type Signer struct {
	service string
	key     ed25519.PrivateKey
}

// NewSigner builds a signer from a base64 Ed25519 seed.
func NewSigner(service, seedB64 string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("decode service key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("service key must be a %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{service: service, key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Service returns the name this signer signs as.
func (s *Signer) Service() string { return s.service }

// PublicKey returns the base64 public key to publish for verification.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Headers produces the signature headers for one request body.
func (s *Signer) Headers(body []byte) http.Header {
	nonceBytes := make([]byte, 16)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	ts := time.Now().UnixMilli()
	sigBytes := ed25519.Sign(s.key, Payload(BodyHash(body), nonce, ts))

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderService, s.service)
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sigBytes))
	return h
}
