package sig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"testing"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatal(err)
	}
	s, err := NewSigner("peter", base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`{"channel_id":"C1","text":"hi"}`)

	h := s.Headers(body)
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		t.Fatal(err)
	}

	pub, err := ParsePublicKey(s.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	payload := Payload(BodyHash(body), h.Get(HeaderNonce), ts)
	if err := Verify(pub, payload, h.Get(HeaderSignature)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestTamperedBodyFailsVerification(t *testing.T) {
	s := newTestSigner(t)
	h := s.Headers([]byte(`{"text":"hi"}`))
	ts, _ := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)

	pub, _ := ParsePublicKey(s.PublicKey())
	payload := Payload(BodyHash([]byte(`{"text":"bye"}`)), h.Get(HeaderNonce), ts)
	if err := Verify(pub, payload, h.Get(HeaderSignature)); err == nil {
		t.Fatal("expected verification failure for tampered body")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := ParsePublicKey(short); err == nil {
		t.Fatal("expected error for wrong key length")
	}
}

func TestNewSignerRejectsBadSeed(t *testing.T) {
	if _, err := NewSigner("peter", "zz==not-a-seed"); err == nil {
		t.Fatal("expected error for invalid seed encoding")
	}
	if _, err := NewSigner("peter", base64.StdEncoding.EncodeToString([]byte("tiny"))); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestNoncesDiffer(t *testing.T) {
	s := newTestSigner(t)
	h1 := s.Headers(nil)
	h2 := s.Headers(nil)
	if h1.Get(HeaderNonce) == h2.Get(HeaderNonce) {
		t.Fatal("nonces must be unique per request")
	}
}
