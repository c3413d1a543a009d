package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNamespaces(t *testing.T) {
	// Keys are human-inspectable strings embedding the relevant ids.
	assert.Equal(t, "session:channel:C1", sessionKey("C1"))
	assert.Equal(t, "event:m-42:seen", eventKey("m-42"))
	assert.Equal(t, "session:S1:agentturns", turnsKey("S1"))
	assert.Equal(t, "nonce:peter:abc", nonceKey("peter", "abc"))
	assert.Equal(t, "svc:pubkey:coordinator", serviceKeyKey("coordinator"))
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("Peter", "C1", "heh, alright")
	b := Fingerprint("Peter", "C1", "heh, alright")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintSeparatesFields(t *testing.T) {
	// Persona/channel/text boundaries must not collide.
	assert.NotEqual(t, Fingerprint("Peter", "C1", "hi"), Fingerprint("Peter", "C", "1hi"))
	assert.NotEqual(t, Fingerprint("Peter", "C1", "hi"), Fingerprint("Brian", "C1", "hi"))
}

func TestTranscriptStoreImplementations(t *testing.T) {
	var _ TranscriptStore = (*PostgresStore)(nil)
	var _ TranscriptStore = (*SQLiteStore)(nil)
}
