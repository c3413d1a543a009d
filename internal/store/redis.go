package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/troupe-chat/troupe/internal/metrics"
	"github.com/troupe-chat/troupe/internal/models"
)

// TTLs per key namespace. Sessions are soft state: losing one only
// forces a re-derivation from the channel id.
const (
	sessionTTL     = 30 * time.Minute
	eventMarkTTL   = 10 * time.Minute
	fingerprintTTL = 10 * time.Minute
	turnBudgetTTL  = 15 * time.Minute
	nonceTTL       = 3 * time.Minute
	serviceKeyTTL  = 24 * time.Hour
)

// RedisStore is the shared state store. Many independent processes read
// and write it; all writes are last-writer-wins per key with TTL expiry
// and no cross-key transactions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	defer observe(time.Now())
	return s.client.Ping(ctx).Err()
}

// observe records one operation's latency; call as defer observe(time.Now()).
func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// sessionKey returns the key for a channel's active session record.
func sessionKey(channelID string) string {
	return fmt.Sprintf("session:channel:%s", channelID)
}

// eventKey returns the dedup marker key for one event identity.
func eventKey(eventID string) string {
	return fmt.Sprintf("event:%s:seen", eventID)
}

// fingerprintKey returns the key for a recent-reply fingerprint.
func fingerprintKey(fp string) string {
	return fmt.Sprintf("reply:fp:%s", fp)
}

// turnsKey returns the key for a session's agent-turn counter.
func turnsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:agentturns", sessionID)
}

// nonceKey returns the key for request-signature nonce tracking.
func nonceKey(service, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", service, nonce)
}

// serviceKeyKey returns the key holding a service's published public key.
func serviceKeyKey(service string) string {
	return fmt.Sprintf("svc:pubkey:%s", service)
}

// GetOrCreateSession resolves the session for a channel, creating one
// if none is live. Creation is SETNX-based rather than locked: if two
// processes race, one record wins and the loser re-reads it, so both
// end up with the same session id. The bool reports whether this call
// created the session.
func (s *RedisStore) GetOrCreateSession(ctx context.Context, channelID, initiator string) (models.ConversationSession, bool, error) {
	defer observe(time.Now())
	key := sessionKey(channelID)

	if sess, err := s.readSession(ctx, key); err != nil {
		return models.ConversationSession{}, false, err
	} else if sess != nil {
		// Keep a live conversation alive.
		s.client.Expire(ctx, key, sessionTTL)
		return *sess, false, nil
	}

	candidate := models.NewConversationSession(channelID, initiator)
	data, err := json.Marshal(candidate)
	if err != nil {
		return models.ConversationSession{}, false, err
	}

	created, err := s.client.SetNX(ctx, key, data, sessionTTL).Result()
	if err != nil {
		return models.ConversationSession{}, false, err
	}
	if created {
		return candidate, true, nil
	}

	// Lost the race; adopt the winner's record.
	sess, err := s.readSession(ctx, key)
	if err != nil {
		return models.ConversationSession{}, false, err
	}
	if sess == nil {
		return models.ConversationSession{}, false, fmt.Errorf("session for channel %s expired during creation race", channelID)
	}
	return *sess, false, nil
}

func (s *RedisStore) readSession(ctx context.Context, key string) (*models.ConversationSession, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess models.ConversationSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &sess, nil
}

// PutSession stores a session the coordinator created for a scheduled
// start, so agents resolving by channel find the same id.
func (s *RedisStore) PutSession(ctx context.Context, sess models.ConversationSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(sess.ChannelID), data, sessionTTL).Err()
}

// MarkEventHandled records that an event identity has been accepted for
// orchestration. Returns true on first sight, false for a duplicate.
// Retried submissions and simultaneous multi-persona mentions both land
// here, which is what makes the submission contract idempotent.
func (s *RedisStore) MarkEventHandled(ctx context.Context, eventID string) (bool, error) {
	defer observe(time.Now())
	return s.client.SetNX(ctx, eventKey(eventID), "1", eventMarkTTL).Result()
}

// Fingerprint derives the dedup fingerprint of one delivered reply.
func Fingerprint(persona, channelID, text string) string {
	hash := sha256.Sum256([]byte(persona + "\x00" + channelID + "\x00" + text))
	return hex.EncodeToString(hash[:])
}

// MarkReplySeen records a reply fingerprint. Returns true if the same
// reply was already delivered within the fingerprint window.
func (s *RedisStore) MarkReplySeen(ctx context.Context, fp string) (bool, error) {
	fresh, err := s.client.SetNX(ctx, fingerprintKey(fp), "1", fingerprintTTL).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

// IncrAgentTurns bumps a session's consecutive agent-turn counter and
// returns the new value.
func (s *RedisStore) IncrAgentTurns(ctx context.Context, sessionID string) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, turnsKey(sessionID))
	pipe.Expire(ctx, turnsKey(sessionID), turnBudgetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ResetAgentTurns clears the counter when a human speaks again.
func (s *RedisStore) ResetAgentTurns(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, turnsKey(sessionID)).Err()
}

// IsNonceUsed checks whether a request nonce has been seen before.
func (s *RedisStore) IsNonceUsed(ctx context.Context, service, nonce string) bool {
	exists, _ := s.client.Exists(ctx, nonceKey(service, nonce)).Result()
	return exists > 0
}

// MarkNonceUsed burns a request nonce.
func (s *RedisStore) MarkNonceUsed(ctx context.Context, service, nonce string) {
	s.client.Set(ctx, nonceKey(service, nonce), "1", nonceTTL)
}

// PublishServiceKey publishes a service's signing public key. Services
// republish periodically; the TTL reaps keys of retired services.
func (s *RedisStore) PublishServiceKey(ctx context.Context, service, pubkeyB64 string) error {
	return s.client.Set(ctx, serviceKeyKey(service), pubkeyB64, serviceKeyTTL).Err()
}

// ServiceKey fetches a service's published public key. Empty string
// means unknown service.
func (s *RedisStore) ServiceKey(ctx context.Context, service string) (string, error) {
	key, err := s.client.Get(ctx, serviceKeyKey(service)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return key, err
}
