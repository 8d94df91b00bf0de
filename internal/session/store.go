package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark/internal/crypto"
)

// Session is the durable record spec.md §3 describes; only RefreshHash is
// secret, mirroring the API key's hash-only storage discipline.
type Session struct {
	SessionID     string    `json:"session_id"`
	PrincipalID   string    `json:"principal_id"`
	RefreshHash   string    `json:"refresh_token_hash"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	SourceIP      string    `json:"source_ip"`
	UserAgent     string    `json:"user_agent"`
	Revoked       bool      `json:"revoked"`
}

// Store persists sessions and their refresh-token index in Redis. A
// per-session rotation lock (spec.md §5 "refresh operations are
// serialized") is implemented with Redis SETNX so it holds across gateway
// replicas, not just within one process.
type Store struct {
	redis *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{redis: rdb} }

func sessionKey(id string) string   { return "session:" + id }
func refreshKey(hash string) string { return "refresh_idx:" + hash }
func lockKey(id string) string      { return "session_lock:" + id }
func principalIdxKey(principalID string) string { return "principal_sessions:" + principalID }

// Create issues a new session anchored on a fresh refresh token, enforcing
// the concurrent-session cap by evicting the oldest-by-last-seen session
// if the cap would otherwise be exceeded (spec.md §4.1, invariant 7).
func (s *Store) Create(ctx context.Context, principalID, sourceIP, userAgent string, refreshTTL time.Duration, maxSessions int) (*Session, string, error) {
	refreshPlain, err := crypto.RandomToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("generating refresh token: %w", err)
	}

	now := time.Now()
	sess := &Session{
		SessionID:   uuid.NewString(),
		PrincipalID: principalID,
		RefreshHash: crypto.HashHex(refreshPlain),
		IssuedAt:    now,
		ExpiresAt:   now.Add(refreshTTL),
		LastSeenAt:  now,
		SourceIP:    sourceIP,
		UserAgent:   userAgent,
	}

	if err := s.persist(ctx, sess, refreshTTL); err != nil {
		return nil, "", err
	}

	if err := s.redis.ZAdd(ctx, principalIdxKey(principalID), redis.Z{
		Score: float64(now.Unix()), Member: sess.SessionID,
	}).Err(); err != nil {
		return nil, "", fmt.Errorf("indexing session for principal: %w", err)
	}
	s.redis.Expire(ctx, principalIdxKey(principalID), refreshTTL)

	if err := s.enforceCap(ctx, principalID, maxSessions); err != nil {
		return nil, "", err
	}

	return sess, refreshPlain, nil
}

func (s *Store) persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.SessionID), raw, ttl)
	pipe.Set(ctx, refreshKey(sess.RefreshHash), sess.SessionID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

func (s *Store) enforceCap(ctx context.Context, principalID string, maxSessions int) error {
	if maxSessions <= 0 {
		return nil
	}
	ids, err := s.redis.ZRange(ctx, principalIdxKey(principalID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing principal sessions: %w", err)
	}
	excess := len(ids) - maxSessions
	for i := 0; i < excess; i++ {
		// ZRange is ascending by score (oldest first).
		if err := s.Revoke(ctx, ids[i]); err != nil {
			return fmt.Errorf("evicting oldest session: %w", err)
		}
	}
	return nil
}

// ErrSessionCompromised indicates a refresh token that had already been
// rotated was presented again; the whole session must be revoked.
var ErrSessionCompromised = errors.New("session compromised: refresh token reuse detected")

// ErrSessionNotFound covers unknown, expired, or already-revoked sessions.
var ErrSessionNotFound = errors.New("session not found")

// Refresh validates refreshPlain, rotates it to a new refresh token, and
// returns the (updated) session and the new plaintext refresh token.
// Replay of an already-rotated token revokes the whole session and returns
// ErrSessionCompromised (spec.md §4.1, invariant 1, scenario S2).
func (s *Store) Refresh(ctx context.Context, refreshPlain string, refreshTTL time.Duration, idleTimeout time.Duration) (*Session, string, error) {
	hash := crypto.HashHex(refreshPlain)

	sessionID, err := s.redis.Get(ctx, refreshKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Rotated-away hashes stay indexed (see the retention comment
			// below), so reaching redis.Nil here means the token was never
			// issued or its retention window has fully expired, not a
			// rotated replay.
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("looking up refresh token: %w", err)
	}

	acquired, err := s.redis.SetNX(ctx, lockKey(sessionID), "1", 2*time.Second).Result()
	if err != nil {
		return nil, "", fmt.Errorf("acquiring session rotation lock: %w", err)
	}
	if !acquired {
		return nil, "", fmt.Errorf("session %s: concurrent refresh in progress", sessionID)
	}
	defer s.redis.Del(ctx, lockKey(sessionID))

	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if sess.Revoked {
		return nil, "", ErrSessionCompromised
	}
	if sess.RefreshHash != hash {
		// The session has already moved to a newer refresh token: this is
		// a replayed, already-rotated token. Revoke the whole chain.
		_ = s.Revoke(ctx, sessionID)
		return nil, "", ErrSessionCompromised
	}

	now := time.Now()
	if idleTimeout > 0 && now.Sub(sess.LastSeenAt) > idleTimeout {
		_ = s.Revoke(ctx, sessionID)
		return nil, "", ErrSessionNotFound
	}

	newPlain, err := crypto.RandomToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("generating rotated refresh token: %w", err)
	}

	oldHash := sess.RefreshHash
	sess.RefreshHash = crypto.HashHex(newPlain)
	sess.LastSeenAt = now
	sess.ExpiresAt = now.Add(refreshTTL)

	if err := s.persist(ctx, sess, refreshTTL); err != nil {
		return nil, "", err
	}

	// Re-score the session in the principal index by its new last_seen_at,
	// so enforceCap evicts the least recently seen session first.
	if err := s.redis.ZAdd(ctx, principalIdxKey(sess.PrincipalID), redis.Z{
		Score: float64(now.Unix()), Member: sess.SessionID,
	}).Err(); err != nil {
		return nil, "", fmt.Errorf("updating session index for principal: %w", err)
	}

	// The old refresh index is kept alive, repointed at the same session,
	// rather than deleted: a replay of oldHash must still resolve to a live
	// session so the RefreshHash-mismatch check above can catch it and
	// revoke the chain. It expires on its own after refreshTTL, bounding
	// how long a rotated-away token stays reuse-detectable.
	if err := s.redis.Set(ctx, refreshKey(oldHash), sess.SessionID, refreshTTL).Err(); err != nil {
		return nil, "", fmt.Errorf("retaining rotated refresh index: %w", err)
	}

	return sess, newPlain, nil
}

// Touch updates last_seen_at without rotating the refresh token, used on
// access-token issuance paths that don't go through Refresh.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastSeenAt = time.Now()
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	return s.persist(ctx, sess, ttl)
}

func (s *Store) get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

// Revoke marks a session revoked; idempotent (spec.md §4.1, round-trip law
// revoke(revoke(s)) = revoke(s)).
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if sess.Revoked {
		return nil
	}
	sess.Revoked = true
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute // keep a tombstone briefly so reuse is still detectable
	}
	return s.persist(ctx, sess, ttl)
}

// Get returns the session by ID for introspection/audit purposes.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.get(ctx, sessionID)
}
