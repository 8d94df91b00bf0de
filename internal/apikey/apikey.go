// Package apikey implements the API key subsystem (C9, spec.md §4.3):
// minting, hashed storage, scope/environment-bound validation, rotation
// with a grace period, and revocation. Adapted from pkg/apikey/{apikey,
// service,store}.go's pgx CRUD + RETURNING pattern, generalized from the
// teacher's tenant-scoped single-key model to SARK's rotation-lineage and
// scope/environment semantics, and switched from a plain string compare to
// internal/crypto.SecureCompare to close the timing-oracle gap.
package apikey

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apathy-ca/sark/internal/crypto"
	"github.com/apathy-ca/sark/internal/sarkerr"
)

// Environment is one of the closed vocabulary live/test values.
type Environment string

const (
	EnvLive Environment = "live"
	EnvTest Environment = "test"
)

// Meta is the non-secret, displayable record for an API key.
type Meta struct {
	KeyID            uuid.UUID
	Name             string
	OwnerPrincipalID string
	Scopes           []string
	RateLimitPerMin  int
	Environment      Environment
	KeyPrefix        string
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
	LastUsedAt       *time.Time
	RotatedFromID    *uuid.UUID
}

// Principal is what validation resolves a plaintext key to.
type Principal struct {
	KeyID            uuid.UUID
	OwnerPrincipalID string
	Scopes           []string
	RateLimitPerMin  int
	Environment      Environment
}

// Store is the pgx-backed durable store for API key metadata.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

const keyColumns = `key_id, name, owner_principal_id, scopes, rate_limit_per_min, environment, key_prefix, key_hash, created_at, expires_at, revoked_at, last_used_at, rotated_from_id`

func scanMeta(row pgx.Row) (Meta, string, error) {
	var m Meta
	var hash string
	err := row.Scan(&m.KeyID, &m.Name, &m.OwnerPrincipalID, &m.Scopes, &m.RateLimitPerMin,
		&m.Environment, &m.KeyPrefix, &hash, &m.CreatedAt, &m.ExpiresAt, &m.RevokedAt,
		&m.LastUsedAt, &m.RotatedFromID)
	return m, hash, err
}

// Insert persists a newly minted key's metadata and hash.
func (s *Store) Insert(ctx context.Context, m Meta, hash string) error {
	query := `INSERT INTO api_keys (` + keyColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.pool.Exec(ctx, query, m.KeyID, m.Name, m.OwnerPrincipalID, m.Scopes,
		m.RateLimitPerMin, m.Environment, m.KeyPrefix, hash, m.CreatedAt, m.ExpiresAt,
		m.RevokedAt, m.LastUsedAt, m.RotatedFromID)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetByHash looks up a key by its hash — never by prefix, which is for
// display only (spec.md §4.3 step 2).
func (s *Store) GetByHash(ctx context.Context, hash string) (Meta, string, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = $1`
	return scanMeta(s.pool.QueryRow(ctx, query, hash))
}

func (s *Store) Get(ctx context.Context, keyID uuid.UUID) (Meta, string, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE key_id = $1`
	return scanMeta(s.pool.QueryRow(ctx, query, keyID))
}

func (s *Store) ListByOwner(ctx context.Context, ownerPrincipalID string) ([]Meta, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE owner_principal_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, ownerPrincipalID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m, _, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Revoke(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = $2 WHERE key_id = $1 AND revoked_at IS NULL`, keyID, at)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return nil
}

// UpdateLastUsed is best-effort: callers must not fail validation if this
// errors (spec.md §4.3 step 5, §9 open question).
func (s *Store) UpdateLastUsed(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	return err
}

// Service orchestrates mint/validate/rotate/revoke over a Store.
type Service struct {
	store      *Store
	keyPrefix  string
	graceHours int
}

func NewService(store *Store, keyPrefix string, rotationGraceHours int) *Service {
	return &Service{store: store, keyPrefix: keyPrefix, graceHours: rotationGraceHours}
}

// Mint generates and persists a new key, returning its metadata and the
// plaintext that exists only in this single response (spec.md §4.3,
// invariant 2).
func (s *Service) Mint(ctx context.Context, owner string, scopes []string, env Environment, rateLimit int, expiresAt *time.Time) (Meta, string, error) {
	return s.mint(ctx, owner, scopes, env, rateLimit, expiresAt, nil)
}

func (s *Service) mint(ctx context.Context, owner string, scopes []string, env Environment, rateLimit int, expiresAt *time.Time, rotatedFromID *uuid.UUID) (Meta, string, error) {
	bodyBytes, err := crypto.RandomBytes(32)
	if err != nil {
		return Meta{}, "", fmt.Errorf("generating key body: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(bodyBytes)
	plaintext := fmt.Sprintf("%s_%s_%s", s.keyPrefix, env, body)
	hash := crypto.HashHex(plaintext)

	prefixLen := 12
	if len(plaintext) < prefixLen {
		prefixLen = len(plaintext)
	}

	meta := Meta{
		KeyID:            uuid.New(),
		Name:             "",
		OwnerPrincipalID: owner,
		Scopes:           scopes,
		RateLimitPerMin:  rateLimit,
		Environment:      env,
		KeyPrefix:        plaintext[:prefixLen],
		CreatedAt:        time.Now(),
		ExpiresAt:        expiresAt,
		RotatedFromID:    rotatedFromID,
	}

	if err := s.store.Insert(ctx, meta, hash); err != nil {
		return Meta{}, "", err
	}
	return meta, plaintext, nil
}

// Validate implements the ordered steps of spec.md §4.3.
func (s *Service) Validate(ctx context.Context, plaintext string) (Principal, error) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 {
		return Principal{}, sarkerr.New(sarkerr.InvalidCredential, "malformed api key")
	}
	env := Environment(parts[1])
	if env != EnvLive && env != EnvTest {
		return Principal{}, sarkerr.New(sarkerr.InvalidCredential, "malformed api key")
	}

	hash := crypto.HashHex(plaintext)
	meta, storedHash, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return Principal{}, sarkerr.Wrap(sarkerr.InvalidCredential, "invalid api key", err)
	}

	if !crypto.SecureCompare(storedHash, hash) {
		return Principal{}, sarkerr.New(sarkerr.InvalidCredential, "invalid api key")
	}

	if meta.RevokedAt != nil {
		return Principal{}, sarkerr.New(sarkerr.InvalidCredential, "api key revoked")
	}
	if meta.ExpiresAt != nil && meta.ExpiresAt.Before(time.Now()) {
		return Principal{}, sarkerr.New(sarkerr.InvalidCredential, "api key expired")
	}

	// Best-effort: a failure here must not fail validation.
	_ = s.store.UpdateLastUsed(ctx, meta.KeyID, time.Now())

	return Principal{
		KeyID:            meta.KeyID,
		OwnerPrincipalID: meta.OwnerPrincipalID,
		Scopes:           meta.Scopes,
		RateLimitPerMin:  meta.RateLimitPerMin,
		Environment:      meta.Environment,
	}, nil
}

// Rotate mints a new key linked to the original; the original stays valid
// until Finalize revokes it or a Store.SweepExpiredGrace call revokes it
// after the grace window (spec.md §4.3 "Rotation"). Validate does not check
// the grace window, and nothing in this package runs the sweep.
func (s *Service) Rotate(ctx context.Context, oldKeyID uuid.UUID) (Meta, string, error) {
	old, _, err := s.store.Get(ctx, oldKeyID)
	if err != nil {
		return Meta{}, "", fmt.Errorf("loading key to rotate: %w", err)
	}

	newMeta, plaintext, err := s.mint(ctx, old.OwnerPrincipalID, old.Scopes, old.Environment, old.RateLimitPerMin, old.ExpiresAt, &oldKeyID)
	if err != nil {
		return Meta{}, "", err
	}
	return newMeta, plaintext, nil
}

// Finalize revokes the old key after rotation once the caller confirms
// receipt of the new one.
func (s *Service) Finalize(ctx context.Context, oldKeyID uuid.UUID) error {
	return s.store.Revoke(ctx, oldKeyID, time.Now())
}

// SweepExpiredGrace revokes rotated-out keys whose grace window has
// elapsed, for callers (e.g. a periodic worker) that don't explicitly
// Finalize. The grace window is measured from the successor key's
// creation time, per spec.md §4.3's "grace period expires (default 24h)".
func (s *Store) SweepExpiredGrace(ctx context.Context, graceHours int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys AS old
		SET revoked_at = now()
		FROM api_keys AS new
		WHERE new.rotated_from_id = old.key_id
		  AND old.revoked_at IS NULL
		  AND new.created_at < now() - make_interval(hours => $1)
	`, graceHours)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired rotation grace: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Revoke is idempotent (spec.md §4.3 "Revocation").
func (s *Service) Revoke(ctx context.Context, keyID uuid.UUID) error {
	return s.store.Revoke(ctx, keyID, time.Now())
}

// HasScopes reports whether principal's scopes cover every scope required.
func HasScopes(principal Principal, required []string) bool {
	have := make(map[string]bool, len(principal.Scopes))
	for _, sc := range principal.Scopes {
		have[sc] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}
