// Package session implements the dual-token session model of spec.md §4.1
// and §3: stateless signed access tokens plus a Redis-backed refresh-token
// index with one-time-use rotation and reuse detection. The access-token
// signer is adapted directly from internal/auth/session.go's HMAC-SHA256
// go-jose signer/verifier; the refresh-token side is new, since the
// teacher's sessions never rotate or expire by refresh at all.
package session

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// AccessClaims are the custom claims carried in the access token, per
// spec.md §3: "role/team snapshot, issued/expiry times, and a unique token
// identifier".
type AccessClaims struct {
	PrincipalID string   `json:"principal_id"`
	SessionID   string   `json:"session_id"`
	Kind        string   `json:"kind"`
	Roles       []string `json:"roles"`
	Teams       []string `json:"teams"`
	TokenID     string   `json:"jti"`
}

// TokenIssuer signs and verifies access tokens with HMAC-SHA256.
type TokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

// NewTokenIssuer builds a TokenIssuer. secret must be at least 32 bytes.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenIssuer{signingKey: []byte(secret), ttl: ttl, issuer: "sark"}, nil
}

// Issue signs a new access token for the given claims, stamping issued/
// expiry times and a fresh token identifier. Expiry is always ≤ issued +
// ttl (spec.md §3 access-token invariant).
func (ti *TokenIssuer) Issue(claims AccessClaims) (token string, expiresAt time.Time, err error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: ti.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating signer: %w", err)
	}

	if claims.TokenID == "" {
		claims.TokenID = uuid.NewString()
	}

	now := time.Now()
	expiresAt = now.Add(ti.ttl)
	registered := jwt.Claims{
		Subject:   claims.PrincipalID,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiresAt),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    ti.issuer,
		ID:        claims.TokenID,
	}

	raw, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return raw, expiresAt, nil
}

// Verify checks the access token's signature and expiry and returns the
// carried claims. Verification is stateless: it does not consult storage
// (spec.md §4.1 introspect invariant).
func (ti *TokenIssuer) Verify(raw string) (*AccessClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	var registered jwt.Claims
	var custom AccessClaims
	if err := tok.Claims(ti.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying access token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: ti.issuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating access token claims: %w", err)
	}

	return &custom, nil
}
