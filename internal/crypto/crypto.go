// Package crypto holds SARK's cryptographic primitives: random token
// generation, one-way hashing, and constant-time comparison. Every secret
// comparison in the codebase (API keys, refresh tokens) goes through
// SecureCompare rather than ==, closing the timing-oracle gap the
// prototype's plain hash-string comparison left open.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// RandomToken returns a URL-safe, unpadded base64 string encoding n random
// bytes of entropy. Used for refresh tokens.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashHex returns the lowercase hex-encoded SHA-256 digest of s. SHA-256 is
// sufficient here (not a memory-hard KDF like bcrypt/argon2) because the
// inputs are high-entropy machine-generated secrets, not user passwords —
// per spec.md §4.3.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SecureCompare reports whether a and b are equal using constant-time
// comparison, defeating timing oracles against secret hash lookups. Both
// arguments are expected to be fixed-size hashes (e.g. hex-encoded SHA-256
// digests), so the length check does not itself leak useful timing signal.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
