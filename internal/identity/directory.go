package identity

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DirectoryClient abstracts the search-then-bind lookup against a directory
// service, decoupling the provider from any specific backend — the same
// narrow-interface discipline the storage abstraction in the reference
// corpus uses to decouple auth from a concrete database schema.
type DirectoryClient struct {
	// Search resolves a username to a DN and its stored bcrypt verifier,
	// or returns ok=false if no such entry exists. The provider never
	// distinguishes "no such user" from "wrong password" to the caller
	// (spec.md §4.1 enumeration-resistance requirement).
	Search func(ctx context.Context, username string) (dn string, passwordVerifier string, groups []string, ok bool, err error)
}

// DirectoryProvider checks passwords against a directory service, avoiding
// DN injection by never building a DN from unescaped user input — Search
// performs the lookup, Verify only compares the password with the returned
// bcrypt verifier. No bind is made as the user.
type DirectoryProvider struct {
	client  DirectoryClient
	timeout time.Duration
}

// NewDirectoryProvider builds a DirectoryProvider. timeout bounds the
// connection per spec.md §4.2 (default 5s).
func NewDirectoryProvider(client DirectoryClient, timeout time.Duration) *DirectoryProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectoryProvider{client: client, timeout: timeout}
}

// Verify searches the directory for username and compares password with
// the entry's bcrypt verifier; it does not bind as the user. Groups are
// extracted into PrincipalAttributes.Teams.
func (p *DirectoryProvider) Verify(ctx context.Context, username, password string) (PrincipalAttributes, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dn, verifier, groups, ok, err := p.client.Search(ctx, username)
	if err != nil {
		return PrincipalAttributes{}, &ProviderError{Kind: UpstreamUnreachable, Message: "directory search failed", Err: err}
	}
	if !ok {
		// Indistinguishable from "wrong password" — compare against a
		// fixed dummy verifier so the bcrypt cost is still paid, keeping
		// response timing uniform between unknown-user and wrong-password.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyVerifier), []byte(password))
		return PrincipalAttributes{}, &ProviderError{Kind: CredentialInvalid, Message: "invalid credentials"}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password)); err != nil {
		return PrincipalAttributes{}, &ProviderError{Kind: CredentialInvalid, Message: "invalid credentials"}
	}

	return PrincipalAttributes{
		PrincipalID: dn,
		DisplayName: username,
		Teams:       groups,
		Attributes:  map[string]string{"dn": dn},
	}, nil
}

// dummyVerifier is a valid bcrypt hash of a fixed, never-used password,
// used only to equalize timing when no directory entry is found.
const dummyVerifier = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8Y9A0D8v6T2.tgZx9nF5gJ/nUVNVxa"
