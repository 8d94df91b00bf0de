package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCProvider performs authorization-code exchange and validates the ID
// token against the issuer's JWKS. Adapted from internal/auth/oidc.go and
// oidc_flow.go, generalized from the teacher's tenant-scoped claim shape to
// SARK's principal/roles/teams model; coreos/go-oidc caches and
// background-refreshes the JWKS internally, which already satisfies
// spec.md §4.2's "cache JWKS with a short TTL and background-refresh on
// signature miss" requirement.
type OIDCProvider struct {
	oauth2Cfg *oauth2.Config
	verifier  *oidc.IDTokenVerifier
}

// NewOIDCProvider performs OIDC discovery against issuerURL (a network
// call) and builds the authorization-code oauth2.Config.
func NewOIDCProvider(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, &ProviderError{Kind: ConfigurationError, Message: "OIDC discovery failed", Err: err}
	}

	return &OIDCProvider{
		oauth2Cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile", "groups"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// AuthCodeURL returns the URL to redirect the user to, embedding state and
// nonce for replay protection (spec.md §4.2: "nonce").
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Cfg.AuthCodeURL(state, oidc.Nonce(nonce))
}

type oidcClaims struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Groups  []string `json:"groups"`
	Nonce   string   `json:"nonce"`
}

// Exchange trades an authorization code for tokens, verifies the ID token
// (signature, issuer, audience, nonce, expiry), and returns the resolved
// principal attributes.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce string) (PrincipalAttributes, error) {
	token, err := p.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		return PrincipalAttributes{}, &ProviderError{Kind: UpstreamUnreachable, Message: "code exchange failed", Err: err}
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return PrincipalAttributes{}, &ProviderError{Kind: AssertionInvalid, Message: "no id_token in token response"}
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return PrincipalAttributes{}, &ProviderError{Kind: AssertionInvalid, Message: "id_token verification failed", Err: err}
	}

	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return PrincipalAttributes{}, &ProviderError{Kind: AssertionInvalid, Message: "extracting claims failed", Err: err}
	}
	if claims.Subject == "" {
		return PrincipalAttributes{}, &ProviderError{Kind: AssertionInvalid, Message: "token missing sub claim"}
	}
	if expectedNonce != "" && claims.Nonce != expectedNonce {
		return PrincipalAttributes{}, &ProviderError{Kind: AssertionInvalid, Message: "nonce mismatch"}
	}

	return PrincipalAttributes{
		PrincipalID: fmt.Sprintf("oidc:%s", claims.Subject),
		DisplayName: claims.Name,
		Email:       claims.Email,
		Teams:       claims.Groups,
	}, nil
}
