package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apathy-ca/sark/internal/authn"
)

// loginRequest is the body shape for POST /auth/login/{provider}. Exactly
// the fields for the named provider should be set; handleLogin reads it with
// Decode, which rejects unknown fields but checks no required/format
// constraints, and Credential.variant (inside authn) enforces that exactly
// one credential kind reaches the core.
type loginRequest struct {
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	Code            string `json:"code,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	AssertionBase64 string `json:"assertion_base64,omitempty"`
}

type loginResponse struct {
	PrincipalID  string   `json:"principal_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Email        string   `json:"email,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Teams        []string `json:"teams,omitempty"`
	AccessToken  string   `json:"access_token"`
	ExpiresAt    string   `json:"expires_at"`
	RefreshToken string   `json:"refresh_token"`
	SessionID    string   `json:"session_id"`
}

// handleLogin dispatches POST /auth/login/{provider} into the matching
// authn.Credential variant and mints a session on success (spec.md §6).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req loginRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var cred authn.Credential
	switch provider {
	case "directory":
		cred.Directory = &authn.DirectoryCredential{Username: req.Username, Password: req.Password}
	case "oidc":
		cred.OIDC = &authn.OIDCCredential{Code: req.Code, ExpectedNonce: req.Nonce}
	case "saml":
		cred.SAML = &authn.SAMLCredential{AssertionBase64: req.AssertionBase64}
	default:
		RespondError(w, http.StatusNotFound, "unknown_provider", "no such authentication provider")
		return
	}

	res, err := s.Authn.Authenticate(r.Context(), cred, clientIP(r), r.UserAgent())
	if err != nil {
		RespondSarkError(w, err)
		return
	}

	Respond(w, http.StatusOK, loginResponse{
		PrincipalID:  res.Principal.PrincipalID,
		DisplayName:  res.Principal.DisplayName,
		Email:        res.Principal.Email,
		Roles:        res.Principal.Roles,
		Teams:        res.Principal.Teams,
		AccessToken:  res.AccessToken,
		ExpiresAt:    res.ExpiresAt.Format(rfc3339),
		RefreshToken: res.RefreshToken,
		SessionID:    res.SessionID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// handleRefresh rotates a refresh token, per spec.md §4.1's one-time-use
// invariant: the old token is rejected on any further use.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	res, err := s.Authn.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		RespondSarkError(w, err)
		return
	}

	Respond(w, http.StatusOK, loginResponse{
		PrincipalID:  res.Principal.PrincipalID,
		AccessToken:  res.AccessToken,
		ExpiresAt:    res.ExpiresAt.Format(rfc3339),
		RefreshToken: res.RefreshToken,
		SessionID:    res.SessionID,
	})
}

type revokeRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// handleRevoke ends a session immediately; idempotent per authn.Core.Revoke.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if err := s.Authn.Revoke(r.Context(), req.SessionID); err != nil {
		RespondSarkError(w, err)
		return
	}

	Respond(w, http.StatusNoContent, nil)
}

// handleMe introspects the access token the caller authenticated with and
// returns the resolved principal (spec.md §6 GET /auth/me).
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated principal")
		return
	}
	Respond(w, http.StatusOK, principal)
}

type providerDescriptor struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// handleProviders reports which identity providers this deployment has
// configured, letting a client skip rendering a login option for a
// provider that was never wired (spec.md §6 GET /auth/providers).
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, []providerDescriptor{
		{Name: "directory", Available: s.hasDirectory},
		{Name: "oidc", Available: s.hasOIDC},
		{Name: "saml", Available: s.hasSAML},
		{Name: "api_key", Available: s.hasAPIKeys},
	})
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
