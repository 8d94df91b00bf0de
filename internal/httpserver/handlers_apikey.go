package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apathy-ca/sark/internal/apikey"
)

type createAPIKeyRequest struct {
	Scopes          []string `json:"scopes" validate:"required,min=1"`
	Environment     string   `json:"environment" validate:"required,oneof=live test"`
	RateLimitPerMin int      `json:"rate_limit_per_min" validate:"gte=0"`
	ExpiresInDays   int      `json:"expires_in_days" validate:"gte=0"`
}

type apiKeyResponse struct {
	KeyID       string  `json:"key_id"`
	Plaintext   string  `json:"key,omitempty"` // only ever populated on mint/rotate
	KeyPrefix   string  `json:"key_prefix"`
	Scopes      []string `json:"scopes"`
	Environment string  `json:"environment"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	RevokedAt   *string `json:"revoked_at,omitempty"`
}

func metaToResponse(m apikey.Meta, plaintext string) apiKeyResponse {
	resp := apiKeyResponse{
		KeyID:       m.KeyID.String(),
		Plaintext:   plaintext,
		KeyPrefix:   m.KeyPrefix,
		Scopes:      m.Scopes,
		Environment: string(m.Environment),
		CreatedAt:   m.CreatedAt.Format(rfc3339),
	}
	if m.ExpiresAt != nil {
		f := m.ExpiresAt.Format(rfc3339)
		resp.ExpiresAt = &f
	}
	if m.RevokedAt != nil {
		f := m.RevokedAt.Format(rfc3339)
		resp.RevokedAt = &f
	}
	return resp
}

// handleCreateAPIKey mints a new key for the caller's own principal
// (spec.md §4.3, §6 POST /auth/api-keys). The plaintext is returned once
// and never again.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated principal")
		return
	}

	var req createAPIKeyRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	meta, plaintext, err := s.APIKeys.Mint(r.Context(), principal.PrincipalID, req.Scopes, apikey.Environment(req.Environment), req.RateLimitPerMin, expiresAt)
	if err != nil {
		RespondSarkError(w, err)
		return
	}

	Respond(w, http.StatusCreated, metaToResponse(meta, plaintext))
}

// handleListAPIKeys lists the caller's own keys, never exposing plaintext
// or hash (spec.md §6 GET /auth/api-keys).
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated principal")
		return
	}

	metas, err := s.APIKeyStore.ListByOwner(r.Context(), principal.PrincipalID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "listing api keys failed")
		return
	}

	out := make([]apiKeyResponse, 0, len(metas))
	for _, m := range metas {
		out = append(out, metaToResponse(m, ""))
	}
	Respond(w, http.StatusOK, out)
}

// handleRevokeAPIKey revokes a key immediately (spec.md §6 DELETE
// /auth/api-keys/{id}).
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid key id")
		return
	}

	if err := s.APIKeyStore.Revoke(r.Context(), keyID, time.Now()); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "revoking api key failed")
		return
	}

	Respond(w, http.StatusNoContent, nil)
}

// handleRotateAPIKey mints a successor key and leaves the original valid
// through its rotation grace window (spec.md §4.3 "Rotation", §6 POST
// /auth/api-keys/{id}/rotate).
func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid key id")
		return
	}

	meta, plaintext, err := s.APIKeys.Rotate(r.Context(), keyID)
	if err != nil {
		RespondSarkError(w, err)
		return
	}

	Respond(w, http.StatusCreated, metaToResponse(meta, plaintext))
}
