package httpserver

import (
	"net/http"
	"time"

	"github.com/apathy-ca/sark/internal/policy"
)

type evaluateRequest struct {
	Action      string            `json:"action" validate:"required"`
	Resource    string            `json:"resource" validate:"required"`
	Roles       []string          `json:"roles"`
	Teams       []string          `json:"teams"`
	Context     map[string]string `json:"context"`
	Sensitivity string            `json:"sensitivity" validate:"omitempty,oneof=high low"`
	BypassCache bool              `json:"bypass_cache"`
}

// handlePolicyEvaluate runs the Policy Decision Engine for the caller's own
// principal and surfaces the cache outcome on X-Cache-Status, per spec.md
// §6 POST /policy/evaluate.
func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated principal")
		return
	}

	var req evaluateRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	sensitivity := policy.SensitivityLow
	if req.Sensitivity == string(policy.SensitivityHigh) {
		sensitivity = policy.SensitivityHigh
	}

	in := policy.Input{
		PrincipalID: principal.PrincipalID,
		Roles:       req.Roles,
		Teams:       req.Teams,
		Action:      req.Action,
		Resource:    req.Resource,
		Context:     req.Context,
		Sensitivity: sensitivity,
		RequestID:   RequestIDFromContext(r.Context()),
		Timestamp:   time.Now(),
		BypassCache: req.BypassCache,
	}

	out, err := s.Policy.Decide(r.Context(), in)
	w.Header().Set("X-Cache-Status", out.CacheStatus)
	if err != nil {
		RespondSarkError(w, err)
		return
	}

	Respond(w, http.StatusOK, out)
}
