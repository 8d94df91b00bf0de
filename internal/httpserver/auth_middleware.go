package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/apathy-ca/sark/internal/authn"
)

type principalContextKey struct{}

// PrincipalFromContext returns the principal RequireAuth resolved for this
// request, if any.
func PrincipalFromContext(ctx context.Context) (authn.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(authn.Principal)
	return p, ok
}

// RequireAuth enforces spec.md §6's single-credential rule: a request must
// carry exactly one of a Bearer access token or an X-API-Key header.
// Presenting both is rejected outright rather than picking one, closing the
// credential-confusion channel a silent precedence order would leave open.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r)
		apiKeyHeader := r.Header.Get("X-API-Key")

		switch {
		case bearer != "" && apiKeyHeader != "":
			RespondError(w, http.StatusBadRequest, "invalid_input", "exactly one of a bearer token or X-API-Key is allowed")
			return

		case bearer != "":
			principal, err := s.Authn.Introspect(r.Context(), bearer)
			if err != nil {
				RespondSarkError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return

		case apiKeyHeader != "":
			if s.APIKeys == nil {
				RespondError(w, http.StatusUnauthorized, "configuration_error", "api key authentication not configured")
				return
			}
			res, err := s.Authn.Authenticate(r.Context(), authn.Credential{APIKey: &authn.APIKeyCredential{Plaintext: apiKeyHeader}}, clientIP(r), r.UserAgent())
			if err != nil {
				RespondSarkError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey{}, res.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return

		default:
			RespondError(w, http.StatusUnauthorized, "invalid_credential", "missing bearer token or api key")
			return
		}
	})
}

// clientIP extracts the caller's address, preferring X-Forwarded-For/
// X-Real-IP ahead of the TCP peer so a request behind a load balancer is
// rate-limited and audited by its real origin.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	return ""
}
