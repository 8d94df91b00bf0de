// Package authn implements the Authentication Core (C10, spec.md §4.1):
// credential dispatch over the configured identity providers and API key
// subsystem, dual-token session issuance, refresh rotation, revocation,
// and introspection. The tagged-variant Credential dispatch is grounded
// directly on internal/auth/middleware.go's precedence-ordered
// PAT → session → OIDC → API-key chain, generalized from "pick the first
// matching header" into an explicit sum type with an exhaustive switch.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apathy-ca/sark/internal/apikey"
	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/identity"
	"github.com/apathy-ca/sark/internal/ratelimit"
	"github.com/apathy-ca/sark/internal/sarkerr"
	"github.com/apathy-ca/sark/internal/session"
)

// Kind distinguishes how a Principal was authenticated, carried in the
// access token so downstream policy decisions can condition on it.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindOIDC      Kind = "oidc"
	KindSAML      Kind = "saml"
	KindAPIKey    Kind = "api_key"
)

// Principal is the resolved identity spec.md §3 describes, owned by the
// Authentication Core regardless of which credential variant produced it.
type Principal struct {
	PrincipalID string
	Kind        Kind
	DisplayName string
	Email       string
	Roles       []string
	Teams       []string
	Attributes  map[string]string
}

// Credential is a tagged variant over the four ways a caller can prove an
// identity. Exactly one field is non-nil; dispatch below is exhaustive
// over the four cases rather than relying on header precedence at
// runtime, so a caller cannot smuggle two credentials into one request
// and have dispatch silently pick one.
type Credential struct {
	Directory *DirectoryCredential
	OIDC      *OIDCCredential
	SAML      *SAMLCredential
	APIKey    *APIKeyCredential
}

type DirectoryCredential struct {
	Username string
	Password string
}

type OIDCCredential struct {
	Code          string
	ExpectedNonce string
}

type SAMLCredential struct {
	AssertionBase64 string
}

type APIKeyCredential struct {
	Plaintext string
}

// variant reports which single credential kind is populated, erroring if
// zero or more than one is set.
func (c Credential) variant() (Kind, error) {
	set := 0
	var kind Kind
	if c.Directory != nil {
		set++
		kind = KindDirectory
	}
	if c.OIDC != nil {
		set++
		kind = KindOIDC
	}
	if c.SAML != nil {
		set++
		kind = KindSAML
	}
	if c.APIKey != nil {
		set++
		kind = KindAPIKey
	}
	if set != 1 {
		return "", sarkerr.New(sarkerr.InvalidInput, fmt.Sprintf("exactly one credential required, got %d", set))
	}
	return kind, nil
}

// Result is returned by a successful Authenticate call.
type Result struct {
	Principal    Principal
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
	SessionID    string
}

// Config carries the tunables Authenticate/Refresh need beyond what's
// injected via the constructor (spec.md §4.1 configuration surface).
type Config struct {
	RefreshTTL          time.Duration
	MaxSessionsPerUser  int
	IdleTimeout         time.Duration
}

// Core wires the identity providers, the API key subsystem, session
// issuance, rate limiting, and audit emission into the four operations
// spec.md §4.1 names: authenticate, refresh, revoke, introspect.
type Core struct {
	directory *identity.DirectoryProvider
	oidc      *identity.OIDCProvider
	saml      *identity.SAMLProvider
	apikeys   *apikey.Service
	sessions  *session.Store
	tokens    *session.TokenIssuer
	limiter   *ratelimit.Limiter
	emitter   *audit.Emitter
	cfg       Config
}

// New builds a Core. Any of directory/oidc/saml may be nil if that
// provider isn't configured; dispatch surfaces ConfigurationError for an
// unconfigured variant rather than a nil-pointer panic.
func New(
	directory *identity.DirectoryProvider,
	oidcProvider *identity.OIDCProvider,
	saml *identity.SAMLProvider,
	apikeys *apikey.Service,
	sessions *session.Store,
	tokens *session.TokenIssuer,
	limiter *ratelimit.Limiter,
	emitter *audit.Emitter,
	cfg Config,
) *Core {
	return &Core{
		directory: directory,
		oidc:      oidcProvider,
		saml:      saml,
		apikeys:   apikeys,
		sessions:  sessions,
		tokens:    tokens,
		limiter:   limiter,
		emitter:   emitter,
		cfg:       cfg,
	}
}

// Authenticate resolves cred to a Principal, and, for interactive
// credential kinds, issues a paired access/refresh token session. API key
// credentials never mint a session (spec.md §4.3: keys authenticate
// per-request, not via sessions) and return only the resolved Principal.
// Every attempt, success or failure, emits an audit event (spec.md §4.1).
func (c *Core) Authenticate(ctx context.Context, cred Credential, sourceIP, userAgent string) (Result, error) {
	kind, err := cred.variant()
	if err != nil {
		c.auditFailure("", "", err)
		return Result{}, err
	}

	if allowed, res, limitErr := c.checkRateLimit(ctx, kind, sourceIP); limitErr == nil && !allowed {
		err := sarkerr.New(sarkerr.TooManyAttempts, fmt.Sprintf("rate limited, retry after %s", res.RetryAfter))
		c.auditFailure("", string(kind), err)
		return Result{}, err
	}

	principal, err := c.dispatch(ctx, kind, cred)
	if err != nil {
		c.auditFailure("", string(kind), err)
		return Result{}, err
	}

	// API keys authenticate the request directly; no session is minted.
	if kind == KindAPIKey {
		c.auditSuccess(principal.PrincipalID, string(kind))
		return Result{Principal: principal}, nil
	}

	sess, refreshPlain, err := c.sessions.Create(ctx, principal.PrincipalID, sourceIP, userAgent, c.cfg.RefreshTTL, c.cfg.MaxSessionsPerUser)
	if err != nil {
		wrapped := sarkerr.Wrap(sarkerr.UpstreamUnavailable, "creating session", err)
		c.auditFailure(principal.PrincipalID, string(kind), wrapped)
		return Result{}, wrapped
	}

	access, expiresAt, err := c.tokens.Issue(session.AccessClaims{
		PrincipalID: principal.PrincipalID,
		SessionID:   sess.SessionID,
		Kind:        string(kind),
		Roles:       principal.Roles,
		Teams:       principal.Teams,
	})
	if err != nil {
		wrapped := sarkerr.Wrap(sarkerr.UpstreamUnavailable, "issuing access token", err)
		c.auditFailure(principal.PrincipalID, string(kind), wrapped)
		return Result{}, wrapped
	}

	c.auditSuccess(principal.PrincipalID, string(kind))
	return Result{
		Principal:    principal,
		AccessToken:  access,
		ExpiresAt:    expiresAt,
		RefreshToken: refreshPlain,
		SessionID:    sess.SessionID,
	}, nil
}

// dispatch is the exhaustive switch over the credential variant, each arm
// calling exactly one provider.
func (c *Core) dispatch(ctx context.Context, kind Kind, cred Credential) (Principal, error) {
	switch kind {
	case KindDirectory:
		if c.directory == nil {
			return Principal{}, sarkerr.New(sarkerr.ConfigurationError, "directory provider not configured")
		}
		attrs, err := c.directory.Verify(ctx, cred.Directory.Username, cred.Directory.Password)
		if err != nil {
			return Principal{}, translateProviderErr(err)
		}
		return fromAttributes(KindDirectory, attrs), nil

	case KindOIDC:
		if c.oidc == nil {
			return Principal{}, sarkerr.New(sarkerr.ConfigurationError, "oidc provider not configured")
		}
		attrs, err := c.oidc.Exchange(ctx, cred.OIDC.Code, cred.OIDC.ExpectedNonce)
		if err != nil {
			return Principal{}, translateProviderErr(err)
		}
		return fromAttributes(KindOIDC, attrs), nil

	case KindSAML:
		if c.saml == nil {
			return Principal{}, sarkerr.New(sarkerr.ConfigurationError, "saml provider not configured")
		}
		attrs, err := c.saml.Verify(cred.SAML.AssertionBase64)
		if err != nil {
			return Principal{}, translateProviderErr(err)
		}
		return fromAttributes(KindSAML, attrs), nil

	case KindAPIKey:
		if c.apikeys == nil {
			return Principal{}, sarkerr.New(sarkerr.ConfigurationError, "api key subsystem not configured")
		}
		p, err := c.apikeys.Validate(ctx, cred.APIKey.Plaintext)
		if err != nil {
			return Principal{}, err
		}
		return Principal{
			PrincipalID: p.OwnerPrincipalID,
			Kind:        KindAPIKey,
			Roles:       nil,
			Teams:       nil,
			Attributes: map[string]string{
				"api_key_id": p.KeyID.String(),
				"scopes":     fmt.Sprint(p.Scopes),
				"environment": string(p.Environment),
			},
		}, nil

	default:
		return Principal{}, sarkerr.New(sarkerr.ConfigurationError, fmt.Sprintf("unhandled credential kind %q", kind))
	}
}

func fromAttributes(kind Kind, attrs identity.PrincipalAttributes) Principal {
	return Principal{
		PrincipalID: attrs.PrincipalID,
		Kind:        kind,
		DisplayName: attrs.DisplayName,
		Email:       attrs.Email,
		Roles:       attrs.Roles,
		Teams:       attrs.Teams,
		Attributes:  attrs.Attributes,
	}
}

func translateProviderErr(err error) error {
	var perr *identity.ProviderError
	if !errors.As(err, &perr) {
		return sarkerr.Wrap(sarkerr.UpstreamUnavailable, "identity provider error", err)
	}
	switch perr.Kind {
	case identity.CredentialInvalid, identity.AssertionExpired, identity.AssertionInvalid:
		return sarkerr.Wrap(sarkerr.InvalidCredential, "invalid credential", perr)
	case identity.UpstreamUnreachable:
		return sarkerr.Wrap(sarkerr.UpstreamUnavailable, "identity provider unreachable", perr)
	case identity.ConfigurationError:
		return sarkerr.Wrap(sarkerr.ConfigurationError, "identity provider misconfigured", perr)
	default:
		return sarkerr.Wrap(sarkerr.InvalidCredential, "invalid credential", perr)
	}
}

// checkRateLimit consults the ratelimit subsystem if configured; a nil
// Limiter means rate limiting is disabled (e.g. in tests).
func (c *Core) checkRateLimit(ctx context.Context, kind Kind, sourceIP string) (bool, ratelimit.Result, error) {
	if c.limiter == nil {
		return true, ratelimit.Result{}, nil
	}
	res, err := c.limiter.Allow(ctx, ratelimit.ScopeIP, sourceIP)
	if err != nil {
		return true, ratelimit.Result{}, err
	}
	return res.Allowed, res, nil
}

// Refresh rotates a refresh token and issues a fresh access token, per
// spec.md §4.1's one-time-use rotation invariant.
func (c *Core) Refresh(ctx context.Context, refreshPlain string) (Result, error) {
	sess, newRefresh, err := c.sessions.Refresh(ctx, refreshPlain, c.cfg.RefreshTTL, c.cfg.IdleTimeout)
	if err != nil {
		switch {
		case err == session.ErrSessionCompromised:
			c.auditFailure("", "refresh", sarkerr.New(sarkerr.SessionCompromised, "refresh token reuse detected"))
			return Result{}, sarkerr.New(sarkerr.SessionCompromised, "refresh token reuse detected")
		case err == session.ErrSessionNotFound:
			c.auditFailure("", "refresh", sarkerr.New(sarkerr.TokenInvalid, "session not found"))
			return Result{}, sarkerr.New(sarkerr.TokenInvalid, "refresh token invalid or expired")
		default:
			wrapped := sarkerr.Wrap(sarkerr.UpstreamUnavailable, "refreshing session", err)
			c.auditFailure("", "refresh", wrapped)
			return Result{}, wrapped
		}
	}

	access, expiresAt, err := c.tokens.Issue(session.AccessClaims{
		PrincipalID: sess.PrincipalID,
		SessionID:   sess.SessionID,
	})
	if err != nil {
		wrapped := sarkerr.Wrap(sarkerr.UpstreamUnavailable, "issuing access token", err)
		c.auditFailure(sess.PrincipalID, "refresh", wrapped)
		return Result{}, wrapped
	}

	c.auditSuccess(sess.PrincipalID, "refresh")
	return Result{
		Principal:    Principal{PrincipalID: sess.PrincipalID},
		AccessToken:  access,
		ExpiresAt:    expiresAt,
		RefreshToken: newRefresh,
		SessionID:    sess.SessionID,
	}, nil
}

// Revoke ends a session immediately (idempotent).
func (c *Core) Revoke(ctx context.Context, sessionID string) error {
	if err := c.sessions.Revoke(ctx, sessionID); err != nil {
		return sarkerr.Wrap(sarkerr.UpstreamUnavailable, "revoking session", err)
	}
	c.emitter.Emit(withFields(audit.NewEvent(audit.KindSessionRevoked), "", "revoke", sessionID, "success"))
	return nil
}

// Introspect verifies the access token's signature and expiry statelessly,
// then makes one additional storage check against the session's revoked
// flag so a revoke takes effect immediately rather than waiting out the
// access token's own TTL. This is a deliberate deviation from spec.md
// §4.1's stateless-introspection invariant — see DESIGN.md.
func (c *Core) Introspect(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := c.tokens.Verify(accessToken)
	if err != nil {
		return Principal{}, sarkerr.Wrap(sarkerr.TokenInvalid, "invalid access token", err)
	}

	sess, err := c.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if err == session.ErrSessionNotFound {
			return Principal{}, sarkerr.New(sarkerr.TokenInvalid, "session no longer exists")
		}
		return Principal{}, sarkerr.Wrap(sarkerr.UpstreamUnavailable, "checking session", err)
	}
	if sess.Revoked {
		return Principal{}, sarkerr.New(sarkerr.TokenInvalid, "session has been revoked")
	}

	return Principal{
		PrincipalID: claims.PrincipalID,
		Roles:       claims.Roles,
		Teams:       claims.Teams,
	}, nil
}

func (c *Core) auditSuccess(principalID, action string) {
	c.emitter.Emit(withFields(audit.NewEvent(audit.KindAuthnSuccess), principalID, action, "", "success"))
}

func (c *Core) auditFailure(principalID, action string, err error) {
	ev := withFields(audit.NewEvent(audit.KindAuthnFailure), principalID, action, "", "failure")
	if code, ok := sarkerr.CodeOf(err); ok {
		ev.Attributes["error_code"] = string(code)
	}
	c.emitter.Emit(ev)
}

func withFields(ev audit.Event, principalID, action, resource, outcome string) audit.Event {
	ev.PrincipalID = principalID
	ev.Action = action
	ev.Resource = resource
	ev.Outcome = outcome
	return ev
}
