// Package identity implements the provider adapters of spec.md §4.2:
// directory bind, OIDC, and SAML assertion verification, each surfacing a
// uniform ProviderError. Providers are stateless; configuration is
// injected at construction, per the design-notes guidance against
// process-wide globals.
package identity

import "fmt"

// ProviderErrorKind is the uniform sub-kind every provider surfaces.
type ProviderErrorKind string

const (
	CredentialInvalid   ProviderErrorKind = "credential_invalid"
	AssertionExpired    ProviderErrorKind = "assertion_expired"
	AssertionInvalid    ProviderErrorKind = "assertion_invalid"
	UpstreamUnreachable ProviderErrorKind = "upstream_unreachable"
	ConfigurationError  ProviderErrorKind = "configuration_error"
)

// ProviderError is returned by every identity provider's Verify method.
type ProviderError struct {
	Kind    ProviderErrorKind
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PrincipalAttributes is what a successful Verify call produces; it is
// folded into a Principal by the authentication core (C10).
type PrincipalAttributes struct {
	PrincipalID string
	DisplayName string
	Email       string
	Roles       []string
	Teams       []string
	Attributes  map[string]string
}
