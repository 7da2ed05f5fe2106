// Package provider holds the configured authentication providers: their
// sign-in endpoints, verification parameters, and the session introspection
// boundary to the external provider integration.
package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/relay-apps/authbridge/internal/config"
	"github.com/relay-apps/authbridge/internal/idtoken"
	"golang.org/x/oauth2"
)

// Session is what the external provider integration established for the
// current request. Introspected transiently; never stored by the bridge.
type Session struct {
	Authenticated bool
	Subject       string
	Email         string
	DisplayName   string
}

// SessionIntrospector resolves the provider-established session for a
// completion request. The concrete integration lives outside the bridge.
type SessionIntrospector interface {
	Introspect(ctx context.Context, providerName string, sessionToken string) (*Session, error)
}

// NoSession is the introspector used when no provider integration is wired.
// Every completion resolves to "no session established".
type NoSession struct{}

// Introspect implements SessionIntrospector
func (NoSession) Introspect(ctx context.Context, providerName string, sessionToken string) (*Session, error) {
	return &Session{Authenticated: false}, nil
}

// Registry is the configured provider set
type Registry struct {
	baseURL   string
	providers map[string]*config.ProviderConfig
}

// NewRegistry builds the registry from configuration
func NewRegistry(baseURL string, providers map[string]*config.ProviderConfig) *Registry {
	return &Registry{
		baseURL:   baseURL,
		providers: providers,
	}
}

// Has reports whether name is a configured provider
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names returns the configured provider names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SignInURL builds the provider's authorization URL. The completion URL
// carries provider, callback path, and the optional request id so the
// provider's redirect lands back in the bridge with full correlation context.
func (r *Registry) SignInURL(name, callbackPath, requestID, state string) (string, error) {
	p, ok := r.providers[name]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", name)
	}

	completion, err := url.Parse(r.baseURL + "/auth/native/complete")
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	q := completion.Query()
	q.Set("provider", name)
	q.Set("callbackUrl", callbackPath)
	if requestID != "" {
		q.Set("requestId", requestID)
	}
	completion.RawQuery = q.Encode()

	oauthConfig := oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: completion.String(),
		Scopes:      p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}
	return oauthConfig.AuthCodeURL(state), nil
}

// VerifyParams returns the identity-token verification parameters for the
// named provider. The allowed-audience set is recomputed per call from
// configuration, so config reloads are picked up without registry rebuilds.
func (r *Registry) VerifyParams(name string) (idtoken.Params, error) {
	p, ok := r.providers[name]
	if !ok {
		return idtoken.Params{}, fmt.Errorf("unknown provider %q", name)
	}
	return idtoken.Params{
		JWKSURL:          p.JWKSURL,
		Issuer:           p.Issuer,
		AllowedAudiences: p.AllowedAudiences(),
	}, nil
}

// MatchIssuer finds the provider whose configured issuer matches. Used by
// the exchange path, where the caller presents a token rather than naming a
// provider.
func (r *Registry) MatchIssuer(issuer string) (string, bool) {
	for name, p := range r.providers {
		if p.Issuer == issuer {
			return name, true
		}
	}
	return "", false
}
