// Package idtoken verifies provider-issued signed identity assertions against
// the provider's published key set.
package idtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAudienceNotConfigured reports an empty allowed-audience set. This is a
// deployment defect, not a property of the presented token, and callers map
// it to a server-fault response rather than a rejection.
var ErrAudienceNotConfigured = errors.New("no allowed audiences configured for provider")

// errKeyLookup wraps key-set failures inside the jwt keyfunc so they can be
// separated from signature failures after parsing.
type errKeyLookup struct {
	err error
}

func (e *errKeyLookup) Error() string { return e.err.Error() }
func (e *errKeyLookup) Unwrap() error { return e.err }

// Assertion is the validated content of an identity token. Verified
// transiently; never stored.
type Assertion struct {
	Issuer    string
	Subject   string
	Audience  []string
	Email     string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Params describe how to verify a token for one provider
type Params struct {
	JWKSURL          string
	Issuer           string
	AllowedAudiences []string
}

// identityClaims extends the registered claims with the profile fields
// providers embed in identity tokens
type identityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// clockSkew tolerates drift between the provider's clock and ours
const clockSkew = 120 * time.Second

// Verifier validates RS256 identity tokens using an injected key-set cache.
// Safe for concurrent use.
type Verifier struct {
	keys   *KeySetCache
	parser *jwt.Parser
}

// NewVerifier creates a verifier backed by the given key-set cache
func NewVerifier(keys *KeySetCache) *Verifier {
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithLeeway(clockSkew),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks the identity token and returns its assertion, or (nil, nil)
// when the token is invalid for any reason the presenter could control.
// Errors are reserved for conditions on our side: an unresolvable key set or
// an empty allowed-audience set. An unverifiable token is never treated as
// valid.
func (v *Verifier) Verify(ctx context.Context, rawToken string, params Params) (*Assertion, error) {
	if len(params.AllowedAudiences) == 0 {
		return nil, ErrAudienceNotConfigured
	}

	if strings.Count(rawToken, ".") != 2 {
		return nil, nil
	}

	claims := &identityClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token header has no key id")
		}

		key, err := v.keys.Key(ctx, params.JWKSURL, kid)
		if err != nil {
			if errors.Is(err, errUnknownKey) {
				return nil, err
			}
			// Fetch failure: must surface, not collapse into "invalid token"
			return nil, &errKeyLookup{err: err}
		}
		return key, nil
	})
	if err != nil {
		var keyErr *errKeyLookup
		if errors.As(err, &keyErr) {
			return nil, fmt.Errorf("identity token key lookup: %w", keyErr.err)
		}
		return nil, nil
	}

	if claims.Issuer != params.Issuer {
		return nil, nil
	}
	if claims.Subject == "" {
		return nil, nil
	}
	if !audienceAllowed(claims.Audience, params.AllowedAudiences) {
		return nil, nil
	}

	assertion := &Assertion{
		Issuer:   claims.Issuer,
		Subject:  claims.Subject,
		Audience: claims.Audience,
		Email:    claims.Email,
		Name:     claims.Name,
	}
	if claims.IssuedAt != nil {
		assertion.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		assertion.ExpiresAt = claims.ExpiresAt.Time
	}
	return assertion, nil
}

// audienceAllowed requires a non-empty intersection between the token's
// audience values and the allowed set
func audienceAllowed(audience []string, allowed []string) bool {
	for _, aud := range audience {
		for _, a := range allowed {
			if aud == a {
				return true
			}
		}
	}
	return false
}
