// Package handoff orchestrates the native sign-in lifecycle: start redirects
// into the provider, complete lands the provider's redirect and hands a bridge
// token to the app, pending lets polling clients collect that result, and
// exchange trades a provider identity token for a bridge token directly.
package handoff

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/relay-apps/authbridge/internal/bridgetoken"
	"github.com/relay-apps/authbridge/internal/crypto"
	"github.com/relay-apps/authbridge/internal/identity"
	"github.com/relay-apps/authbridge/internal/idtoken"
	"github.com/relay-apps/authbridge/internal/log"
	"github.com/relay-apps/authbridge/internal/pending"
	"github.com/relay-apps/authbridge/internal/provider"
)

// appRedirect is the fixed custom-scheme URL the native app registers for
// completion redirects. Both terminal shapes (success and error) land here.
const appRedirect = "app://auth"

// Machine-readable completion error codes
const (
	codeUnknownProvider = "unknown_provider"
	codeNoSession       = "no_session"
	codeMintFailed      = "mint_failed"
)

var (
	// ErrUnknownProvider is returned by Start for providers not in the registry
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidToken covers every token-attributable exchange failure. It is
	// deliberately generic so callers cannot probe which check rejected them.
	ErrInvalidToken = errors.New("invalid identity token")
)

// Orchestrator ties the codec, verifier, and stores into the handoff flow
type Orchestrator struct {
	registry     *provider.Registry
	introspector provider.SessionIntrospector
	codec        *bridgetoken.Codec
	verifier     *idtoken.Verifier
	pending      pending.Store
	identities   identity.Store
}

// New creates the orchestrator. A nil introspector means no provider
// integration is wired; completions then resolve to no_session.
func New(registry *provider.Registry, introspector provider.SessionIntrospector, codec *bridgetoken.Codec, verifier *idtoken.Verifier, pendingStore pending.Store, identities identity.Store) *Orchestrator {
	if introspector == nil {
		introspector = provider.NoSession{}
	}
	return &Orchestrator{
		registry:     registry,
		introspector: introspector,
		codec:        codec,
		verifier:     verifier,
		pending:      pendingStore,
		identities:   identities,
	}
}

// NormalizeCallbackPath reduces an untrusted callback value to a same-origin
// relative path. Anything absolute, protocol-relative, or scheme-carrying
// falls back to "/".
func NormalizeCallbackPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	if strings.ContainsAny(raw, "\\") || strings.Contains(raw, "://") {
		return "/"
	}
	return raw
}

// ValidRequestID reports whether id is a well-formed polling correlation id:
// a "req_" prefix followed by 16 to 64 URL-safe characters. Malformed ids are
// treated as absent rather than rejected, so a buggy client still completes
// the redirect flow.
func ValidRequestID(id string) bool {
	rest, ok := strings.CutPrefix(id, "req_")
	if !ok || len(rest) < 16 || len(rest) > 64 {
		return false
	}
	for _, c := range rest {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// StartInput carries the raw query parameters of a start request
type StartInput struct {
	Provider    string
	CallbackURL string
	RequestID   string
}

// Start validates the provider and redirects into its sign-in flow. The
// returned URL is the provider's authorization endpoint; its completion URL
// routes back through Complete with the same correlation parameters.
func (o *Orchestrator) Start(in StartInput) (string, error) {
	if !o.registry.Has(in.Provider) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, in.Provider)
	}

	callbackPath := NormalizeCallbackPath(in.CallbackURL)
	requestID := in.RequestID
	if !ValidRequestID(requestID) {
		requestID = ""
	}

	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return o.registry.SignInURL(in.Provider, callbackPath, requestID, state)
}

// CompleteInput carries the provider's redirect back into the bridge
type CompleteInput struct {
	Provider     string
	CallbackURL  string
	RequestID    string
	SessionToken string
}

// Complete finishes a provider sign-in. It never fails: every outcome is a
// redirect to the app's custom scheme with either a bridge token or a short
// error code, and a matching pending result when the client supplied a
// request id.
func (o *Orchestrator) Complete(ctx context.Context, in CompleteInput) string {
	callbackPath := NormalizeCallbackPath(in.CallbackURL)
	requestID := in.RequestID
	if !ValidRequestID(requestID) {
		requestID = ""
	}

	if !o.registry.Has(in.Provider) {
		return o.completeError(ctx, in.Provider, callbackPath, requestID, codeUnknownProvider)
	}

	session, err := o.introspector.Introspect(ctx, in.Provider, in.SessionToken)
	if err != nil || session == nil || !session.Authenticated {
		if err != nil {
			log.LogWarnWithFields("handoff", "Session introspection failed", map[string]any{
				"provider": in.Provider,
				"error":    err.Error(),
			})
		}
		return o.completeError(ctx, in.Provider, callbackPath, requestID, codeNoSession)
	}

	token, err := o.codec.Mint(bridgetoken.Fields{
		Subject:      stableSubject(session),
		DisplayName:  session.DisplayName,
		Email:        session.Email,
		Provider:     in.Provider,
		CallbackPath: callbackPath,
	})
	if err != nil {
		log.LogErrorWithFields("handoff", "Minting bridge token failed", map[string]any{
			"provider": in.Provider,
			"error":    err.Error(),
		})
		return o.completeError(ctx, in.Provider, callbackPath, requestID, codeMintFailed)
	}

	if requestID != "" {
		o.savePending(ctx, pending.Result{
			RequestID:    requestID,
			Status:       pending.StatusSuccess,
			Provider:     in.Provider,
			CallbackPath: callbackPath,
			BridgeToken:  token,
		})
	}

	q := url.Values{}
	q.Set("status", "success")
	q.Set("provider", in.Provider)
	q.Set("callbackUrl", callbackPath)
	q.Set("token", token)
	return appRedirect + "?" + q.Encode()
}

func (o *Orchestrator) completeError(ctx context.Context, providerName, callbackPath, requestID, code string) string {
	if requestID != "" {
		o.savePending(ctx, pending.Result{
			RequestID:    requestID,
			Status:       pending.StatusError,
			Provider:     providerName,
			CallbackPath: callbackPath,
			Message:      code,
		})
	}

	q := url.Values{}
	q.Set("status", "error")
	q.Set("provider", providerName)
	q.Set("callbackUrl", callbackPath)
	q.Set("message", code)
	return appRedirect + "?" + q.Encode()
}

// savePending persists a result for the polling client. Delivery through the
// store is best-effort here: the redirect already carries the outcome, so a
// failed save is logged rather than breaking the flow.
func (o *Orchestrator) savePending(ctx context.Context, result pending.Result) {
	if err := o.pending.Save(ctx, result); err != nil {
		log.LogWarnWithFields("handoff", "Saving pending result failed", map[string]any{
			"requestId": result.RequestID,
			"error":     err.Error(),
		})
	}
}

// PendingPoll consumes the result for requestID. A nil result with nil error
// means the handoff has not completed yet and the client should retry.
func (o *Orchestrator) PendingPoll(ctx context.Context, requestID string) (*pending.Result, error) {
	if !ValidRequestID(requestID) {
		return nil, nil
	}
	return o.pending.Consume(ctx, requestID)
}

// ExchangeInput is the parsed exchange request body
type ExchangeInput struct {
	IdentityToken string
	CallbackURL   string
	RequestID     string
	Name          string
	Email         string
}

// ExchangeResult is the synchronous success response of an exchange
type ExchangeResult struct {
	Provider     string
	CallbackPath string
	BridgeToken  string
}

// Exchange verifies a provider-issued identity token and trades it for a
// bridge token, upserting the application identity along the way. Failures
// attributable to the token return ErrInvalidToken; configuration and
// dependency faults propagate as distinct errors.
func (o *Orchestrator) Exchange(ctx context.Context, in ExchangeInput) (*ExchangeResult, error) {
	providerName, ok := o.matchProvider(in.IdentityToken)
	if !ok {
		return nil, ErrInvalidToken
	}

	params, err := o.registry.VerifyParams(providerName)
	if err != nil {
		return nil, ErrInvalidToken
	}

	assertion, err := o.verifier.Verify(ctx, in.IdentityToken, params)
	if err != nil {
		// Audience misconfiguration and key-set fetch failures are server
		// faults, not token rejections.
		return nil, err
	}
	if assertion == nil {
		return nil, ErrInvalidToken
	}

	email := assertion.Email
	if email == "" {
		email = in.Email
	}
	name := assertion.Name
	if name == "" {
		name = in.Name
	}

	if _, err := o.identities.Upsert(ctx, identity.Identity{
		Provider:    providerName,
		Subject:     assertion.Subject,
		Email:       email,
		DisplayName: name,
	}); err != nil {
		return nil, fmt.Errorf("upserting identity: %w", err)
	}

	callbackPath := NormalizeCallbackPath(in.CallbackURL)
	token, err := o.codec.Mint(bridgetoken.Fields{
		Subject:      assertion.Subject,
		DisplayName:  name,
		Email:        email,
		Provider:     providerName,
		CallbackPath: callbackPath,
	})
	if err != nil {
		return nil, fmt.Errorf("minting bridge token: %w", err)
	}

	if ValidRequestID(in.RequestID) {
		o.savePending(ctx, pending.Result{
			RequestID:    in.RequestID,
			Status:       pending.StatusSuccess,
			Provider:     providerName,
			CallbackPath: callbackPath,
			BridgeToken:  token,
		})
	}

	return &ExchangeResult{
		Provider:     providerName,
		CallbackPath: callbackPath,
		BridgeToken:  token,
	}, nil
}

// matchProvider resolves the issuing provider from the token's unverified
// issuer claim. The claim is only used for provider selection; the verifier
// re-checks it against the provider's configured issuer after signature
// verification.
func (o *Orchestrator) matchProvider(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	return o.registry.MatchIssuer(claims.Issuer)
}

// stableSubject picks the durable identifier for a session: the provider's
// subject when present, else an email-derived id, else a fresh random id.
func stableSubject(session *provider.Session) string {
	if session.Subject != "" {
		return session.Subject
	}
	if session.Email != "" {
		sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(session.Email))))
		return fmt.Sprintf("email:%x", sum)
	}
	return uuid.NewString()
}
