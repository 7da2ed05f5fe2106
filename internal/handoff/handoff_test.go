package handoff

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relay-apps/authbridge/internal/bridgetoken"
	"github.com/relay-apps/authbridge/internal/config"
	"github.com/relay-apps/authbridge/internal/identity"
	"github.com/relay-apps/authbridge/internal/idtoken"
	"github.com/relay-apps/authbridge/internal/pending"
	"github.com/relay-apps/authbridge/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer    = "https://accounts.example.com"
	testClientID  = "com.example.app"
	testRequestID = "req_abc123def456ghi789"
	testKid       = "handoff-key-1"
)

type fakeIntrospector struct {
	session *provider.Session
	err     error
}

func (f *fakeIntrospector) Introspect(ctx context.Context, providerName string, sessionToken string) (*provider.Session, error) {
	return f.session, f.err
}

type jwksFixture struct {
	*httptest.Server
	key *rsa.PrivateKey
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &jwksFixture{key: key}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKid,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *jwksFixture) identityToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func identityClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   "apple-subject-1",
		"aud":   testClientID,
		"email": "user@example.com",
		"name":  "Test User",
		"iat":   now.Unix(),
		"exp":   now.Add(10 * time.Minute).Unix(),
	}
}

func testRegistry(jwksURL string) *provider.Registry {
	return provider.NewRegistry("https://bridge.example.com", map[string]*config.ProviderConfig{
		"apple": {
			ClientID:         testClientID,
			Issuer:           testIssuer,
			JWKSURL:          jwksURL,
			AuthURL:          "https://appleid.apple.com/auth/authorize",
			TokenURL:         "https://appleid.apple.com/auth/token",
			Scopes:           []string{"name", "email"},
			AudienceSuffixes: []string{".native"},
		},
	})
}

type fixture struct {
	orchestrator *Orchestrator
	introspector *fakeIntrospector
	codec        *bridgetoken.Codec
	pending      *pending.MemoryStore
	identities   *identity.MemoryStore
}

func newFixture(t *testing.T, jwksURL string) *fixture {
	t.Helper()
	f := &fixture{
		introspector: &fakeIntrospector{},
		codec:        bridgetoken.New([]byte("0123456789abcdef0123456789abcdef"), 90*time.Second),
		pending:      pending.NewMemoryStore(10 * time.Minute),
		identities:   identity.NewMemoryStore(),
	}
	verifier := idtoken.NewVerifier(idtoken.NewKeySetCache(nil, time.Hour))
	f.orchestrator = New(testRegistry(jwksURL), f.introspector, f.codec, verifier, f.pending, f.identities)
	return f
}

func TestNormalizeCallbackPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "/"},
		{"root", "/", "/"},
		{"relative path", "/inbox", "/inbox"},
		{"nested path with query", "/settings/profile?tab=2", "/settings/profile?tab=2"},
		{"absolute http", "http://evil.example/x", "/"},
		{"absolute https", "https://evil.example/x", "/"},
		{"protocol relative", "//evil.example", "/"},
		{"no leading slash", "inbox", "/"},
		{"backslash", "/a\\b", "/"},
		{"embedded scheme", "/redirect?to=javascript://x", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCallbackPath(tt.in))
		})
	}
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, ValidRequestID(testRequestID))
	assert.True(t, ValidRequestID("req_"+strings.Repeat("a", 16)))
	assert.True(t, ValidRequestID("req_"+strings.Repeat("a", 64)))
	assert.True(t, ValidRequestID("req_AB-12_cd34EF56gh"))

	assert.False(t, ValidRequestID(""))
	assert.False(t, ValidRequestID("abc123def456ghi789"))
	assert.False(t, ValidRequestID("req_short"))
	assert.False(t, ValidRequestID("req_"+strings.Repeat("a", 65)))
	assert.False(t, ValidRequestID("req_abc123def456ghi!89"))
	assert.False(t, ValidRequestID("req_abc 123def456ghi789"))
}

func TestStartRedirectsIntoProvider(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")

	redirect, err := f.orchestrator.Start(StartInput{
		Provider:    "apple",
		CallbackURL: "/inbox",
		RequestID:   testRequestID,
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "appleid.apple.com", u.Host)
	assert.Equal(t, testClientID, u.Query().Get("client_id"))
	assert.NotEmpty(t, u.Query().Get("state"))

	completion, err := url.Parse(u.Query().Get("redirect_uri"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/native/complete", completion.Path)
	assert.Equal(t, "apple", completion.Query().Get("provider"))
	assert.Equal(t, "/inbox", completion.Query().Get("callbackUrl"))
	assert.Equal(t, testRequestID, completion.Query().Get("requestId"))
}

func TestStartUnknownProvider(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")

	_, err := f.orchestrator.Start(StartInput{Provider: "github"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestStartSanitizesCallbackAndRequestID(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")

	redirect, err := f.orchestrator.Start(StartInput{
		Provider:    "apple",
		CallbackURL: "http://evil.example/x",
		RequestID:   "not-a-request-id",
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	completion, err := url.Parse(u.Query().Get("redirect_uri"))
	require.NoError(t, err)
	assert.Equal(t, "/", completion.Query().Get("callbackUrl"))
	assert.False(t, completion.Query().Has("requestId"))
}

func completeQuery(t *testing.T, redirect string) url.Values {
	t.Helper()
	require.True(t, strings.HasPrefix(redirect, "app://auth?"), "redirect %q must use the app scheme", redirect)
	q, err := url.ParseQuery(strings.TrimPrefix(redirect, "app://auth?"))
	require.NoError(t, err)
	return q
}

func TestCompleteSuccess(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	f.introspector.session = &provider.Session{
		Authenticated: true,
		Subject:       "apple-subject-1",
		Email:         "User@Example.com",
		DisplayName:   "Test User",
	}

	redirect := f.orchestrator.Complete(context.Background(), CompleteInput{
		Provider:    "apple",
		CallbackURL: "/inbox",
		RequestID:   testRequestID,
	})

	q := completeQuery(t, redirect)
	assert.Equal(t, "success", q.Get("status"))
	assert.Equal(t, "apple", q.Get("provider"))
	assert.Equal(t, "/inbox", q.Get("callbackUrl"))

	payload, err := f.codec.Verify(q.Get("token"))
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "apple-subject-1", payload.Subject)
	assert.Equal(t, "user@example.com", payload.Email)
	assert.Equal(t, "apple", payload.Provider)
	assert.Equal(t, "/inbox", payload.CallbackPath)

	stored, err := f.pending.Consume(context.Background(), testRequestID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pending.StatusSuccess, stored.Status)
	assert.Equal(t, q.Get("token"), stored.BridgeToken)
}

func TestCompleteWithoutRequestIDStillRedirects(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	f.introspector.session = &provider.Session{Authenticated: true, Subject: "s1"}

	redirect := f.orchestrator.Complete(context.Background(), CompleteInput{
		Provider:    "apple",
		CallbackURL: "/inbox",
	})

	q := completeQuery(t, redirect)
	assert.Equal(t, "success", q.Get("status"))
	assert.Equal(t, 0, f.pending.Len())
}

func TestCompleteNoSession(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	f.introspector.session = &provider.Session{Authenticated: false}

	redirect := f.orchestrator.Complete(context.Background(), CompleteInput{
		Provider:    "apple",
		CallbackURL: "/inbox",
		RequestID:   testRequestID,
	})

	q := completeQuery(t, redirect)
	assert.Equal(t, "error", q.Get("status"))
	assert.Equal(t, "no_session", q.Get("message"))
	assert.False(t, q.Has("token"))

	stored, err := f.pending.Consume(context.Background(), testRequestID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pending.StatusError, stored.Status)
	assert.Equal(t, "no_session", stored.Message)
}

func TestCompleteIntrospectionError(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	f.introspector.err = errors.New("provider unreachable")

	redirect := f.orchestrator.Complete(context.Background(), CompleteInput{
		Provider:    "apple",
		CallbackURL: "/inbox",
	})

	q := completeQuery(t, redirect)
	assert.Equal(t, "error", q.Get("status"))
	assert.Equal(t, "no_session", q.Get("message"))
}

func TestCompleteUnknownProvider(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")

	redirect := f.orchestrator.Complete(context.Background(), CompleteInput{
		Provider:    "github",
		CallbackURL: "/inbox",
	})

	q := completeQuery(t, redirect)
	assert.Equal(t, "error", q.Get("status"))
	assert.Equal(t, "unknown_provider", q.Get("message"))
}

func TestCompleteMintFailure(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	f.introspector.session = &provider.Session{Authenticated: true, Subject: "s1"}
	broken := New(testRegistry("http://unused.invalid"), f.introspector, bridgetoken.New(nil, 90*time.Second), nil, f.pending, f.identities)

	redirect := broken.Complete(context.Background(), CompleteInput{
		Provider:    "apple",
		CallbackURL: "/inbox",
	})

	q := completeQuery(t, redirect)
	assert.Equal(t, "error", q.Get("status"))
	assert.Equal(t, "mint_failed", q.Get("message"))
}

func TestCompleteSubjectDerivation(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")

	subjectOf := func(session *provider.Session) string {
		f.introspector.session = session
		redirect := f.orchestrator.Complete(context.Background(), CompleteInput{
			Provider:    "apple",
			CallbackURL: "/",
		})
		q := completeQuery(t, redirect)
		payload, err := f.codec.Verify(q.Get("token"))
		require.NoError(t, err)
		require.NotNil(t, payload)
		return payload.Subject
	}

	assert.Equal(t, "provider-sub", subjectOf(&provider.Session{Authenticated: true, Subject: "provider-sub", Email: "a@b.c"}))

	// No provider subject: derived deterministically from the email
	first := subjectOf(&provider.Session{Authenticated: true, Email: "User@Example.com"})
	second := subjectOf(&provider.Session{Authenticated: true, Email: "user@example.com"})
	assert.True(t, strings.HasPrefix(first, "email:"))
	assert.Equal(t, first, second)

	// Neither subject nor email: fresh ids every time
	anonA := subjectOf(&provider.Session{Authenticated: true})
	anonB := subjectOf(&provider.Session{Authenticated: true})
	assert.NotEmpty(t, anonA)
	assert.NotEqual(t, anonA, anonB)
}

func TestPendingPoll(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	ctx := context.Background()

	result, err := f.orchestrator.PendingPoll(ctx, testRequestID)
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = f.orchestrator.PendingPoll(ctx, "malformed-id")
	require.NoError(t, err)
	assert.Nil(t, result)

	require.NoError(t, f.pending.Save(ctx, pending.Result{
		RequestID:    testRequestID,
		Status:       pending.StatusSuccess,
		Provider:     "apple",
		CallbackPath: "/inbox",
		BridgeToken:  "token-1",
	}))

	result, err = f.orchestrator.PendingPoll(ctx, testRequestID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "token-1", result.BridgeToken)

	result, err = f.orchestrator.PendingPoll(ctx, testRequestID)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestExchangeSuccess(t *testing.T) {
	jwks := newJWKSFixture(t)
	f := newFixture(t, jwks.URL)
	ctx := context.Background()

	result, err := f.orchestrator.Exchange(ctx, ExchangeInput{
		IdentityToken: jwks.identityToken(t, identityClaims()),
		CallbackURL:   "/inbox",
		RequestID:     testRequestID,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "apple", result.Provider)
	assert.Equal(t, "/inbox", result.CallbackPath)

	payload, err := f.codec.Verify(result.BridgeToken)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "apple-subject-1", payload.Subject)
	assert.Equal(t, "user@example.com", payload.Email)

	assert.Equal(t, 1, f.identities.Len())

	stored, err := f.pending.Consume(ctx, testRequestID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, result.BridgeToken, stored.BridgeToken)
}

func TestExchangeFallsBackToBodyProfile(t *testing.T) {
	jwks := newJWKSFixture(t)
	f := newFixture(t, jwks.URL)

	claims := identityClaims()
	delete(claims, "email")
	delete(claims, "name")

	result, err := f.orchestrator.Exchange(context.Background(), ExchangeInput{
		IdentityToken: jwks.identityToken(t, claims),
		Email:         "Fallback@Example.com",
		Name:          "Fallback User",
	})
	require.NoError(t, err)

	payload, err := f.codec.Verify(result.BridgeToken)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "fallback@example.com", payload.Email)
	assert.Equal(t, "Fallback User", payload.DisplayName)
}

func TestExchangeInvalidTokens(t *testing.T) {
	jwks := newJWKSFixture(t)
	f := newFixture(t, jwks.URL)
	ctx := context.Background()

	wrongAudience := identityClaims()
	wrongAudience["aud"] = "com.other.app"

	unknownIssuer := identityClaims()
	unknownIssuer["iss"] = "https://accounts.elsewhere.com"

	expired := identityClaims()
	expired["iat"] = time.Now().Add(-time.Hour).Unix()
	expired["exp"] = time.Now().Add(-30 * time.Minute).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"two segments", "aaaa.bbbb"},
		{"wrong audience", jwks.identityToken(t, wrongAudience)},
		{"unknown issuer", jwks.identityToken(t, unknownIssuer)},
		{"expired", jwks.identityToken(t, expired)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.orchestrator.Exchange(ctx, ExchangeInput{IdentityToken: tt.token})
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Nil(t, result)
			assert.Equal(t, 0, f.identities.Len())
		})
	}
}

func TestExchangeAudienceNotConfigured(t *testing.T) {
	jwks := newJWKSFixture(t)
	registry := provider.NewRegistry("https://bridge.example.com", map[string]*config.ProviderConfig{
		"apple": {
			Issuer:  testIssuer,
			JWKSURL: jwks.URL,
			AuthURL: "https://appleid.apple.com/auth/authorize",
		},
	})
	verifier := idtoken.NewVerifier(idtoken.NewKeySetCache(nil, time.Hour))
	codec := bridgetoken.New([]byte("0123456789abcdef0123456789abcdef"), 90*time.Second)
	o := New(registry, nil, codec, verifier, pending.NewMemoryStore(10*time.Minute), identity.NewMemoryStore())

	_, err := o.Exchange(context.Background(), ExchangeInput{
		IdentityToken: jwks.identityToken(t, identityClaims()),
	})
	assert.ErrorIs(t, err, idtoken.ErrAudienceNotConfigured)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestExchangeKeySetFetchFailurePropagates(t *testing.T) {
	jwks := newJWKSFixture(t)
	token := jwks.identityToken(t, identityClaims())
	url := jwks.URL
	jwks.Close()

	f := newFixture(t, url)
	result, err := f.orchestrator.Exchange(context.Background(), ExchangeInput{IdentityToken: token})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, result)
}

func TestExchangeConcurrentSameIdentity(t *testing.T) {
	jwks := newJWKSFixture(t)
	f := newFixture(t, jwks.URL)
	token := jwks.identityToken(t, identityClaims())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orchestrator.Exchange(context.Background(), ExchangeInput{IdentityToken: token})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.identities.Len())
}
