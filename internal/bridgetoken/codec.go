// Package bridgetoken mints and verifies the short-lived signed credential
// that lets a mobile client claim a web-established identity without sharing
// the web session.
package bridgetoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/relay-apps/authbridge/internal/crypto"
)

// ErrNoSigningKey is returned when the codec was constructed without a key.
// Minting fails closed: no secret, no tokens.
var ErrNoSigningKey = errors.New("bridge token signing key is not configured")

// Version is pinned; tokens carrying any other version fail verification
const Version = 1

// Field limits applied during normalization
const (
	maxSubjectLen = 256
	maxNameLen    = 128
	maxEmailLen   = 256
)

// clockSkew tolerates clock drift between minting and verifying hosts
const clockSkew = 30 * time.Second

// timeNow is swapped in tests
var timeNow = time.Now

// Payload is the signed content of a bridge token
type Payload struct {
	Version      int    `json:"v"`
	Subject      string `json:"sub"`
	DisplayName  string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Provider     string `json:"provider"`
	CallbackPath string `json:"callback_path"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// Fields are the caller-supplied inputs to Mint
type Fields struct {
	Subject      string
	DisplayName  string
	Email        string
	Provider     string
	CallbackPath string
}

// Codec signs and verifies bridge tokens. Stateless; safe for concurrent use.
type Codec struct {
	signingKey []byte
	ttl        time.Duration
}

// New creates a codec with the given signing key and token lifetime
func New(signingKey []byte, ttl time.Duration) *Codec {
	return &Codec{
		signingKey: signingKey,
		ttl:        ttl,
	}
}

// Mint normalizes fields, stamps validity, and returns "payload.signature".
// The signature covers "v1." plus the payload so tokens cannot be replayed
// under a future format version.
func (c *Codec) Mint(fields Fields) (string, error) {
	if len(c.signingKey) == 0 {
		return "", ErrNoSigningKey
	}

	now := timeNow()
	payload := Payload{
		Version:      Version,
		Subject:      truncate(fields.Subject, maxSubjectLen),
		DisplayName:  truncate(fields.DisplayName, maxNameLen),
		Email:        truncate(strings.ToLower(fields.Email), maxEmailLen),
		Provider:     fields.Provider,
		CallbackPath: safePath(fields.CallbackPath),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(c.ttl).Unix(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(jsonData)
	signature := crypto.SignData(versionPrefix()+encoded, c.signingKey)
	return encoded + "." + signature, nil
}

// Verify checks the token and returns its payload, or nil on any failure.
// Callers must not learn which check failed; every malformed, forged, stale,
// or future token collapses to the same nil result.
func (c *Codec) Verify(token string) (*Payload, error) {
	if len(c.signingKey) == 0 {
		return nil, ErrNoSigningKey
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, nil
	}

	if !crypto.ValidateSignedData(versionPrefix()+parts[0], parts[1], c.signingKey) {
		return nil, nil
	}

	jsonData, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil
	}

	var payload Payload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, nil
	}

	if payload.Version != Version {
		return nil, nil
	}
	if payload.Subject == "" || payload.Provider == "" || payload.CallbackPath == "" {
		return nil, nil
	}

	now := timeNow()
	issuedAt := time.Unix(payload.IssuedAt, 0)
	expiresAt := time.Unix(payload.ExpiresAt, 0)

	if issuedAt.After(now.Add(clockSkew)) {
		return nil, nil
	}
	if !expiresAt.After(now.Add(-clockSkew)) {
		return nil, nil
	}
	if !expiresAt.After(issuedAt) {
		return nil, nil
	}

	return &payload, nil
}

func versionPrefix() string {
	return "v1."
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// safePath keeps callback paths same-origin relative. Anything that does not
// start with a single "/" falls back to the root path.
func safePath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return "/"
	}
	return p
}
