package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the durable backend for pending results and identities
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
)

// Duration wraps time.Duration with JSON string parsing ("90s", "10m")
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ProviderConfig holds per-provider settings for the sign-in redirect and
// identity-token verification.
type ProviderConfig struct {
	// ClientIDRaw resolves {"$env": "VAR"} references at load time
	ClientIDRaw json.RawMessage `json:"clientId"`

	// Issuer is the exact "iss" value the provider stamps into identity tokens
	Issuer string `json:"issuer"`

	// JWKSURL is the provider's published key-set endpoint
	JWKSURL string `json:"jwksUrl"`

	// AuthURL and TokenURL form the provider's OAuth endpoint pair
	AuthURL  string   `json:"authUrl"`
	TokenURL string   `json:"tokenUrl,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`

	// AudienceSuffixes are appended to the client id to form the accepted
	// native-app audience variants. Configuration data, not protocol logic.
	AudienceSuffixes []string `json:"audienceSuffixes,omitempty"`

	// Computed at load time
	ClientID string `json:"-"`
}

// AllowedAudiences returns the accepted audience values for this provider:
// the configured client id plus each suffix-derived native variant.
// Empty when no client id is configured.
func (p *ProviderConfig) AllowedAudiences() []string {
	if p.ClientID == "" {
		return nil
	}
	auds := make([]string, 0, len(p.AudienceSuffixes)+1)
	auds = append(auds, p.ClientID)
	for _, suffix := range p.AudienceSuffixes {
		auds = append(auds, p.ClientID+suffix)
	}
	return auds
}

// FirestoreConfig holds the durable-backend settings
type FirestoreConfig struct {
	ProjectID          string `json:"projectId"`
	Database           string `json:"database,omitempty"`
	PendingCollection  string `json:"pendingCollection,omitempty"`
	IdentityCollection string `json:"identityCollection,omitempty"`
}

// BridgeConfig is the top-level bridge configuration
type BridgeConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"baseURL"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// SigningSecretRaw resolves {"$env": "VAR"} references at load time
	SigningSecretRaw json.RawMessage `json:"signingSecret"`

	BridgeTokenTTL Duration `json:"bridgeTokenTtl,omitempty"`
	PendingTTL     Duration `json:"pendingTtl,omitempty"`
	SweepInterval  Duration `json:"sweepInterval,omitempty"`

	Storage   StorageKind      `json:"storage,omitempty"`
	Firestore *FirestoreConfig `json:"firestore,omitempty"`

	Providers map[string]*ProviderConfig `json:"providers"`

	// Computed at load time
	SigningSecret Secret `json:"-"`
}

// Config is the root configuration document
type Config struct {
	Version string        `json:"version,omitempty"`
	Bridge  *BridgeConfig `json:"bridge"`
}

// Defaults applied when the config omits optional values
const (
	DefaultAddr               = ":8080"
	DefaultBridgeTokenTTL     = 90 * time.Second
	DefaultPendingTTL         = 10 * time.Minute
	DefaultSweepInterval      = 5 * time.Minute
	DefaultPendingCollection  = "authbridge_pending"
	DefaultIdentityCollection = "authbridge_identities"
)
