package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// envRef is the explicit JSON syntax for environment variable references.
// {"$env": "VAR_NAME"} was chosen over bash-like $VAR substitution so that
// config files manipulated in shell contexts cannot be expanded accidentally.
type envRef struct {
	Env string `json:"$env"`
}

// resolveString resolves a raw JSON value that is either a plain string or an
// {"$env": "VAR"} reference. An unset referenced variable is an error.
func resolveString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var ref envRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.Env == "" {
		return "", fmt.Errorf("expected string or {\"$env\": ...}, got %s", string(raw))
	}

	value, ok := os.LookupEnv(ref.Env)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref.Env)
	}
	return value, nil
}

// Load reads, resolves, and validates the config file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Bridge == nil {
		return nil, fmt.Errorf("config is missing the bridge section")
	}

	if err := resolveBridge(cfg.Bridge); err != nil {
		return nil, err
	}
	applyDefaults(cfg.Bridge)

	result := validate(cfg.Bridge)
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("invalid config: %s", result.Errors[0])
	}

	return &cfg, nil
}

// resolveBridge resolves env references into the computed fields
func resolveBridge(b *BridgeConfig) error {
	secret, err := resolveString(b.SigningSecretRaw)
	if err != nil {
		return fmt.Errorf("bridge.signingSecret: %w", err)
	}
	b.SigningSecret = Secret(secret)

	for name, p := range b.Providers {
		clientID, err := resolveString(p.ClientIDRaw)
		if err != nil {
			return fmt.Errorf("bridge.providers.%s.clientId: %w", name, err)
		}
		p.ClientID = clientID
	}
	return nil
}

func applyDefaults(b *BridgeConfig) {
	if b.Addr == "" {
		b.Addr = DefaultAddr
	}
	if b.BridgeTokenTTL == 0 {
		b.BridgeTokenTTL = Duration(DefaultBridgeTokenTTL)
	}
	if b.PendingTTL == 0 {
		b.PendingTTL = Duration(DefaultPendingTTL)
	}
	if b.SweepInterval == 0 {
		b.SweepInterval = Duration(DefaultSweepInterval)
	}
	if b.Storage == "" {
		b.Storage = StorageKindMemory
	}
	if b.Firestore != nil {
		if b.Firestore.PendingCollection == "" {
			b.Firestore.PendingCollection = DefaultPendingCollection
		}
		if b.Firestore.IdentityCollection == "" {
			b.Firestore.IdentityCollection = DefaultIdentityCollection
		}
	}
}

// ValidationResult collects config problems for the -validate subcommand
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func validate(b *BridgeConfig) *ValidationResult {
	result := &ValidationResult{}

	if b.BaseURL == "" {
		result.Errors = append(result.Errors, "bridge.baseURL is required")
	} else if u, err := url.Parse(b.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		result.Errors = append(result.Errors, "bridge.baseURL must be an absolute URL")
	}

	if b.SigningSecret == "" {
		result.Errors = append(result.Errors, "bridge.signingSecret is required")
	} else if len(b.SigningSecret) < 32 {
		result.Warnings = append(result.Warnings, "bridge.signingSecret is shorter than 32 bytes")
	}

	if len(b.Providers) == 0 {
		result.Errors = append(result.Errors, "bridge.providers must name at least one provider")
	}
	for name, p := range b.Providers {
		if p.ClientID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("bridge.providers.%s.clientId is required", name))
		}
		if p.Issuer == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("bridge.providers.%s.issuer is required", name))
		}
		if p.JWKSURL == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("bridge.providers.%s.jwksUrl is required", name))
		}
		if p.AuthURL == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("bridge.providers.%s.authUrl is required", name))
		}
		for _, suffix := range p.AudienceSuffixes {
			if !strings.HasPrefix(suffix, ".") {
				result.Warnings = append(result.Warnings, fmt.Sprintf("bridge.providers.%s audience suffix %q does not start with '.'", name, suffix))
			}
		}
	}

	if b.Storage == StorageKindFirestore && (b.Firestore == nil || b.Firestore.ProjectID == "") {
		result.Errors = append(result.Errors, "bridge.firestore.projectId is required when storage is firestore")
	}
	if b.Storage != StorageKindMemory && b.Storage != StorageKindFirestore {
		result.Errors = append(result.Errors, fmt.Sprintf("bridge.storage must be memory or firestore, got %q", b.Storage))
	}

	return result
}

// ValidateFile loads the file and reports problems without requiring the
// referenced environment variables to be resolvable.
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Bridge == nil {
		return &ValidationResult{Errors: []string{"config is missing the bridge section"}}, nil
	}

	// Resolution failures become warnings here: a config file is typically
	// validated outside the environment that deploys it.
	result := &ValidationResult{}
	if err := resolveBridge(cfg.Bridge); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
	}
	applyDefaults(cfg.Bridge)

	checked := validate(cfg.Bridge)
	result.Errors = append(result.Errors, checked.Errors...)
	result.Warnings = append(result.Warnings, checked.Warnings...)
	return result, nil
}
