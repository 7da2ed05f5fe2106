package idtoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/relay-apps/authbridge/internal/log"
)

// errUnknownKey marks a token signed with a key id the provider no longer
// publishes. It is an invalid-token condition, not an outage.
var errUnknownKey = errors.New("key id not present in provider key set")

// DefaultKeySetTTL is how long a fetched key set is served from cache
const DefaultKeySetTTL = time.Hour

// jwksDocument is the provider's published key-set format
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keySetEntry struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// KeySetCache fetches and caches provider JWKS documents, keyed by endpoint
// URL. Entries are refetched lazily once expired. There is no fetch
// deduplication: concurrent refreshes of the same endpoint may both fetch,
// which is idempotent.
type KeySetCache struct {
	httpClient *http.Client
	ttl        time.Duration
	entries    sync.Map // map[string]*keySetEntry, keyed by JWKS URL
}

// NewKeySetCache creates a cache with the given entry TTL. A nil client uses
// a default with a 10-second timeout.
func NewKeySetCache(httpClient *http.Client, ttl time.Duration) *KeySetCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	return &KeySetCache{
		httpClient: httpClient,
		ttl:        ttl,
	}
}

// Key returns the RSA public key for kid as published at jwksURL. Fetch and
// parse failures are returned as errors so an unverifiable token is never
// mistaken for an invalid one.
func (c *KeySetCache) Key(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	if cached, ok := c.entries.Load(jwksURL); ok {
		entry := cached.(*keySetEntry)
		if time.Since(entry.fetchedAt) < c.ttl {
			if key, ok := entry.keys[kid]; ok {
				return key, nil
			}
			return nil, errUnknownKey
		}
	}

	entry, err := c.fetch(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	c.entries.Store(jwksURL, entry)

	if key, ok := entry.keys[kid]; ok {
		return key, nil
	}
	return nil, errUnknownKey
}

func (c *KeySetCache) fetch(ctx context.Context, jwksURL string) (*keySetEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build key set request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set from %s: %w", jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint %s returned status %d", jwksURL, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode key set from %s: %w", jwksURL, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := parseRSAKey(k)
		if err != nil {
			log.LogWarnWithFields("keyset", "Skipping unparsable key", map[string]any{
				"jwks_url": jwksURL,
				"kid":      k.Kid,
				"error":    err.Error(),
			})
			continue
		}
		keys[k.Kid] = key
	}

	log.LogDebugWithFields("keyset", "Fetched provider key set", map[string]any{
		"jwks_url": jwksURL,
		"keys":     len(keys),
	})

	return &keySetEntry{keys: keys, fetchedAt: time.Now()}, nil
}

// parseRSAKey builds an rsa.PublicKey from the base64url modulus and exponent
func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	if len(eBytes) == 0 || len(eBytes) > 8 {
		return nil, fmt.Errorf("exponent out of range")
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("exponent out of range")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
