// Package identity persists the application identities established through
// the handoff bridge, keyed by the external "provider:subject" pair.
package identity

import (
	"context"
	"time"
)

// Identity is an application identity derived from a verified provider
// assertion
type Identity struct {
	ID          string    `json:"id"` // "provider:subject"
	Provider    string    `json:"provider"`
	Subject     string    `json:"subject"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Key builds the external identity key
func Key(provider, subject string) string {
	return provider + ":" + subject
}

// Store upserts identities by external key. Upsert is idempotent: concurrent
// calls for the same provider identity converge on a single record. Write
// failures propagate; the bridge never mints a session credential for an
// identity it could not record.
type Store interface {
	Upsert(ctx context.Context, ident Identity) (*Identity, error)
}
