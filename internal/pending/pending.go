// Package pending correlates asynchronous redirect outcomes with clients that
// cannot receive the redirect directly. Each record is held under an opaque
// request id, consumed at most once, and swept after its TTL.
package pending

import (
	"context"
	"errors"
	"time"
)

// Status is the terminal outcome of a handoff
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is a stored handoff outcome. A success carries the signed bridge
// token as an opaque string; an error carries a machine-readable message.
type Result struct {
	RequestID    string    `json:"request_id"`
	Status       Status    `json:"status"`
	Provider     string    `json:"provider,omitempty"`
	CallbackPath string    `json:"callback_path"`
	BridgeToken  string    `json:"bridge_token,omitempty"`
	Message      string    `json:"message,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Validate enforces the shape invariants before a result is stored
func (r *Result) Validate() error {
	switch r.Status {
	case StatusSuccess:
		if r.BridgeToken == "" || r.Provider == "" {
			return errors.New("success result requires bridge token and provider")
		}
	case StatusError:
		if r.Message == "" {
			return errors.New("error result requires a message")
		}
	default:
		return errors.New("result status must be success or error")
	}
	return nil
}

// Expired reports whether the result is past its retention window
func (r *Result) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Store holds pending results keyed by request id.
//
// Save upserts; an existing result for the same id is replaced. Consume
// returns (nil, nil) when no unconsumed, unexpired result exists — the
// caller reads that as "still pending, retry". Consume deletes what it
// returns, so each result is delivered at most once.
type Store interface {
	Save(ctx context.Context, result Result) error
	Consume(ctx context.Context, requestID string) (*Result, error)
}
