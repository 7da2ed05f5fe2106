package pending

import (
	"context"
	"sync"

	"github.com/relay-apps/authbridge/internal/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FallbackStore implements Store
var _ Store = (*FallbackStore)(nil)

// FallbackStore tries the durable backend first and degrades to an in-process
// map when that backend is not provisioned. The degradation is logged once;
// clients never see it.
type FallbackStore struct {
	durable  Store
	memory   *MemoryStore
	warnOnce sync.Once
}

// NewFallbackStore wraps durable with the in-memory fallback. A nil durable
// store routes everything to memory.
func NewFallbackStore(durable Store, memory *MemoryStore) *FallbackStore {
	return &FallbackStore{
		durable: durable,
		memory:  memory,
	}
}

// notProvisioned classifies failures that mean the durable backend itself is
// missing, as opposed to a transient or data-level error
func notProvisioned(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.FailedPrecondition, codes.Unimplemented:
		return true
	default:
		return false
	}
}

func (s *FallbackStore) warnFallback(err error) {
	s.warnOnce.Do(func() {
		log.LogWarnWithFields("pending", "Durable pending store unavailable, using in-memory fallback", map[string]any{
			"error": err.Error(),
		})
	})
}

// Save writes durably when possible, falling back to memory on a
// not-provisioned failure class
func (s *FallbackStore) Save(ctx context.Context, result Result) error {
	if s.durable == nil {
		return s.memory.Save(ctx, result)
	}

	err := s.durable.Save(ctx, result)
	if err == nil {
		return nil
	}
	if !notProvisioned(err) {
		return err
	}

	s.warnFallback(err)
	return s.memory.Save(ctx, result)
}

// Consume checks the durable backend first, then the fallback map, so a
// result saved during a durable outage is still deliverable
func (s *FallbackStore) Consume(ctx context.Context, requestID string) (*Result, error) {
	if s.durable != nil {
		result, err := s.durable.Consume(ctx, requestID)
		if err == nil && result != nil {
			return result, nil
		}
		if err != nil {
			if !notProvisioned(err) {
				return nil, err
			}
			s.warnFallback(err)
		}
	}

	return s.memory.Consume(ctx, requestID)
}
