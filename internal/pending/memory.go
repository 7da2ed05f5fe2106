package pending

import (
	"context"
	"sync"
	"time"
)

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process pending-result table. Process-local: it does
// not survive restarts and does not scale horizontally, which is the accepted
// trade-off when the durable backend is unavailable.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]*Result
	ttl     time.Duration
}

// NewMemoryStore creates an in-memory store with the given retention TTL
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		results: make(map[string]*Result),
		ttl:     ttl,
	}
}

// Save upserts the result, stamping expiry when the caller left it unset.
// Entries already past expiry are swept before the write.
func (s *MemoryStore) Save(ctx context.Context, result Result) error {
	if err := result.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.results {
		if r.Expired(now) {
			delete(s.results, id)
		}
	}

	stored := result
	s.results[result.RequestID] = &stored
	return nil
}

// Consume returns and deletes the result for requestID. Expired entries are
// treated as absent even before a sweep has removed them.
func (s *MemoryStore) Consume(ctx context.Context, requestID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := s.results[requestID]
	if !ok {
		return nil, nil
	}
	delete(s.results, requestID)

	if result.Expired(time.Now()) {
		return nil, nil
	}
	return result, nil
}

// Len reports the number of stored entries, expired or not
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
