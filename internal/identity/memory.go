package identity

import (
	"context"
	"sync"
	"time"
)

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps identities in a process-local map
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]*Identity
}

// NewMemoryStore creates an empty in-memory identity store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*Identity),
	}
}

// Upsert creates the identity on first sight and refreshes it afterwards
func (s *MemoryStore) Upsert(ctx context.Context, ident Identity) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := Key(ident.Provider, ident.Subject)

	existing, ok := s.identities[key]
	if !ok {
		created := ident
		created.ID = key
		created.FirstSeen = now
		created.LastSeen = now
		s.identities[key] = &created

		result := created
		return &result, nil
	}

	updated := *existing
	updated.LastSeen = now
	if ident.Email != "" {
		updated.Email = ident.Email
	}
	if ident.DisplayName != "" {
		updated.DisplayName = ident.DisplayName
	}
	s.identities[key] = &updated

	result := updated
	return &result, nil
}

// Len reports the number of stored identities
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}
