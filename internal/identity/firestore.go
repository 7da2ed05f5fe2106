package identity

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FirestoreStore implements Store
var _ Store = (*FirestoreStore)(nil)

// identityDoc is the Firestore document shape for an identity
type identityDoc struct {
	ID          string    `firestore:"id"`
	Provider    string    `firestore:"provider"`
	Subject     string    `firestore:"subject"`
	Email       string    `firestore:"email,omitempty"`
	DisplayName string    `firestore:"display_name,omitempty"`
	FirstSeen   time.Time `firestore:"first_seen"`
	LastSeen    time.Time `firestore:"last_seen"`
}

// FirestoreStore persists identities in a Firestore collection, one document
// per external key. The document id is the key itself, so concurrent creates
// of the same identity converge on a single record.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a durable identity store
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}
}

// Upsert creates or refreshes the identity document
func (s *FirestoreStore) Upsert(ctx context.Context, ident Identity) (*Identity, error) {
	now := time.Now()
	key := Key(ident.Provider, ident.Subject)
	ref := s.client.Collection(s.collection).Doc(key)

	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) != codes.NotFound {
			return nil, fmt.Errorf("failed to read identity: %w", err)
		}

		doc := identityDoc{
			ID:          key,
			Provider:    ident.Provider,
			Subject:     ident.Subject,
			Email:       ident.Email,
			DisplayName: ident.DisplayName,
			FirstSeen:   now,
			LastSeen:    now,
		}
		if _, err := ref.Set(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to create identity: %w", err)
		}

		ident.ID = key
		ident.FirstSeen = now
		ident.LastSeen = now
		return &ident, nil
	}

	var doc identityDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	updates := []firestore.Update{
		{Path: "last_seen", Value: now},
	}
	if ident.Email != "" && ident.Email != doc.Email {
		updates = append(updates, firestore.Update{Path: "email", Value: ident.Email})
		doc.Email = ident.Email
	}
	if ident.DisplayName != "" && ident.DisplayName != doc.DisplayName {
		updates = append(updates, firestore.Update{Path: "display_name", Value: ident.DisplayName})
		doc.DisplayName = ident.DisplayName
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return nil, fmt.Errorf("failed to update identity: %w", err)
	}

	return &Identity{
		ID:          doc.ID,
		Provider:    doc.Provider,
		Subject:     doc.Subject,
		Email:       doc.Email,
		DisplayName: doc.DisplayName,
		FirstSeen:   doc.FirstSeen,
		LastSeen:    now,
	}, nil
}
