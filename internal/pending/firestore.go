package pending

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/relay-apps/authbridge/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FirestoreStore implements Store
var _ Store = (*FirestoreStore)(nil)

// resultDoc is the Firestore document shape for a pending result
type resultDoc struct {
	RequestID    string `firestore:"request_id"`
	Status       string `firestore:"status"`
	Provider     string `firestore:"provider,omitempty"`
	CallbackPath string `firestore:"callback_path"`
	BridgeToken  string `firestore:"bridge_token,omitempty"`
	Message      string `firestore:"message,omitempty"`
	ExpiresAt    int64  `firestore:"expires_at"`
}

func (d *resultDoc) toResult() *Result {
	return &Result{
		RequestID:    d.RequestID,
		Status:       Status(d.Status),
		Provider:     d.Provider,
		CallbackPath: d.CallbackPath,
		BridgeToken:  d.BridgeToken,
		Message:      d.Message,
		ExpiresAt:    time.Unix(d.ExpiresAt, 0),
	}
}

// FirestoreStore is the durable pending-result backend.
//
// Consume is read-then-delete, not an atomic take: two concurrent consumes of
// the same id can in principle both read before either deletes. Ids are
// high-entropy and single-producer, so the race does not occur in steady-state
// operation; a multi-instance deployment wanting a hard guarantee should move
// the delete into a transaction.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
}

// NewFirestoreStore creates a durable store writing to the given collection
func NewFirestoreStore(client *firestore.Client, collection string, ttl time.Duration) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: collection,
		ttl:        ttl,
	}
}

// Save upserts the result document, opportunistically sweeping expired
// entries first. Sweep failures are logged, not propagated: retention
// hygiene must not block a handoff.
func (s *FirestoreStore) Save(ctx context.Context, result Result) error {
	if err := result.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = now.Add(s.ttl)
	}

	if _, err := s.SweepExpired(ctx); err != nil {
		log.LogWarnWithFields("pending", "Pre-write sweep failed", map[string]any{
			"error": err.Error(),
		})
	}

	doc := resultDoc{
		RequestID:    result.RequestID,
		Status:       string(result.Status),
		Provider:     result.Provider,
		CallbackPath: result.CallbackPath,
		BridgeToken:  result.BridgeToken,
		Message:      result.Message,
		ExpiresAt:    result.ExpiresAt.Unix(),
	}

	if _, err := s.client.Collection(s.collection).Doc(result.RequestID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store pending result: %w", err)
	}
	return nil
}

// Consume reads then deletes the result for requestID. A document past its
// expiry is deleted and treated as absent.
func (s *FirestoreStore) Consume(ctx context.Context, requestID string) (*Result, error) {
	ref := s.client.Collection(s.collection).Doc(requestID)

	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending result: %w", err)
	}

	var doc resultDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending result: %w", err)
	}

	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("failed to delete pending result: %w", err)
	}

	result := doc.toResult()
	if result.Expired(time.Now()) {
		return nil, nil
	}
	return result, nil
}

// SweepExpired deletes all documents past their expiry and returns the count
func (s *FirestoreStore) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", now).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired results: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit sweep batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final sweep batch: %w", err)
		}
	}

	return count, nil
}
