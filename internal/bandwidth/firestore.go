package bandwidth

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const usageCollection = "bandwidth_usage"

// usageDoc is the Firestore document for one month's usage.
// Collection: /bandwidth_usage/{YYYY-MM}
type usageDoc struct {
	TotalBytes int64     `firestore:"total_bytes"`
	UpdatedAt  time.Time `firestore:"updated_at"`
}

// FirestoreStore persists the bandwidth ledger in Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// Increment adds delta to the month's counter with a server-side atomic add,
// creating the document on first write.
func (s *FirestoreStore) Increment(ctx context.Context, month string, delta int64) error {
	_, err := s.client.Collection(usageCollection).Doc(month).Set(ctx, map[string]any{
		"total_bytes": firestore.Increment(delta),
		"updated_at":  firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("incrementing %s/%s: %w", usageCollection, month, err)
	}
	return nil
}

// Usage reads the month's counter; a missing document reads as zero.
func (s *FirestoreStore) Usage(ctx context.Context, month string) (int64, error) {
	snap, err := s.client.Collection(usageCollection).Doc(month).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s/%s: %w", usageCollection, month, err)
	}
	var doc usageDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, fmt.Errorf("decoding %s/%s: %w", usageCollection, month, err)
	}
	return doc.TotalBytes, nil
}

// Months lists the month keys present in the collection.
func (s *FirestoreStore) Months(ctx context.Context) ([]string, error) {
	var months []string
	iter := s.client.Collection(usageCollection).DocumentRefs(ctx)
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", usageCollection, err)
		}
		months = append(months, ref.ID)
	}
	return months, nil
}

// Delete removes the month's document.
func (s *FirestoreStore) Delete(ctx context.Context, month string) error {
	if _, err := s.client.Collection(usageCollection).Doc(month).Delete(ctx); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", usageCollection, month, err)
	}
	return nil
}
