// Package users reads the user collection maintained by the chat-facing
// command surface. The streaming core only counts it for the info endpoint.
package users

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
)

const usersCollection = "users"

// FirestoreCounter counts registered users with a server-side aggregation,
// never paging documents through the client.
type FirestoreCounter struct {
	client *firestore.Client
}

// NewFirestoreCounter wraps an existing Firestore client.
func NewFirestoreCounter(client *firestore.Client) *FirestoreCounter {
	return &FirestoreCounter{client: client}
}

// TotalUsers returns the number of documents in the users collection.
func (c *FirestoreCounter) TotalUsers(ctx context.Context) (int64, error) {
	agg := c.client.Collection(usersCollection).NewAggregationQuery().WithCount("total")
	results, err := agg.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", usersCollection, err)
	}

	raw, ok := results["total"]
	if !ok {
		return 0, fmt.Errorf("counting %s: aggregation result missing", usersCollection)
	}
	value, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("counting %s: unexpected aggregation type %T", usersCollection, raw)
	}
	return value.GetIntegerValue(), nil
}
