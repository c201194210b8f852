package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithStreamID adds a stream-session id to the context.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, ContextKeyStreamID, streamID)
}

// WithClientID adds a bot-identity id to the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ContextKeyClientID, clientID)
}

// GenerateRequestID generates a new request id.
func GenerateRequestID() string {
	return uuid.New().String()
}
