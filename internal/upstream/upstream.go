// Package upstream owns the interfaces through which the streaming core talks
// to the messaging platform's media servers, and a pool of long-lived
// per-(identity, data-center) sessions. The core never names the platform
// library; production wiring adapts it behind these interfaces and tests use
// deterministic fakes.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/filebeam/filebeam/internal/locator"
)

// BotInfo describes the bot account behind a client.
type BotInfo struct {
	ID        int64
	Username  string
	FirstName string
}

// Mention returns the @-mention form of the bot.
func (b BotInfo) Mention() string {
	return "@" + b.Username
}

// Session is a long-lived authenticated channel to one data-center, used to
// read platform-aligned chunks.
type Session interface {
	// FetchChunk reads up to limit bytes of the file at offset. offset and
	// limit must be aligned to a platform-accepted chunk size. A returned
	// slice shorter than limit means the file ended inside this chunk.
	FetchChunk(ctx context.Context, loc locator.FileLocator, offset, limit int64) ([]byte, error)
	Close() error
}

// Client is one bot identity's connection to the platform. It resolves file
// metadata through its home data-center and dials media sessions to others.
type Client interface {
	// ID is the stable identity id (first in config wins dispatcher ties).
	ID() string
	// Me describes the bot account. Valid once the client is ready.
	Me() BotInfo
	// Ready reports whether the primary session is usable.
	Ready() bool
	// ResolveFile fetches the locator for a message id.
	ResolveFile(ctx context.Context, messageID int64) (locator.FileLocator, error)
	// DialMediaSession opens a session against the given data-center,
	// authenticated with credentials exported from the primary session.
	DialMediaSession(ctx context.Context, dcID int) (Session, error)
	Close() error
}

// AuthMigrationError is returned by FetchChunk when the platform signals that
// the file lives in a different data-center. NewDC carries the target.
type AuthMigrationError struct {
	NewDC int
	Err   error
}

func (e *AuthMigrationError) Error() string {
	return fmt.Sprintf("upstream: auth migration to dc %d: %v", e.NewDC, e.Err)
}

func (e *AuthMigrationError) Unwrap() error { return e.Err }

// AsAuthMigration extracts the target data-center from an auth-migration
// error chain.
func AsAuthMigration(err error) (newDC int, ok bool) {
	var mig *AuthMigrationError
	if errors.As(err, &mig) {
		return mig.NewDC, true
	}
	return 0, false
}

// TransientError marks a retryable upstream failure (network blip, flood
// wait, momentary unavailability).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr)
}

// ErrNotFound is returned by ResolveFile when the message is gone or carries
// no media.
var ErrNotFound = errors.New("upstream: file not found")
