// Package locator defines the file locator — the tuple of identifiers needed
// to read a file's raw bytes from the platform's media servers — and a
// per-identity LRU cache of resolved locators.
package locator

import "time"

// FileLocator identifies one file on the platform. Immutable for a given
// message id over the life of the file. Access hashes are scoped to the bot
// identity that resolved them, so locators must never be shared across
// identities.
type FileLocator struct {
	DCID       int
	VolumeID   int64
	LocalID    int64
	AccessHash int64

	Size     int64
	MimeType string
	Filename string

	// SentAt is the timestamp of the message carrying the file, used by the
	// link-expiry gate.
	SentAt time.Time
}
