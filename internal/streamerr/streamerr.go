// Package streamerr defines the closed set of error kinds produced by the
// streaming core. Components return these; only the HTTP boundary maps them
// to status codes.
package streamerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the semantic error categories of the streaming core.
type Kind int

const (
	// KindInvalidReference means reference decoding failed. HTTP 404.
	KindInvalidReference Kind = iota
	// KindReferenceExpired means the link outlived the configured expiry. HTTP 410.
	KindReferenceExpired
	// KindReferenceNotFound means the underlying message is gone. HTTP 404.
	KindReferenceNotFound
	// KindUpstreamTransient is a retryable upstream failure. Retried
	// internally; surfaces as 503 on exhaustion.
	KindUpstreamTransient
	// KindUpstreamUnavailable means retries or identities are exhausted. HTTP 503.
	KindUpstreamUnavailable
	// KindRangeNotSatisfiable is a syntactically or semantically bad range. HTTP 416.
	KindRangeNotSatisfiable
	// KindBandwidthCeiling means the monthly bandwidth ceiling was hit. HTTP 503.
	KindBandwidthCeiling
	// KindRateLimited means the client exceeded the request rate. HTTP 429.
	KindRateLimited
	// KindNoClientAvailable means the dispatcher found no usable identity. HTTP 503.
	KindNoClientAvailable
	// KindClientCancelled means the consumer disconnected. Never user-visible.
	KindClientCancelled
	// KindShortChunk means the upstream returned a truncated non-final chunk.
	KindShortChunk
)

func (k Kind) String() string {
	switch k {
	case KindInvalidReference:
		return "invalid_reference"
	case KindReferenceExpired:
		return "reference_expired"
	case KindReferenceNotFound:
		return "reference_not_found"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindRangeNotSatisfiable:
		return "range_not_satisfiable"
	case KindBandwidthCeiling:
		return "bandwidth_ceiling_reached"
	case KindRateLimited:
		return "rate_limited"
	case KindNoClientAvailable:
		return "no_client_available"
	case KindClientCancelled:
		return "client_cancelled"
	case KindShortChunk:
		return "short_chunk"
	}
	return "unknown"
}

// Error carries a Kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality, so errors.Is(err, &Error{Kind: k}) works on
// wrapped chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, or ok=false when err is not a core error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a core error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
