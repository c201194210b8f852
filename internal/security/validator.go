// Package security holds the request-admission pieces of the HTTP surface:
// Range validation, filename sanitizing, client-IP extraction, rate limiting
// and the CORS policy.
package security

import (
	"strconv"
	"strings"

	"github.com/filebeam/filebeam/internal/streamerr"
)

// ByteRange is the resolved byte interval of a response. Partial marks a 206.
type ByteRange struct {
	From    int64
	Until   int64
	Partial bool
}

// Length returns the number of body bytes.
func (r ByteRange) Length() int64 {
	return r.Until - r.From + 1
}

// ResolveRange turns a Range header into the byte interval to serve for a
// file of the given size. An empty header selects the whole file with a 200.
// A single satisfiable bytes range yields a 206 interval clamped to
// [0, size-1]. Multi-range, malformed, and out-of-bounds requests fail with
// KindRangeNotSatisfiable. A zero-size file satisfies only the absent-header
// case.
func ResolveRange(header string, size int64) (ByteRange, error) {
	if header == "" {
		// Size zero yields Until = -1, i.e. a zero-length 200 body.
		return ByteRange{From: 0, Until: size - 1}, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "unsupported range unit")
	}
	if strings.Contains(spec, ",") {
		return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "multi-range requests not supported")
	}
	spec = strings.TrimSpace(spec)

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "malformed range")
	}
	startPart, endPart := spec[:dash], spec[dash+1:]

	if startPart == "" {
		// Suffix form bytes=-s: the last s bytes of the file.
		suffix, err := strconv.ParseInt(endPart, 10, 64)
		if err != nil || suffix <= 0 {
			return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "malformed suffix range")
		}
		if size == 0 {
			return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "range on empty file")
		}
		from := size - suffix
		if from < 0 {
			from = 0
		}
		return ByteRange{From: from, Until: size - 1, Partial: true}, nil
	}

	from, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || from < 0 {
		return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "malformed range start")
	}
	if from >= size {
		return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "range start beyond end of file")
	}

	until := size - 1
	if endPart != "" {
		until, err = strconv.ParseInt(endPart, 10, 64)
		if err != nil || until < from {
			return ByteRange{}, streamerr.New(streamerr.KindRangeNotSatisfiable, "malformed range end")
		}
		if until > size-1 {
			until = size - 1
		}
	}
	return ByteRange{From: from, Until: until, Partial: true}, nil
}

// maxFilenameLen caps sanitized filenames, keeping headers bounded.
const maxFilenameLen = 255

// SanitizeFilename strips path separators and control characters so the name
// is safe inside a Content-Disposition header. Empty results fall back to
// "download".
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == '"':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			// drop control characters
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return "download"
	}
	if len(out) > maxFilenameLen {
		out = out[:maxFilenameLen]
	}
	return out
}

// ClientIP returns the originating client address: the first entry of
// X-Forwarded-For when present, else the transport remote address.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	// remoteAddr is host:port; keep the host.
	if i := strings.LastIndex(remoteAddr, ":"); i > 0 && !strings.Contains(remoteAddr[i:], "]") {
		return strings.Trim(remoteAddr[:i], "[]")
	}
	return remoteAddr
}
