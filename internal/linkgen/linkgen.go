// Package linkgen builds the public URLs handed back to the chat surface for
// a freshly shared file. It is pure: shortening is deferred to the caller via
// the threshold hook.
package linkgen

import (
	"fmt"
	"strings"

	"github.com/filebeam/filebeam/internal/mediatype"
	"github.com/filebeam/filebeam/internal/refcodec"
)

// PublicURLs is the set of links emitted for one shared file. StreamURL and
// PlayerURL are only set for media the in-browser player can handle.
type PublicURLs struct {
	DownloadURL string
	StreamURL   string
	PlayerURL   string
}

// Builder constructs public URLs relative to the deployment's base URL.
type Builder struct {
	baseURL          string
	videoFrontendURL string
	shortenThreshold int64
}

// NewBuilder creates a Builder. videoFrontendURL and shortenThreshold may be
// empty/zero to disable the player link and the shorten hint respectively.
func NewBuilder(baseURL, videoFrontendURL string, shortenThreshold int64) *Builder {
	return &Builder{
		baseURL:          strings.TrimRight(baseURL, "/"),
		videoFrontendURL: strings.TrimRight(videoFrontendURL, "/"),
		shortenThreshold: shortenThreshold,
	}
}

// Build returns the public URLs for a message id. The reference is encoded
// here so callers never see raw message ids in URLs.
func (b *Builder) Build(messageID int64, mimeType, filename string) PublicURLs {
	ref := refcodec.Encode(messageID)
	urls := PublicURLs{
		DownloadURL: fmt.Sprintf("%s/dl/%s", b.baseURL, ref),
	}
	if mediatype.IsVideo(mimeType, filename) {
		urls.StreamURL = fmt.Sprintf("%s/stream/%s", b.baseURL, ref)
		if b.videoFrontendURL != "" {
			urls.PlayerURL = fmt.Sprintf("%s/watch/%s", b.videoFrontendURL, ref)
		}
	}
	return urls
}

// ShouldShorten reports whether the caller should pass the URLs through the
// shortener before publishing, per the configured size threshold.
func (b *Builder) ShouldShorten(size int64) bool {
	return b.shortenThreshold > 0 && size > b.shortenThreshold
}
