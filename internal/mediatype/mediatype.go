// Package mediatype classifies shared files by their mime type and extension.
package mediatype

import (
	"path/filepath"
	"strings"
)

// videoExtensions covers containers browsers and the player front-end handle.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".webm": true,
	".mov":  true,
	".avi":  true,
	".m4v":  true,
	".ts":   true,
	".3gp":  true,
}

// IsVideo reports whether the file should get stream and player links. The
// mime type wins when present; the extension is the fallback for uploads the
// platform stored as generic documents.
func IsVideo(mimeType, filename string) bool {
	if strings.HasPrefix(mimeType, "video/") {
		return true
	}
	if mimeType != "" && mimeType != "application/octet-stream" {
		return false
	}
	return videoExtensions[strings.ToLower(filepath.Ext(filename))]
}

// OrDefault returns mimeType, or the octet-stream fallback when empty.
func OrDefault(mimeType string) string {
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}
