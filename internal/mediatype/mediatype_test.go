package mediatype

import "testing"

func TestIsVideo(t *testing.T) {
	cases := []struct {
		mime, filename string
		want           bool
	}{
		{"video/mp4", "a.mp4", true},
		{"video/x-matroska", "a.mkv", true},
		{"application/pdf", "doc.pdf", false},
		{"image/png", "pic.png", false},
		// Generic documents fall back to the extension.
		{"application/octet-stream", "movie.MKV", true},
		{"", "clip.webm", true},
		{"", "archive.zip", false},
		// An explicit non-video mime wins over a video extension.
		{"application/pdf", "weird.mp4", false},
	}
	for _, tc := range cases {
		if got := IsVideo(tc.mime, tc.filename); got != tc.want {
			t.Errorf("IsVideo(%q, %q) = %v, want %v", tc.mime, tc.filename, got, tc.want)
		}
	}
}

func TestOrDefault(t *testing.T) {
	if got := OrDefault(""); got != "application/octet-stream" {
		t.Errorf("OrDefault(\"\") = %s", got)
	}
	if got := OrDefault("video/mp4"); got != "video/mp4" {
		t.Errorf("OrDefault passthrough = %s", got)
	}
}
