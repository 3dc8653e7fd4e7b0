package types

import (
	"testing"
)

func TestEncodingContentType(t *testing.T) {
	tests := []struct {
		name string
		mime string
		want string
	}{
		{"with codecs", `video/mp4; codecs="avc1.640028, mp4a.40.2"`, "video/mp4"},
		{"bare", "video/webm", "video/webm"},
		{"audio", `audio/mp4; codecs="mp4a.40.2"`, "audio/mp4"},
		{"padded", "  video/mp4 ; codecs=...", "video/mp4"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Encoding{MimeType: tt.mime}
			if got := e.ContentType(); got != tt.want {
				t.Errorf("ContentType(%q) = %q, want %q", tt.mime, got, tt.want)
			}
		})
	}
}
