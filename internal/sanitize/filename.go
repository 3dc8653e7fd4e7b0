// Package sanitize builds download attachment names that are safe
// across filesystems and in Content-Disposition headers.
package sanitize

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxBaseLength caps the filename base (without extension).
	MaxBaseLength = 120
	// DefaultExt is used when no extension is provided.
	DefaultExt = "mp4"
	// DefaultBase replaces an empty title.
	DefaultBase = "video"
)

// unsafeChars also covers the double quote, which would terminate a
// quoted Content-Disposition filename early.
var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// AttachmentName builds a safe filename from a video title and an
// extension (without dot).
func AttachmentName(title, ext string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = DefaultBase
	}
	base = strings.TrimSpace(unsafeChars.ReplaceAllString(base, "_"))
	if len(base) > MaxBaseLength {
		base = base[:MaxBaseLength]
	}
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = DefaultExt
	}
	return filepath.Clean(base + "." + ext)
}
