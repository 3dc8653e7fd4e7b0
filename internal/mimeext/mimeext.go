// Package mimeext maps media MIME types to container names and file
// extensions.
package mimeext

import (
	"strings"
)

const (
	// DefaultContainer is used when the MIME type is unknown or empty.
	DefaultContainer = "mp4"

	// ContainerWebM is the WebM container name.
	ContainerWebM = "webm"

	// ExtM4A is the file extension for MP4 audio.
	ExtM4A = "m4a"

	// MimeVideoMP4 is the MIME type for MP4 video.
	MimeVideoMP4 = "video/mp4"
	// MimeAudioMP4 is the MIME type for MP4 audio.
	MimeAudioMP4 = "audio/mp4"
	// MimeVideoWebM is the MIME type for WebM video.
	MimeVideoWebM = "video/webm"
	// MimeAudioWebM is the MIME type for WebM audio.
	MimeAudioWebM = "audio/webm"
)

// base strips any ";codecs=..." suffix and surrounding space.
func base(mime string) string {
	mime = strings.TrimSpace(mime)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// Container returns the container name (mime subtype) for the given
// MIME type, falling back to mp4 when it cannot be derived.
func Container(mime string) string {
	b := base(mime)
	parts := strings.Split(b, "/")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return DefaultContainer
}

// ExtFromMime returns the file extension (without dot) for the given
// MIME type. MP4 audio maps to m4a; otherwise the container name is the
// extension.
func ExtFromMime(mime string) string {
	switch base(mime) {
	case MimeAudioMP4:
		return ExtM4A
	case "":
		return DefaultContainer
	}
	return Container(mime)
}

// StreamContentType returns the response content type for a merged
// stream in the given container: webm stays webm, everything else is
// served as video/mp4.
func StreamContentType(container string) string {
	if container == ContainerWebM {
		return MimeVideoWebM
	}
	return MimeVideoMP4
}
