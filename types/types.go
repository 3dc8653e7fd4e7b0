package types

import "strings"

// Encoding describes one available media variant of a source video.
// A catalog is the full list returned by the provider for a single
// video and is immutable once fetched; Itag is unique within it.
type Encoding struct {
	Itag            int
	URL             string
	SignatureCipher string
	MimeType        string
	Container       string
	Quality         string
	Bitrate         int
	ContentLength   int64
	HasAudio        bool
	HasVideo        bool
}

// ContentType returns the HTTP content type for the encoding: the
// mimeType up to (not including) the first ';'.
func (e Encoding) ContentType() string {
	mime := strings.TrimSpace(e.MimeType)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

// Author describes the uploading channel.
type Author struct {
	Name            string `json:"name"`
	User            string `json:"user"`
	SubscriberCount int64  `json:"subscriberCount"`
	Thumbnail       string `json:"thumbnail"`
}

// VideoInfo describes video metadata together with its encoding catalog.
type VideoInfo struct {
	ID            string     `json:"videoId"`
	Title         string     `json:"title"`
	LengthSeconds int        `json:"lengthSeconds"`
	PublishDate   string     `json:"publishDate"`
	VideoURL      string     `json:"videoUrl"`
	ViewCount     int64      `json:"viewCount"`
	Thumbnail     string     `json:"thumbnail"`
	Author        Author     `json:"author"`
	Encodings     []Encoding `json:"-"`

	// PlayerJS is the player script URL scraped alongside the catalog,
	// needed later to resolve ciphered encoding URLs.
	PlayerJS string `json:"-"`
}
