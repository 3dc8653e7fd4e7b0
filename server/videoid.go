package server

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ParseVideoID extracts the 11-character video id from a watch URL, a
// short link, a shorts/embed path, or accepts a bare id as-is.
func ParseVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDRe.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse video url: %w", err)
	}

	if v := u.Query().Get("v"); videoIDRe.MatchString(v) {
		return v, nil
	}

	// youtu.be/<id>, /shorts/<id>, /embed/<id>, /v/<id>
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 0 {
		candidate := segments[len(segments)-1]
		if videoIDRe.MatchString(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no video id in %q", raw)
}
