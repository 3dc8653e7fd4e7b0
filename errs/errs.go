package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrVideoUnavailable indicates that the requested video cannot be accessed.
	ErrVideoUnavailable = errors.New("video unavailable")
	// ErrPrivate indicates that the video is private and cannot be downloaded.
	ErrPrivate = errors.New("video is private")
	// ErrAgeRestricted indicates that the video has an age restriction.
	ErrAgeRestricted = errors.New("age restricted")
	// ErrGeoBlocked indicates the video is not available in the current region.
	ErrGeoBlocked = errors.New("geo blocked")
	// ErrRateLimited indicates throttling or rate limiting by the remote service.
	ErrRateLimited = errors.New("rate limited")
	// ErrCipherFailed indicates failure during signature deciphering.
	ErrCipherFailed = errors.New("cipher failed")
	// ErrNoPlayableFormat indicates the catalog contains nothing downloadable.
	// It is a user-facing condition, never a crash.
	ErrNoPlayableFormat = errors.New("no playable format")
)

// StatusError reports a non-2xx response from an upstream media server.
// The code is carried so the HTTP layer can forward it when headers have
// not been sent yet.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// MuxError reports abnormal termination of the muxing subprocess.
type MuxError struct {
	Err    error
	Stderr string
}

func (e *MuxError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("muxer failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("muxer failed: %v", e.Err)
}

func (e *MuxError) Unwrap() error { return e.Err }
