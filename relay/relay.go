// Package relay buffers a download to local disk before handing it to
// the client, trading latency for an exact size up front.
package relay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/offtube/offtube/internal/diag"
	"github.com/offtube/offtube/metrics"
)

// Spool is a fully buffered download sitting in a temp file. Reading it
// relays the file; Close removes it. The file is unlinked on every
// path, including mid-write failures.
type Spool struct {
	f    *os.File
	path string
	Size int64
}

// ToTempFile drains src into a uniquely named file under dir (or the
// system temp dir when dir is empty) and returns a Spool positioned at
// the start. On any error the partial file is removed.
func ToTempFile(dir string, src io.Reader, ext string) (*Spool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	size, err := io.Copy(f, src)
	if err != nil {
		discard(f, path)
		metrics.SessionErrors.WithLabelValues("relay").Inc()
		return nil, fmt.Errorf("spool download: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard(f, path)
		metrics.SessionErrors.WithLabelValues("relay").Inc()
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}

	return &Spool{f: f, path: path, Size: size}, nil
}

func (s *Spool) Read(p []byte) (int, error) { return s.f.Read(p) }

// Close releases the spool and deletes its backing file. Deletion
// failures are reported, not escalated; the bytes already reached the
// client.
func (s *Spool) Close() error {
	err := s.f.Close()
	if rmErr := os.Remove(s.path); rmErr != nil {
		diag.Report(rmErr, map[string]string{"component": "relay", "path": s.path})
	}
	return err
}

func discard(f *os.File, path string) {
	f.Close()
	if err := os.Remove(path); err != nil {
		diag.Report(err, map[string]string{"component": "relay", "path": path})
	}
}
