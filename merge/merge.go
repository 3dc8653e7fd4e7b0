// Package merge runs download sessions: it pulls the upstream media
// streams and, for split plans, rewraps them through a mux subprocess
// into a single output stream.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/offtube/offtube/internal/diag"
	"github.com/offtube/offtube/metrics"
	"github.com/offtube/offtube/types"
)

// Opener opens a streaming read on one encoding.
type Opener interface {
	Open(ctx context.Context, info *types.VideoInfo, enc *types.Encoding) (io.ReadCloser, int64, error)
}

// Pipeline builds per-request sessions. It holds no per-session state
// and is safe for concurrent use.
type Pipeline struct {
	fetcher Opener
	muxer   Muxer
}

func New(fetcher Opener, muxer Muxer) *Pipeline {
	return &Pipeline{fetcher: fetcher, muxer: muxer}
}

// Split opens the audio and video streams and feeds them through one mux
// subprocess. The returned reader is the muxed output; closing it aborts
// the session, shuts both upstreams and terminates the subprocess.
//
// A session delivers at most one terminal error. Later failures on other
// legs go to diagnostics only.
func (p *Pipeline) Split(ctx context.Context, info *types.VideoInfo, audio, video *types.Encoding, container string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	audioRC, _, err := p.fetcher.Open(ctx, info, audio)
	if err != nil {
		cancel()
		metrics.SessionErrors.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("open audio stream: %w", err)
	}
	videoRC, _, err := p.fetcher.Open(ctx, info, video)
	if err != nil {
		audioRC.Close()
		cancel()
		metrics.SessionErrors.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("open video stream: %w", err)
	}

	proc, err := p.muxer.Start(ctx, container)
	if err != nil {
		audioRC.Close()
		videoRC.Close()
		cancel()
		metrics.SessionErrors.WithLabelValues("mux").Inc()
		return nil, fmt.Errorf("start muxer: %w", err)
	}

	pr, pw := io.Pipe()
	s := &session{
		pr:        pr,
		pw:        pw,
		proc:      proc,
		cancel:    cancel,
		upstreams: []io.Closer{audioRC, videoRC},
	}
	s.inputs.Go(func() error { return s.pump(audioRC, proc.AudioIn(), "audio") })
	s.inputs.Go(func() error { return s.pump(videoRC, proc.VideoIn(), "video") })
	go s.relay()
	return s, nil
}

// Combined opens a single progressive stream; no subprocess is involved.
func (p *Pipeline) Combined(ctx context.Context, info *types.VideoInfo, enc *types.Encoding) (io.ReadCloser, error) {
	rc, _, err := p.fetcher.Open(ctx, info, enc)
	if err != nil {
		metrics.SessionErrors.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &countingReader{rc: rc}, nil
}

// session is the split-plan output stream. Reads come off an io.Pipe so
// backpressure from the client propagates all the way to the upstream
// fetches.
type session struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	proc Process

	cancel    context.CancelFunc
	upstreams []io.Closer
	inputs    errgroup.Group

	failOnce sync.Once
	err      error

	aborted  atomic.Bool
	downOnce sync.Once
}

func (s *session) Read(p []byte) (int, error) {
	n, err := s.pr.Read(p)
	if n > 0 {
		metrics.BytesRelayed.Add(float64(n))
	}
	return n, err
}

// Close aborts the session. Safe to call at any point, from any
// goroutine, any number of times.
func (s *session) Close() error {
	s.aborted.Store(true)
	s.teardown()
	return s.pr.Close()
}

// fail records the session's terminal error. The first caller wins;
// everything after that is diagnostics.
func (s *session) fail(err error) {
	won := false
	s.failOnce.Do(func() {
		s.err = err
		won = true
	})
	if !won {
		diag.Report(err, map[string]string{"component": "merge", "kind": "suppressed"})
	}
}

// pump copies one upstream leg into the muxer. A broken pipe means the
// subprocess went away first; its exit status is the real story, so the
// write error is only reported, never returned.
func (s *session) pump(src io.ReadCloser, dst io.WriteCloser, track string) error {
	_, err := io.Copy(dst, src)
	dst.Close()
	if err == nil {
		return nil
	}
	if isBrokenPipe(err) {
		diag.Report(err, map[string]string{"component": "merge", "track": track})
		return nil
	}
	metrics.SessionErrors.WithLabelValues("fetch").Inc()
	return fmt.Errorf("%s upstream: %w", track, err)
}

// relay drains the muxer output into the session pipe, then settles the
// session: terminal error (if any) is attached to the pipe so the client
// never sees a partial stream end cleanly. Upstream errors outrank the
// subprocess exit status, which is usually just their consequence.
func (s *session) relay() {
	_, copyErr := io.Copy(s.pw, s.proc.Output())
	waitErr := s.proc.Wait()
	pumpErr := s.inputs.Wait()

	if pumpErr != nil {
		s.fail(pumpErr)
	}
	if copyErr != nil && !isBrokenPipe(copyErr) {
		s.fail(copyErr)
	}
	if waitErr != nil {
		// The subprocess dying after the caller closed the session is
		// expected teardown fallout, not a mux failure.
		if s.aborted.Load() {
			diag.Report(waitErr, map[string]string{"component": "merge", "kind": "aborted"})
		} else {
			metrics.SessionErrors.WithLabelValues("mux").Inc()
			s.fail(waitErr)
		}
	}
	s.pw.CloseWithError(s.err)
	s.teardown()
}

// teardown shuts both upstreams and the subprocess exactly once. It is
// the single exit routine for success, failure and caller abort.
func (s *session) teardown() {
	s.downOnce.Do(func() {
		s.cancel()
		for _, c := range s.upstreams {
			c.Close()
		}
		s.proc.Kill()
	})
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

// countingReader wraps a combined stream so delivered bytes land in the
// same metric as muxed output.
type countingReader struct {
	rc io.ReadCloser
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		metrics.BytesRelayed.Add(float64(n))
	}
	return n, err
}

func (c *countingReader) Close() error { return c.rc.Close() }
