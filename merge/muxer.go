package merge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/offtube/offtube/errs"
	"github.com/offtube/offtube/internal/diag"
)

// Process is a running mux subprocess. The audio and video writers feed
// its two inputs; Output is its muxed stream. Wait must be called after
// Output has been drained.
type Process interface {
	AudioIn() io.WriteCloser
	VideoIn() io.WriteCloser
	Output() io.Reader
	Wait() error
	Kill()
}

// Muxer starts mux subprocesses. It is an interface so pipeline tests
// can run without a real binary on PATH.
type Muxer interface {
	Start(ctx context.Context, container string) (Process, error)
}

// FFmpeg runs ffmpeg in stream-copy mode: no re-encoding, the two
// elementary streams are rewrapped into the target container.
type FFmpeg struct {
	// Path overrides the binary location; empty means "ffmpeg" on PATH.
	Path string
}

// stderrTailLines bounds how much ffmpeg stderr is kept for error
// reporting.
const stderrTailLines = 20

func muxArgs(container string) []string {
	args := []string{
		"-loglevel", "error",
		"-hide_banner",
		"-i", "pipe:3",
		"-i", "pipe:4",
		"-map", "0:a",
		"-map", "1:v",
	}
	if container == "mp4" {
		// mp4 needs fragmented output to be written to a non-seekable pipe.
		args = append(args, "-movflags", "isml+frag_keyframe")
	}
	args = append(args,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", container,
		"pipe:1",
	)
	return args
}

func (m *FFmpeg) Start(ctx context.Context, container string) (Process, error) {
	path := m.Path
	if path == "" {
		path = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, path, muxArgs(container)...)

	audioR, audioW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("audio pipe: %w", err)
	}
	videoR, videoW, err := os.Pipe()
	if err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("video pipe: %w", err)
	}
	// fd 3 is the audio input, fd 4 the video input.
	cmd.ExtraFiles = []*os.File{audioR, videoR}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(audioR, audioW, videoR, videoW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(audioR, audioW, videoR, videoW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(audioR, audioW, videoR, videoW)
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	// The child holds its own copies of the read ends now.
	audioR.Close()
	videoR.Close()

	p := &ffmpegProcess{
		cmd:        cmd,
		audio:      audioW,
		video:      videoW,
		out:        stdout,
		stderrDone: make(chan struct{}),
	}
	go p.scanStderr(stderr)
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type ffmpegProcess struct {
	cmd   *exec.Cmd
	audio *os.File
	video *os.File
	out   io.Reader

	stderrDone chan struct{}
	mu         sync.Mutex
	tail       []string
}

func (p *ffmpegProcess) AudioIn() io.WriteCloser { return p.audio }
func (p *ffmpegProcess) VideoIn() io.WriteCloser { return p.video }
func (p *ffmpegProcess) Output() io.Reader       { return p.out }

func (p *ffmpegProcess) scanStderr(r io.Reader) {
	defer close(p.stderrDone)
	log := diag.WithComponent("ffmpeg")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug().Msg(line)
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[1:]
		}
		p.mu.Unlock()
	}
}

func (p *ffmpegProcess) Wait() error {
	err := p.cmd.Wait()
	<-p.stderrDone
	if err == nil {
		return nil
	}
	p.mu.Lock()
	tail := strings.Join(p.tail, "\n")
	p.mu.Unlock()
	return &errs.MuxError{Err: err, Stderr: tail}
}

func (p *ffmpegProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
