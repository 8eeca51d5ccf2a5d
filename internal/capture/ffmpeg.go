package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/recorder"
)

// startupGrace is how long ffmpeg must survive before capture counts as started
const startupGrace = 250 * time.Millisecond

// FFmpegConfig selects the ffmpeg input
type FFmpegConfig struct {
	Command     string // defaults to ffmpeg
	InputFormat string // pulse, alsa, avfoundation, dshow
	InputDevice string
}

// FFmpegDevice captures microphone PCM through an ffmpeg subprocess
type FFmpegDevice struct {
	config FFmpegConfig

	// prepended to the ffmpeg arguments; tests use it to run a helper process
	prefixArgs []string
}

// NewFFmpegDevice creates an ffmpeg capture device
func NewFFmpegDevice(config FFmpegConfig) *FFmpegDevice {
	if config.Command == "" {
		config.Command = "ffmpeg"
	}
	if config.InputFormat == "" {
		config.InputFormat = "pulse"
	}
	if config.InputDevice == "" {
		config.InputDevice = "default"
	}
	return &FFmpegDevice{config: config}
}

// Open implements recorder.Device
func (d *FFmpegDevice) Open(ctx context.Context, format recorder.Format) (io.ReadCloser, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	args := append(append([]string{}, d.prefixArgs...),
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.config.InputFormat,
		"-i", d.config.InputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	)

	cmd := exec.CommandContext(ctx, d.config.Command, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stderr.String())
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(startupGrace):
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *syncBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close interrupts ffmpeg, killing it if it does not exit promptly
func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, s.stderr.String())
		}
	})
	return s.stopErr
}

// normalizeStopErr treats the exit status of an interrupted ffmpeg as clean
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer collects stderr written by the process goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
