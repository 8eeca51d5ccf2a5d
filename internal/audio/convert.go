package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrTooShortInput means there is nothing worth transcribing.
	ErrTooShortInput = errors.New("audio input too short")

	// ErrConverterUnavailable is returned when non-WAV input needs ffmpeg and
	// no ffmpeg binary can be found.
	ErrConverterUnavailable = errors.New("audio converter unavailable")

	// ErrConversionFailed wraps decoder and ffmpeg failures.
	ErrConversionFailed = errors.New("audio conversion failed")
)

// ConverterConfig contains audio conversion configuration
type ConverterConfig struct {
	FFmpegPath  string        // empty disables non-WAV input
	TempDir     string        // empty uses os.TempDir
	SampleRate  int           // output sample rate
	MinBytes    int           // inputs smaller than this are too short
	MinDuration time.Duration // converted audio shorter than this is too short
}

// Input is one uploaded audio blob.
type Input struct {
	Data     []byte
	MimeType string
	Filename string
}

// Normalized is a mono 16-bit PCM WAV file on disk. Callers must call Cleanup
// when done with it.
type Normalized struct {
	Path       string
	SampleRate int
	Duration   time.Duration
	Size       int64

	dir  string
	once sync.Once
	err  error
}

// Cleanup removes every temporary artifact of the conversion. It is safe to
// call more than once.
func (n *Normalized) Cleanup() error {
	if n == nil {
		return nil
	}
	n.once.Do(func() {
		n.err = os.RemoveAll(n.dir)
	})
	return n.err
}

// Converter normalizes uploaded audio for the transcription engines.
type Converter struct {
	config ConverterConfig
	logger *slog.Logger
}

// NewConverter creates a converter, resolving the ffmpeg binary if configured.
func NewConverter(config ConverterConfig, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SampleRate <= 0 {
		config.SampleRate = TargetSampleRate
	}
	if config.FFmpegPath != "" {
		if resolved, err := exec.LookPath(config.FFmpegPath); err == nil {
			config.FFmpegPath = resolved
		} else {
			logger.Warn("ffmpeg not found, only WAV input will be accepted",
				slog.String("ffmpeg", config.FFmpegPath),
				slog.String("error", err.Error()),
			)
			config.FFmpegPath = ""
		}
	}
	return &Converter{config: config, logger: logger}
}

// Convert writes in to a temporary directory and normalizes it to mono PCM
// WAV at the configured sample rate. Temporary files are removed on every
// error path; on success they live until Normalized.Cleanup.
func (c *Converter) Convert(ctx context.Context, in Input) (*Normalized, error) {
	if len(in.Data) < c.config.MinBytes {
		return nil, fmt.Errorf("%d bytes below minimum %d: %w", len(in.Data), c.config.MinBytes, ErrTooShortInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(c.config.TempDir, "agglo-audio-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	out := &Normalized{
		Path:       filepath.Join(dir, "normalized.wav"),
		SampleRate: c.config.SampleRate,
		dir:        dir,
	}

	if err := c.convert(ctx, in, dir, out.Path); err != nil {
		out.Cleanup()
		return nil, err
	}

	if err := c.probe(out); err != nil {
		out.Cleanup()
		return nil, err
	}

	if out.Duration < c.config.MinDuration {
		out.Cleanup()
		return nil, fmt.Errorf("duration %v below minimum %v: %w", out.Duration, c.config.MinDuration, ErrTooShortInput)
	}

	// A cancelled request must not leak the artifact it just produced.
	if err := ctx.Err(); err != nil {
		out.Cleanup()
		return nil, err
	}

	c.logger.Debug("Audio normalized",
		slog.String("mime_type", in.MimeType),
		slog.Int("input_bytes", len(in.Data)),
		slog.Int64("output_bytes", out.Size),
		slog.Duration("duration", out.Duration),
	)
	return out, nil
}

// With converts in, runs fn with the result and always cleans up afterwards.
func (c *Converter) With(ctx context.Context, in Input, fn func(*Normalized) error) error {
	n, err := c.Convert(ctx, in)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := n.Cleanup(); cerr != nil {
			c.logger.Warn("Failed to remove temporary audio", slog.String("error", cerr.Error()))
		}
	}()
	return fn(n)
}

func (c *Converter) convert(ctx context.Context, in Input, dir, outPath string) error {
	ext := ExtensionFor(in.MimeType, in.Filename)

	if ext == "wav" {
		err := c.convertWAV(in.Data, outPath)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTooShortInput) || c.config.FFmpegPath == "" {
			return err
		}
		// Fall through to ffmpeg for WAV variants the decoder rejects.
		c.logger.Debug("In-process WAV conversion failed, trying ffmpeg", slog.String("error", err.Error()))
	}

	if c.config.FFmpegPath == "" {
		return fmt.Errorf("cannot convert %q input: %w", ext, ErrConverterUnavailable)
	}

	rawPath := filepath.Join(dir, "input."+ext)
	if err := os.WriteFile(rawPath, in.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp input: %w", err)
	}
	return c.convertFFmpeg(ctx, rawPath, outPath)
}

func (c *Converter) convertWAV(data []byte, outPath string) error {
	buf, err := DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	samples, err := Normalize(buf, c.config.SampleRate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("no samples decoded: %w", ErrTooShortInput)
	}

	encoded, err := EncodeWAV(samples, c.config.SampleRate, 1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("failed to write normalized audio: %w", err)
	}
	return nil
}

func (c *Converter) convertFFmpeg(ctx context.Context, inPath, outPath string) error {
	cmd := exec.CommandContext(ctx, c.config.FFmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", inPath,
		"-ar", strconv.Itoa(c.config.SampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrConverterUnavailable, err)
		}
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrConversionFailed, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (c *Converter) probe(n *Normalized) error {
	f, err := os.Open(n.Path)
	if err != nil {
		return fmt.Errorf("failed to open normalized audio: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat normalized audio: %w", err)
	}
	n.Size = stat.Size()

	info, err := ProbeWAV(f, n.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	n.Duration = info.Duration
	if info.SampleRate > 0 {
		n.SampleRate = int(info.SampleRate)
	}
	return nil
}
