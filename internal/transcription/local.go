package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
)

// LocalConfig configures the subprocess engine. The audio path is appended
// as the last argument.
type LocalConfig struct {
	Command       string
	Args          []string
	Timeout       time.Duration
	MaxConcurrent int
}

// LocalEngine runs a speech model as a subprocess per file. The process
// prints either {"text": "..."} / {"error": "..."} or plain text on stdout.
type LocalEngine struct {
	config    LocalConfig
	logger    *slog.Logger
	semaphore chan struct{}

	totalRuns  uint64
	failedRuns uint64
	mu         sync.Mutex
}

type localOutput struct {
	Text  *string `json:"text"`
	Error string  `json:"error"`
}

// NewLocalEngine creates a subprocess engine
func NewLocalEngine(config LocalConfig, logger *slog.Logger) (*LocalEngine, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("local engine command cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalEngine{
		config:    config,
		logger:    logger,
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe runs the configured command on the normalized file.
func (e *LocalEngine) Transcribe(ctx context.Context, in *audio.Normalized) (*Result, error) {
	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	e.mu.Lock()
	e.totalRuns++
	e.mu.Unlock()

	start := time.Now()
	args := append(append([]string{}, e.config.Args...), in.Path)
	cmd := exec.CommandContext(ctx, e.config.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		e.logger.Debug("Local engine stderr", slog.String("output", strings.TrimSpace(stderr.String())))
	}
	if err != nil {
		e.markFailed()
		var execErr *exec.Error
		if errors.As(err, &execErr) || cmd.ProcessState == nil {
			// The process never started
			return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, ctx.Err())
		}
		// A structured error on stdout is more useful than the exit code.
		if _, perr := parseLocalOutput(stdout.Bytes()); perr != nil {
			return nil, perr
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineError, err)
	}

	text, err := parseLocalOutput(stdout.Bytes())
	if err != nil {
		e.markFailed()
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	return &Result{
		Text:    text,
		Backend: BackendLocal,
		Elapsed: time.Since(start),
	}, nil
}

func parseLocalOutput(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}

	if trimmed[0] != '{' {
		return cleanText(string(trimmed)), nil
	}

	var out localOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return "", fmt.Errorf("%w: malformed output: %v", ErrEngineError, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrEngineError, out.Error)
	}
	if out.Text == nil {
		return "", fmt.Errorf("%w: output has no text field", ErrEngineError)
	}
	return cleanText(*out.Text), nil
}

func (e *LocalEngine) markFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRuns++
}

// LocalStats represents subprocess engine statistics
type LocalStats struct {
	TotalRuns  uint64 `json:"total_runs"`
	FailedRuns uint64 `json:"failed_runs"`
	ActiveRuns int    `json:"active_runs"`
}

// GetStats returns current engine statistics
func (e *LocalEngine) GetStats() LocalStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return LocalStats{
		TotalRuns:  e.totalRuns,
		FailedRuns: e.failedRuns,
		ActiveRuns: len(e.semaphore),
	}
}
