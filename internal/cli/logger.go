package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Only-tech/agglo-transcribe/internal/config"
)

// initLogger builds the structured logger described by cfg. The returned
// closer is non-nil when output goes to a file.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		// Keep stdout free for transcript output
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output, closer = file, file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closer
}
