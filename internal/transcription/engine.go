package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
)

var (
	// ErrEngineUnavailable is returned when the backing process or service
	// cannot be reached.
	ErrEngineUnavailable = errors.New("transcription engine unavailable")

	// ErrEngineError is returned when the engine answers with an error or
	// with output that cannot be interpreted.
	ErrEngineError = errors.New("transcription engine error")
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Result is the text recognized in one audio file.
type Result struct {
	Text     string        `json:"text"`
	Language string        `json:"language,omitempty"`
	Backend  string        `json:"backend"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Engine turns normalized audio into text. A nil Result with a nil error
// means no speech was detected.
type Engine interface {
	Transcribe(ctx context.Context, in *audio.Normalized) (*Result, error)
}

// Config selects and configures a backend
type Config struct {
	Backend string
	Local   LocalConfig
	Remote  RemoteConfig
}

// New builds the engine selected by config.Backend.
func New(config Config, logger *slog.Logger) (Engine, error) {
	switch strings.ToLower(config.Backend) {
	case BackendLocal, "":
		engine, err := NewLocalEngine(config.Local, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case BackendRemote:
		client, err := NewRemoteClient(config.Remote)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", config.Backend)
	}
}

// cleanText strips engine markers for silence and surrounding whitespace.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "[BLANK_AUDIO]", "")
	return strings.TrimSpace(text)
}
