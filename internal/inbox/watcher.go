package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
	"github.com/Only-tech/agglo-transcribe/internal/metrics"
	"github.com/Only-tech/agglo-transcribe/internal/server"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Ingester runs one clip through conversion, transcription and append
type Ingester interface {
	Ingest(ctx context.Context, req server.IngestRequest) (*server.IngestResult, error)
}

// Config contains drop-folder configuration
type Config struct {
	Directory   string
	MeetingID   string
	AuthorID    string
	AuthorName  string
	Extensions  []string      // accepted file extensions, with dot
	SettleDelay time.Duration // quiet period after the last write before a file is read
}

// Watcher transcribes audio files dropped into a directory into one meeting
type Watcher struct {
	config   Config
	ingester Ingester
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// New creates a new inbox watcher
func New(config Config, ingester Ingester, m *metrics.Metrics, logger *slog.Logger) (*Watcher, error) {
	if config.Directory == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if config.MeetingID == "" || config.AuthorID == "" {
		return nil, fmt.Errorf("inbox meeting and author cannot be empty")
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".wav", ".webm", ".ogg", ".m4a", ".mp3"}
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		config:   config,
		ingester: ingester,
		metrics:  m,
		logger:   logger.With(slog.String("inbox", config.Directory)),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run watches the directory until ctx is cancelled. Files already present
// are picked up first.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range []string{w.config.Directory, w.subdir(processedDir), w.subdir(failedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.Directory); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.Directory, err)
	}

	w.logger.Info("Started watching inbox directory",
		slog.String("meeting_id", w.config.MeetingID),
	)

	w.scanExisting(ctx)

	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) subdir(name string) string {
	return filepath.Join(w.config.Directory, name)
}

func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.config.Directory)
	if err != nil {
		w.logger.Error("Failed to scan inbox directory", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.config.Directory, e.Name()))
		}
	}
}

func (w *Watcher) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	w.schedule(ctx, event.Name)
}

// accepts reports whether path is an audio file the inbox should process
func (w *Watcher) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range w.config.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// schedule processes path once no write has touched it for SettleDelay
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.accepts(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.config.SettleDelay)
		return
	}

	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.config.SettleDelay, func() {
		defer w.wg.Done()

		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.processFile(ctx, path)
	})
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	logger := w.logger.With(slog.String("file", name))

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("Failed to read inbox file", slog.String("error", err.Error()))
		}
		return
	}

	result, err := w.ingester.Ingest(ctx, server.IngestRequest{
		Kind:       "inbox",
		MeetingID:  w.config.MeetingID,
		AuthorID:   w.config.AuthorID,
		AuthorName: w.config.AuthorName,
		Audio: audio.Input{
			Data:     data,
			Filename: name,
		},
	})

	outcome, dest := "transcribed", processedDir
	switch {
	case err != nil:
		outcome, dest = "failed", failedDir
		logger.Error("Failed to transcribe inbox file", slog.String("error", err.Error()))
	case result == nil || result.Entry == nil:
		outcome = "empty"
		logger.Info("Inbox file produced no transcription")
	default:
		logger.Info("Inbox file transcribed", slog.String("entry_id", result.Entry.ID))
	}
	if w.metrics != nil {
		w.metrics.RecordInboxFile(outcome)
	}

	if err := os.Rename(path, filepath.Join(w.subdir(dest), name)); err != nil {
		logger.Warn("Failed to move inbox file", slog.String("error", err.Error()))
	}
}
