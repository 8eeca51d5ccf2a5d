package inbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Only-tech/agglo-transcribe/internal/metrics"
	"github.com/Only-tech/agglo-transcribe/internal/server"
	"github.com/Only-tech/agglo-transcribe/internal/session"
	"github.com/Only-tech/agglo-transcribe/internal/transcript"
)

type fakeIngester struct {
	mu       sync.Mutex
	requests []server.IngestRequest
	fail     map[string]bool
}

func (f *fakeIngester) Ingest(ctx context.Context, req server.IngestRequest) (*server.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail[req.Audio.Filename] {
		return nil, errors.New("engine down")
	}
	return &server.IngestResult{
		Entry:   &transcript.Entry{ID: "e-" + req.Audio.Filename, Text: "text"},
		Outcome: session.OutcomeTranscribed,
	}, nil
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("File %s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startWatcher(t *testing.T, ingester Ingester) (string, func()) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	w, err := New(Config{
		Directory:   dir,
		MeetingID:   "m1",
		AuthorID:    "inbox",
		AuthorName:  "Inbox",
		SettleDelay: 20 * time.Millisecond,
	}, ingester, metrics.NewMetrics(prometheus.NewRegistry()), logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return dir, func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
}

func TestWatcherProcessesDroppedFiles(t *testing.T) {
	ingester := &fakeIngester{fail: map[string]bool{"broken.wav": true}}
	dir, run := startWatcher(t, ingester)

	// Present before the watcher starts
	os.WriteFile(filepath.Join(dir, "early.wav"), []byte("early"), 0644)
	run()

	waitForFile(t, filepath.Join(dir, processedDir, "early.wav"))

	// Written under a temporary name and renamed into place
	tmp := filepath.Join(dir, "late.webm.tmp")
	os.WriteFile(tmp, []byte("late"), 0644)
	os.Rename(tmp, filepath.Join(dir, "late.webm"))
	waitForFile(t, filepath.Join(dir, processedDir, "late.webm"))

	os.WriteFile(filepath.Join(dir, "broken.wav"), []byte("x"), 0644)
	waitForFile(t, filepath.Join(dir, failedDir, "broken.wav"))

	ingester.mu.Lock()
	defer ingester.mu.Unlock()
	for _, req := range ingester.requests {
		if req.Kind != "inbox" || req.MeetingID != "m1" || req.AuthorID != "inbox" {
			t.Errorf("Unexpected request: %+v", req)
		}
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	ingester := &fakeIngester{}
	dir, run := startWatcher(t, ingester)
	run()

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden.wav"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "marker.wav"), []byte("x"), 0644)

	waitForFile(t, filepath.Join(dir, processedDir, "marker.wav"))
	if ingester.count() != 1 {
		t.Errorf("Expected only the audio file to be ingested, got %d", ingester.count())
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"no directory", Config{MeetingID: "m1", AuthorID: "a"}},
		{"no meeting", Config{Directory: "/tmp/x", AuthorID: "a"}},
		{"no author", Config{Directory: "/tmp/x", MeetingID: "m1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config, &fakeIngester{}, nil, nil); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}
