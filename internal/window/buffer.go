package window

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Only-tech/agglo-transcribe/internal/transcription"
)

// Window is the payload submitted for one fragment: the previous accepted
// fragment (if any) followed by the fragment that triggered the submission.
type Window struct {
	SessionID string
	Index     int // 1-based submission index within the session
	Fragments int // 1 for the first window, 2 afterwards
	Payload   []byte
	IssuedAt  time.Time
}

// Submitter delivers a window for transcription. An empty text with a nil
// error means nothing was transcribed.
type Submitter interface {
	SubmitWindow(ctx context.Context, w Window) (string, error)
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, w Window) (string, error)

// SubmitWindow calls f(ctx, w).
func (f SubmitterFunc) SubmitWindow(ctx context.Context, w Window) (string, error) {
	return f(ctx, w)
}

// Config contains sliding window buffer configuration
type Config struct {
	MinFragmentBytes int           // fragments below this size are dropped
	SubmitTimeout    time.Duration // per-submission deadline, 0 for none

	// OnPendingChange is called with the number of outstanding submissions
	// whenever it changes.
	OnPendingChange func(pending int)

	// OnResult is called after every completed submission.
	OnResult func(w Window, text string, err error)
}

// Buffer composes overlapping windows from a stream of fragments and submits
// each one asynchronously. Submissions are issued in fragment order and may
// complete in any order.
type Buffer struct {
	config    Config
	submitter Submitter
	logger    *slog.Logger
	sessionID string

	mu       sync.Mutex
	previous []byte
	index    int
	closed   bool
	pending  int

	consecutiveUnavailable int
	stats                  Stats

	wg sync.WaitGroup
}

// Stats represents buffer statistics
type Stats struct {
	FragmentsReceived uint64 `json:"fragments_received"`
	FragmentsDropped  uint64 `json:"fragments_dropped"`
	WindowsSubmitted  uint64 `json:"windows_submitted"`
	WindowsSucceeded  uint64 `json:"windows_succeeded"`
	WindowsEmpty      uint64 `json:"windows_empty"`
	WindowsFailed     uint64 `json:"windows_failed"`
}

// New creates a buffer for a fresh recording session with its own session id.
func New(submitter Submitter, config Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinFragmentBytes < 0 {
		config.MinFragmentBytes = 0
	}

	b := &Buffer{
		config:    config,
		submitter: submitter,
		sessionID: uuid.NewString(),
	}
	b.logger = logger.With(slog.String("session_id", b.sessionID))
	return b
}

// SessionID returns the stable id attached to every window of this buffer.
func (b *Buffer) SessionID() string {
	return b.sessionID
}

// Push accepts a fragment and, if it is large enough, issues a window
// submission. It reports whether a submission was issued. Pushing after
// Close discards the fragment.
func (b *Buffer) Push(fragment []byte) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Debug("Discarding fragment after close", slog.Int("bytes", len(fragment)))
		return false
	}

	b.stats.FragmentsReceived++
	if len(fragment) < b.config.MinFragmentBytes || len(fragment) == 0 {
		b.stats.FragmentsDropped++
		b.mu.Unlock()
		b.logger.Debug("Dropping fragment below minimum size",
			slog.Int("bytes", len(fragment)),
			slog.Int("min_bytes", b.config.MinFragmentBytes),
		)
		return false
	}

	current := make([]byte, len(fragment))
	copy(current, fragment)

	payload := make([]byte, 0, len(b.previous)+len(current))
	payload = append(payload, b.previous...)
	payload = append(payload, current...)

	fragments := 1
	if b.previous != nil {
		fragments = 2
	}

	b.index++
	w := Window{
		SessionID: b.sessionID,
		Index:     b.index,
		Fragments: fragments,
		Payload:   payload,
		IssuedAt:  time.Now(),
	}

	// The overlap for the next window is the fragment that triggered this
	// one, regardless of when this submission completes.
	b.previous = current
	b.stats.WindowsSubmitted++
	b.pending++
	pending := b.pending
	b.wg.Add(1)
	b.mu.Unlock()

	b.notifyPending(pending)

	go b.submit(w)
	return true
}

func (b *Buffer) submit(w Window) {
	defer b.wg.Done()

	// Stopping a session never cancels in-flight submissions.
	ctx := context.Background()
	if b.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.SubmitTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := b.submitter.SubmitWindow(ctx, w)

	b.mu.Lock()
	switch {
	case err != nil:
		b.stats.WindowsFailed++
		if errors.Is(err, transcription.ErrEngineUnavailable) {
			b.consecutiveUnavailable++
		} else {
			b.consecutiveUnavailable = 0
		}
	case text == "":
		b.stats.WindowsEmpty++
		b.consecutiveUnavailable = 0
	default:
		b.stats.WindowsSucceeded++
		b.consecutiveUnavailable = 0
	}
	b.pending--
	pending := b.pending
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("Window submission failed, dropping window",
			slog.Int("window", w.Index),
			slog.Int("bytes", len(w.Payload)),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
	} else {
		b.logger.Debug("Window submitted",
			slog.Int("window", w.Index),
			slog.Int("fragments", w.Fragments),
			slog.Int("bytes", len(w.Payload)),
			slog.Bool("empty", text == ""),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	if b.config.OnResult != nil {
		b.config.OnResult(w, text, err)
	}
	b.notifyPending(pending)
}

func (b *Buffer) notifyPending(pending int) {
	if b.config.OnPendingChange != nil {
		b.config.OnPendingChange(pending)
	}
}

// Close stops accepting fragments. Submissions already issued keep running.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.previous = nil
	b.logger.Debug("Window buffer closed", slog.Int("pending", b.pending))
}

// Wait blocks until all issued submissions have completed or ctx is done.
func (b *Buffer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of outstanding submissions.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// ConsecutiveUnavailable returns how many submissions in a row failed
// because the engine was unavailable. Callers decide when to escalate.
func (b *Buffer) ConsecutiveUnavailable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveUnavailable
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
