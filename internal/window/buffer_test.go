package window

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/transcription"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	windows []Window
	text    string
	err     error
	release map[int]chan struct{} // optional per-window gate
}

func (r *recordingSubmitter) SubmitWindow(ctx context.Context, w Window) (string, error) {
	r.mu.Lock()
	r.windows = append(r.windows, w)
	gate := r.release[w.Index]
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return r.text, r.err
}

func (r *recordingSubmitter) sorted() []Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Window(nil), r.windows...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fragment(tag byte, size int) []byte {
	return bytes.Repeat([]byte{tag}, size)
}

func waitAll(t *testing.T, b *Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Timed out waiting for submissions: %v", err)
	}
}

func TestWindowsOverlapPreviousFragment(t *testing.T) {
	sub := &recordingSubmitter{text: "ok"}
	b := New(sub, Config{MinFragmentBytes: 10}, testLogger())

	frags := [][]byte{fragment('a', 20), fragment('b', 20), fragment('c', 20), fragment('d', 20)}
	for _, f := range frags {
		if !b.Push(f) {
			t.Fatal("Expected fragment to be submitted")
		}
	}
	waitAll(t, b)

	windows := sub.sorted()
	if len(windows) != len(frags) {
		t.Fatalf("Expected %d submissions, got %d", len(frags), len(windows))
	}

	for k, w := range windows {
		var want []byte
		if k > 0 {
			want = append(want, frags[k-1]...)
		}
		want = append(want, frags[k]...)

		if !bytes.Equal(w.Payload, want) {
			t.Errorf("Window %d payload mismatch: got %q", k+1, w.Payload)
		}
		if w.SessionID != b.SessionID() {
			t.Errorf("Window %d has session %s, want %s", k+1, w.SessionID, b.SessionID())
		}
	}
	if windows[0].Fragments != 1 || windows[1].Fragments != 2 {
		t.Errorf("Unexpected fragment counts: %d, %d", windows[0].Fragments, windows[1].Fragments)
	}
}

func TestThreeFragmentScenario(t *testing.T) {
	sub := &recordingSubmitter{text: "ok"}
	b := New(sub, Config{MinFragmentBytes: 4000}, testLogger())

	f1, f2, f3 := fragment('1', 20*1024), fragment('2', 20*1024), fragment('3', 20*1024)
	b.Push(f1)
	b.Push(f2)
	b.Push(f3)
	waitAll(t, b)

	windows := sub.sorted()
	if len(windows) != 3 {
		t.Fatalf("Expected 3 submissions, got %d", len(windows))
	}

	expected := [][]byte{
		f1,
		append(append([]byte{}, f1...), f2...),
		append(append([]byte{}, f2...), f3...),
	}
	for i, w := range windows {
		if !bytes.Equal(w.Payload, expected[i]) {
			t.Errorf("Window %d: got %d bytes, want %d", i+1, len(w.Payload), len(expected[i]))
		}
	}
}

func TestSmallFragmentsDropped(t *testing.T) {
	sub := &recordingSubmitter{text: "ok"}
	b := New(sub, Config{MinFragmentBytes: 100}, testLogger())

	big1, small, big2 := fragment('a', 200), fragment('s', 50), fragment('b', 200)
	b.Push(big1)
	if b.Push(small) {
		t.Error("Expected small fragment to be dropped")
	}
	b.Push(big2)
	waitAll(t, b)

	windows := sub.sorted()
	if len(windows) != 2 {
		t.Fatalf("Expected 2 submissions, got %d", len(windows))
	}
	want := append(append([]byte{}, big1...), big2...)
	if !bytes.Equal(windows[1].Payload, want) {
		t.Error("Dropped fragment must not enter the overlap")
	}

	stats := b.GetStats()
	if stats.FragmentsDropped != 1 || stats.WindowsSubmitted != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestOverlapBoundAtIssueTime(t *testing.T) {
	gate := make(chan struct{})
	sub := &recordingSubmitter{
		text:    "ok",
		release: map[int]chan struct{}{1: gate},
	}
	b := New(sub, Config{}, testLogger())

	f1, f2, f3 := fragment('1', 10), fragment('2', 10), fragment('3', 10)
	b.Push(f1) // held until released
	b.Push(f2)
	b.Push(f3)

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.sorted()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Pending() == 0 {
		t.Error("Expected first submission to still be pending")
	}
	close(gate)
	waitAll(t, b)

	windows := sub.sorted()
	want := append(append([]byte{}, f2...), f3...)
	if len(windows) != 3 || !bytes.Equal(windows[2].Payload, want) {
		t.Errorf("Third window must be f2+f3 regardless of completion order")
	}
}

func TestCloseDiscardsNewFragments(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var completed []int

	sub := &recordingSubmitter{
		text:    "ok",
		release: map[int]chan struct{}{1: gate},
	}
	b := New(sub, Config{
		OnResult: func(w Window, text string, err error) {
			mu.Lock()
			completed = append(completed, w.Index)
			mu.Unlock()
		},
	}, testLogger())

	b.Push(fragment('1', 10))
	b.Close()
	if b.Push(fragment('2', 10)) {
		t.Error("Expected fragment after close to be discarded")
	}
	close(gate)
	waitAll(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 || completed[0] != 1 {
		t.Errorf("Expected in-flight window to complete, got %v", completed)
	}
}

func TestPendingNotifications(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	sub := &recordingSubmitter{text: ""}
	b := New(sub, Config{
		OnPendingChange: func(p int) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	}, testLogger())

	b.Push(fragment('x', 10))
	waitAll(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 0 {
		t.Errorf("Expected pending transitions [1 0], got %v", seen)
	}
	if stats := b.GetStats(); stats.WindowsEmpty != 1 {
		t.Errorf("Expected empty result to be counted, got %+v", stats)
	}
}

func TestConsecutiveUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"engine unavailable", fmt.Errorf("submit: %w", transcription.ErrEngineUnavailable), 3},
		{"engine error", transcription.ErrEngineError, 0},
		{"success", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{text: "ok", err: tt.err}
			b := New(sub, Config{}, testLogger())
			for i := 0; i < 3; i++ {
				b.Push(fragment('x', 10))
			}
			waitAll(t, b)

			if got := b.ConsecutiveUnavailable(); got != tt.want {
				t.Errorf("Expected %d consecutive failures, got %d", tt.want, got)
			}
		})
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := New(&recordingSubmitter{}, Config{}, testLogger())
	b := New(&recordingSubmitter{}, Config{}, testLogger())
	if a.SessionID() == "" || a.SessionID() == b.SessionID() {
		t.Errorf("Expected distinct session ids, got %q and %q", a.SessionID(), b.SessionID())
	}
}
