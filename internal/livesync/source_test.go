package livesync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Only-tech/agglo-transcribe/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLister struct {
	mu      sync.Mutex
	entries []transcript.Entry
	err     error
	calls   int
}

func (f *fakeLister) ListEntries(ctx context.Context, meetingID string) ([]transcript.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]transcript.Entry(nil), f.entries...), nil
}

func (f *fakeLister) set(entries ...transcript.Entry) {
	f.mu.Lock()
	f.entries = entries
	f.err = nil
	f.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollerReconcilesEachTick(t *testing.T) {
	lister := &fakeLister{err: errors.New("server down")}
	view := NewView(nil)
	poller := NewPoller(lister, "m1", 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx, view) }()

	waitFor(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return lister.calls >= 2
	})
	lister.set(entry("a", 0, 1, "one"))
	waitFor(t, func() bool { return len(view.Entries()) == 1 })

	lister.set(entry("a", 0, 1, "one"), entry("b", time.Second, 2, "two"))
	waitFor(t, func() bool { return len(view.Entries()) == 2 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// feedServer pushes every event written to its channel to each connection
type feedServer struct {
	events chan transcript.Event
	conns  chan struct{}
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.conns <- struct{}{}

	for event := range f.events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

type urlDialer struct{ url string }

func (d urlDialer) DialEntries(ctx context.Context, meetingID string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url+"?meetingId="+meetingID, nil)
	return conn, err
}

func TestSubscriberResyncsAndAppliesEvents(t *testing.T) {
	feed := &feedServer{events: make(chan transcript.Event, 4), conns: make(chan struct{}, 4)}
	ts := httptest.NewServer(feed)
	defer ts.Close()

	lister := &fakeLister{}
	lister.set(entry("a", 0, 1, "already there"))

	view := NewView(nil)
	dialer := urlDialer{url: "ws" + strings.TrimPrefix(ts.URL, "http")}
	sub := NewSubscriber(dialer, lister, "m1", 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, view) }()

	<-feed.conns
	waitFor(t, func() bool { return len(view.Entries()) == 1 })

	feed.events <- transcript.Event{Type: transcript.EventCreated, Entry: entry("b", time.Second, 2, "pushed")}
	waitFor(t, func() bool { return len(view.Entries()) == 2 })

	updated := entry("a", 0, 1, "corrected")
	updated.IsEdited = true
	feed.events <- transcript.Event{Type: transcript.EventUpdated, Entry: updated}
	waitFor(t, func() bool { return view.Entries()[0].Text == "corrected" })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscriber did not stop")
	}
	close(feed.events)
}

func TestSubscriberRetriesDialFailures(t *testing.T) {
	view := NewView(nil)
	sub := NewSubscriber(urlDialer{url: "ws://127.0.0.1:1/entries/ws"}, nil, "m1", 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := sub.Run(ctx, view); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
