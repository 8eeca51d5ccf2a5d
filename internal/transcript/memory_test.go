package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore() *MemoryStore {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMemoryStore(logger)
}

func TestAppendAssignsIdentity(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	e1, err := store.Append(ctx, "m1", "alice", "Alice", "hello")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	e2, err := store.Append(ctx, "m1", "alice", "Alice", "hello")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if e1.ID == "" || e2.ID == "" {
		t.Fatal("Expected non-empty ids")
	}
	if e1.ID == e2.ID {
		t.Errorf("Expected distinct ids for duplicate text, got %s twice", e1.ID)
	}
	if e1.IsEdited || e1.OriginalText != nil {
		t.Error("New entry must not be marked as edited")
	}
	if e2.Sequence <= e1.Sequence {
		t.Errorf("Expected increasing sequence, got %d then %d", e1.Sequence, e2.Sequence)
	}
	if e1.Timestamp.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("Expected millisecond resolution timestamp, got %v", e1.Timestamp)
	}
}

func TestAppendValidation(t *testing.T) {
	tests := []struct {
		name      string
		meetingID string
		authorID  string
		text      string
	}{
		{"missing meeting", "", "alice", "hi"},
		{"missing author", "m1", "", "hi"},
		{"missing text", "m1", "alice", ""},
		{"whitespace text", "m1", "alice", "   "},
	}

	store := newTestStore()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(context.Background(), tt.meetingID, tt.authorID, "Alice", tt.text)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if stats := store.GetStats(); stats.Entries != 0 {
		t.Errorf("Expected no entries after invalid appends, got %d", stats.Entries)
	}
}

func TestEditPreservesFirstOriginal(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	entry, err := store.Append(ctx, "m1", "alice", "Alice", "first draft")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if _, err := store.Edit(ctx, entry.ID, "alice", "second"); err != nil {
		t.Fatalf("First edit failed: %v", err)
	}
	updated, err := store.Edit(ctx, entry.ID, "alice", "third")
	if err != nil {
		t.Fatalf("Second edit failed: %v", err)
	}

	if updated.Text != "third" {
		t.Errorf("Expected text 'third', got %q", updated.Text)
	}
	if !updated.IsEdited {
		t.Error("Expected entry to be marked edited")
	}
	if updated.OriginalText == nil || *updated.OriginalText != "first draft" {
		t.Errorf("Expected original text 'first draft', got %v", updated.OriginalText)
	}
	if !updated.Timestamp.Equal(entry.Timestamp) {
		t.Error("Edit must not change the timestamp")
	}
	if entry.Revision != 0 || updated.Revision != 2 {
		t.Errorf("Expected revisions 0 then 2, got %d and %d", entry.Revision, updated.Revision)
	}
}

func TestEditForbiddenForNonAuthor(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	entry, err := store.Append(ctx, "m1", "alice", "Alice", "mine")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if _, err := store.Edit(ctx, entry.ID, "bob", "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}

	got, err := store.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != "mine" || got.IsEdited || got.OriginalText != nil {
		t.Errorf("Entry changed after forbidden edit: %+v", got)
	}
}

func TestEditErrors(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	entry, _ := store.Append(ctx, "m1", "alice", "Alice", "text")

	tests := []struct {
		name    string
		entryID string
		text    string
		want    error
	}{
		{"unknown entry", "missing", "x", ErrNotFound},
		{"empty text", entry.ID, "", ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Edit(ctx, tt.entryID, "alice", tt.text); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestListOrderedSameMillisecond(t *testing.T) {
	store := newTestStore()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, _ := store.Append(ctx, "m1", "alice", "Alice", "from alice")
	b, _ := store.Append(ctx, "m1", "bob", "Bob", "from bob")

	if !a.Timestamp.Equal(b.Timestamp) {
		t.Fatalf("Expected equal timestamps, got %v and %v", a.Timestamp, b.Timestamp)
	}

	first, _ := store.ListOrdered(ctx, "m1")
	for i := 0; i < 10; i++ {
		again, _ := store.ListOrdered(ctx, "m1")
		if len(again) != 2 || again[0].ID != first[0].ID || again[1].ID != first[1].ID {
			t.Fatalf("Order changed between calls: %v vs %v", ids(first), ids(again))
		}
	}
	if first[0].ID != a.ID {
		t.Errorf("Expected earlier sequence first, got %s", first[0].AuthorName)
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	store := newTestStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := []time.Time{base.Add(2 * time.Second), base, base.Add(time.Second)}
	i := 0
	store.now = func() time.Time {
		ts := clock[i]
		i++
		return ts
	}
	ctx := context.Background()

	for n := 0; n < len(clock); n++ {
		if _, err := store.Append(ctx, "m1", "alice", "Alice", fmt.Sprintf("t%d", n)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, _ := store.ListOrdered(ctx, "m1")
	for n, e := range entries {
		if e.Text != fmt.Sprintf("t%d", n) {
			t.Errorf("Expected arrival order, position %d has %q", n, e.Text)
		}
	}
}

func TestConcurrentAppendsSorted(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < perWriter; n++ {
				meeting := "m1"
				if n%2 == 1 {
					meeting = "m2"
				}
				author := fmt.Sprintf("user-%d", w)
				if _, err := store.Append(ctx, meeting, author, author, "text"); err != nil {
					t.Errorf("Append failed: %v", err)
				}
			}
		}(w)
	}

	// Reads race with the writers
	for r := 0; r < 20; r++ {
		entries, err := store.ListOrdered(ctx, "m1")
		if err != nil {
			t.Fatalf("ListOrdered failed: %v", err)
		}
		assertSorted(t, entries)
	}
	wg.Wait()

	total := 0
	for _, meeting := range []string{"m1", "m2"} {
		entries, _ := store.ListOrdered(ctx, meeting)
		assertSorted(t, entries)
		total += len(entries)
	}
	if total != writers*perWriter {
		t.Errorf("Expected %d entries, got %d", writers*perWriter, total)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	events, cancel := store.Subscribe("m1")
	defer cancel()

	other, cancelOther := store.Subscribe("m2")
	defer cancelOther()

	entry, _ := store.Append(ctx, "m1", "alice", "Alice", "hello")
	if _, err := store.Edit(ctx, entry.ID, "alice", "hello there"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	want := []EventType{EventCreated, EventUpdated}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ || ev.Entry.ID != entry.ID {
				t.Errorf("Expected %s for %s, got %s for %s", typ, entry.ID, ev.Type, ev.Entry.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for %s", typ)
		}
	}

	select {
	case ev := <-other:
		t.Errorf("Unexpected event for other meeting: %+v", ev)
	default:
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("Expected channel to be closed after cancel")
	}
	if stats := store.GetStats(); stats.Subscribers != 1 {
		t.Errorf("Expected 1 subscriber left, got %d", stats.Subscribers)
	}
}

func TestFormatText(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)
	entries := []Entry{
		{AuthorName: "Alice", Text: "Hello", Timestamp: ts},
		{AuthorName: "Bob", Text: "Hi", Timestamp: ts.Add(time.Minute)},
	}

	got := FormatText(entries, true, time.UTC)
	want := "[2026-03-01 09:05:07] Alice:\nHello\n\n[2026-03-01 09:06:07] Bob:\nHi"
	if got != want {
		t.Errorf("FormatText mismatch:\n got: %q\nwant: %q", got, want)
	}

	if plain := FormatText(entries, false, time.UTC); plain != "Hello\n\nHi" {
		t.Errorf("Expected plain text without names, got %q", plain)
	}
}

func assertSorted(t *testing.T, entries []Entry) {
	t.Helper()
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Before(entries[j]) }) {
		t.Errorf("Entries not sorted: %v", ids(entries))
	}
}

func ids(entries []Entry) string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return strings.Join(out, ",")
}
