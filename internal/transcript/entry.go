package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrForbidden is returned when a non-author tries to edit an entry.
	ErrForbidden = errors.New("only the author can edit this entry")

	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidInput is returned when required fields are missing.
	ErrInvalidInput = errors.New("invalid input")
)

// Entry is one persisted unit of transcript text.
type Entry struct {
	ID           string    `json:"id"`
	MeetingID    string    `json:"meetingId"`
	AuthorID     string    `json:"userId"`
	AuthorName   string    `json:"userName"`
	Text         string    `json:"text"`
	OriginalText *string   `json:"originalText,omitempty"`
	IsEdited     bool      `json:"isEdited"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     uint64    `json:"sequence"`
	Revision     uint64    `json:"revision"` // incremented by every edit
}

// Before reports whether e sorts before other in a meeting's log.
func (e Entry) Before(other Entry) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.Sequence < other.Sequence
	}
	return e.Timestamp.Before(other.Timestamp)
}

// EventType identifies a change published by the store.
type EventType string

const (
	EventCreated EventType = "entry.created"
	EventUpdated EventType = "entry.updated"
)

// Event describes a single change to a meeting's log.
type Event struct {
	Type  EventType `json:"type"`
	Entry Entry     `json:"entry"`
}

// Store is the read/append/update contract the transcript log must satisfy.
// The backing technology is an external concern; MemoryStore is the in-process
// implementation.
type Store interface {
	Append(ctx context.Context, meetingID, authorID, authorName, text string) (Entry, error)
	ListOrdered(ctx context.Context, meetingID string) ([]Entry, error)
	Edit(ctx context.Context, entryID, requesterID, newText string) (Entry, error)
	Get(ctx context.Context, entryID string) (Entry, error)
}

// Publisher is implemented by stores that can stream changes to subscribers.
type Publisher interface {
	Subscribe(meetingID string) (<-chan Event, func())
}

// FormatText renders entries as a plain-text transcript, one block per entry
// with its time and author.
func FormatText(entries []Entry, includeNames bool, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}

	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		if includeNames {
			blocks = append(blocks, fmt.Sprintf("[%s] %s:\n%s",
				e.Timestamp.In(loc).Format("2006-01-02 15:04:05"), e.AuthorName, e.Text))
		} else {
			blocks = append(blocks, e.Text)
		}
	}
	return strings.Join(blocks, "\n\n")
}
