package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// MemoryStore is an in-process Store. Appends and edits are serialized by a
// single mutex; reads copy a consistent snapshot.
type MemoryStore struct {
	logger *slog.Logger

	mu        sync.RWMutex
	meetings  map[string][]*Entry // ordered by (Timestamp, Sequence)
	byID      map[string]*Entry
	sequence  uint64
	lastStamp map[string]time.Time

	subMu       sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	dropped     uint64

	// Overridable in tests
	now   func() time.Time
	newID func() string
}

type subscriber struct {
	ch chan Event
}

// StoreStats represents store statistics for monitoring
type StoreStats struct {
	Meetings      int    `json:"meetings"`
	Entries       int    `json:"entries"`
	Subscribers   int    `json:"subscribers"`
	DroppedEvents uint64 `json:"dropped_events"`
}

// NewMemoryStore creates an empty in-memory transcript store
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		logger:      logger,
		meetings:    make(map[string][]*Entry),
		byID:        make(map[string]*Entry),
		lastStamp:   make(map[string]time.Time),
		subscribers: make(map[string]map[*subscriber]struct{}),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Append creates a new entry at the end of the meeting's log.
func (s *MemoryStore) Append(ctx context.Context, meetingID, authorID, authorName, text string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	meetingID = strings.TrimSpace(meetingID)
	authorID = strings.TrimSpace(authorID)
	text = strings.TrimSpace(text)
	if meetingID == "" || authorID == "" || text == "" {
		return Entry{}, fmt.Errorf("append: meeting, author and text are required: %w", ErrInvalidInput)
	}
	if authorName == "" {
		authorName = "Participant"
	}

	s.mu.Lock()
	stamp := s.now().UTC().Truncate(time.Millisecond)
	// Never let a meeting's clock run backwards; sequence breaks the tie.
	if last, ok := s.lastStamp[meetingID]; ok && stamp.Before(last) {
		stamp = last
	}
	s.lastStamp[meetingID] = stamp
	s.sequence++

	entry := &Entry{
		ID:         s.newID(),
		MeetingID:  meetingID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Text:       text,
		Timestamp:  stamp,
		Sequence:   s.sequence,
	}
	s.meetings[meetingID] = append(s.meetings[meetingID], entry)
	s.byID[entry.ID] = entry
	created := *entry
	s.mu.Unlock()

	s.logger.Debug("Transcript entry appended",
		slog.String("meeting_id", meetingID),
		slog.String("entry_id", created.ID),
		slog.Uint64("sequence", created.Sequence),
		slog.Int("text_length", len(created.Text)),
	)

	s.publish(meetingID, Event{Type: EventCreated, Entry: created})
	return created, nil
}

// ListOrdered returns a snapshot of the meeting's entries in log order.
func (s *MemoryStore) ListOrdered(ctx context.Context, meetingID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.meetings[meetingID]
	out := make([]Entry, len(log))
	for i, e := range log {
		out[i] = *e
	}

	// Appends keep the log sorted already; this keeps the contract explicit.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Edit replaces the text of an entry on behalf of its author. The first edit
// preserves the pre-edit text in OriginalText; later edits leave it untouched.
func (s *MemoryStore) Edit(ctx context.Context, entryID, requesterID, newText string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if strings.TrimSpace(newText) == "" {
		return Entry{}, fmt.Errorf("edit: new text is required: %w", ErrInvalidInput)
	}

	s.mu.Lock()
	entry, ok := s.byID[entryID]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("edit %s: %w", entryID, ErrNotFound)
	}
	if entry.AuthorID != requesterID {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("edit %s: %w", entryID, ErrForbidden)
	}

	if entry.OriginalText == nil {
		original := entry.Text
		entry.OriginalText = &original
	}
	entry.Text = newText
	entry.IsEdited = true
	entry.Revision++
	updated := *entry
	s.mu.Unlock()

	s.logger.Debug("Transcript entry edited",
		slog.String("meeting_id", updated.MeetingID),
		slog.String("entry_id", updated.ID),
	)

	s.publish(updated.MeetingID, Event{Type: EventUpdated, Entry: updated})
	return updated, nil
}

// Get returns a single entry by id.
func (s *MemoryStore) Get(ctx context.Context, entryID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byID[entryID]
	if !ok {
		return Entry{}, fmt.Errorf("get %s: %w", entryID, ErrNotFound)
	}
	return *entry, nil
}

// Subscribe registers for change events of one meeting. The returned cancel
// function unregisters and closes the channel. Slow subscribers lose events
// rather than block writers; a full ListOrdered resynchronizes them.
func (s *MemoryStore) Subscribe(meetingID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	s.subMu.Lock()
	subs, ok := s.subscribers[meetingID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		s.subscribers[meetingID] = subs
	}
	subs[sub] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers[meetingID], sub)
			if len(s.subscribers[meetingID]) == 0 {
				delete(s.subscribers, meetingID)
			}
			close(sub.ch)
			s.subMu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (s *MemoryStore) publish(meetingID string, event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for sub := range s.subscribers[meetingID] {
		select {
		case sub.ch <- event:
		default:
			s.dropped++
			s.logger.Warn("Dropping transcript event for slow subscriber",
				slog.String("meeting_id", meetingID),
				slog.String("entry_id", event.Entry.ID),
			)
		}
	}
}

// GetStats returns current store statistics
func (s *MemoryStore) GetStats() StoreStats {
	s.mu.RLock()
	stats := StoreStats{
		Meetings: len(s.meetings),
		Entries:  len(s.byID),
	}
	s.mu.RUnlock()

	s.subMu.Lock()
	for _, subs := range s.subscribers {
		stats.Subscribers += len(subs)
	}
	stats.DroppedEvents = s.dropped
	s.subMu.Unlock()

	return stats
}
