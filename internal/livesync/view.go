package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Only-tech/agglo-transcribe/internal/transcript"
)

// ErrNotEditing is returned when committing an entry that has no edit open
var ErrNotEditing = errors.New("entry is not being edited")

// Editor persists an edit of one of the local user's entries
type Editor interface {
	EditEntry(ctx context.Context, entryID, newText string) (transcript.Entry, error)
}

// Snapshot is the render state handed to observers
type Snapshot struct {
	Entries    []transcript.Entry
	Editing    []string // ids with an open local edit
	Processing bool
}

// Change reports what one reconciliation did
type Change struct {
	Inserted []string
	Updated  []string
	Deferred []string // updates held back by an open edit
}

// Empty reports whether the reconciliation changed nothing visible
func (c Change) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0
}

// View is the local render state of one meeting's transcript
type View struct {
	mu       sync.Mutex
	order    []string
	entries  map[string]transcript.Entry
	editing  map[string]bool
	deferred map[string]transcript.Entry
	pending  int

	onChange func(Snapshot)
}

// NewView creates an empty view. onChange, if set, is called after every
// visible change outside the view's lock.
func NewView(onChange func(Snapshot)) *View {
	return &View{
		entries:  make(map[string]transcript.Entry),
		editing:  make(map[string]bool),
		deferred: make(map[string]transcript.Entry),
		onChange: onChange,
	}
}

// Reconcile merges entries by id. New ids are inserted at their timestamp
// position; known ids get their text and edit state updated unless the local
// user is editing them. Rendered entries never move relative to each other.
func (v *View) Reconcile(entries []transcript.Entry) Change {
	v.mu.Lock()
	var change Change
	for _, e := range entries {
		v.mergeLocked(e, &change)
	}
	snap, notify := v.snapshotLocked(), !change.Empty()
	v.mu.Unlock()

	if notify {
		v.notify(snap)
	}
	return change
}

// Apply merges a single pushed event
func (v *View) Apply(event transcript.Event) Change {
	return v.Reconcile([]transcript.Entry{event.Entry})
}

func (v *View) mergeLocked(e transcript.Entry, change *Change) {
	current, known := v.entries[e.ID]
	if !known {
		v.insertLocked(e)
		change.Inserted = append(change.Inserted, e.ID)
		return
	}

	// An event buffered before a resync listing can be older than what it
	// listed
	if e.Revision < current.Revision {
		return
	}

	if v.editing[e.ID] {
		if contentDiffers(current, e) {
			v.deferred[e.ID] = e
			change.Deferred = append(change.Deferred, e.ID)
		}
		return
	}

	if contentDiffers(current, e) {
		v.entries[e.ID] = withContent(current, e)
		change.Updated = append(change.Updated, e.ID)
	}
}

// insertLocked places e before the first rendered entry that sorts after it
func (v *View) insertLocked(e transcript.Entry) {
	pos := len(v.order)
	for i, id := range v.order {
		if e.Before(v.entries[id]) {
			pos = i
			break
		}
	}
	v.order = append(v.order, "")
	copy(v.order[pos+1:], v.order[pos:])
	v.order[pos] = e.ID
	v.entries[e.ID] = e
}

func contentDiffers(a, b transcript.Entry) bool {
	if a.Text != b.Text || a.IsEdited != b.IsEdited {
		return true
	}
	if (a.OriginalText == nil) != (b.OriginalText == nil) {
		return true
	}
	return a.OriginalText != nil && *a.OriginalText != *b.OriginalText
}

// withContent keeps current's position fields and takes next's editable fields
func withContent(current, next transcript.Entry) transcript.Entry {
	current.Text = next.Text
	current.IsEdited = next.IsEdited
	current.OriginalText = next.OriginalText
	current.Revision = next.Revision
	return current
}

// BeginEdit opens a local edit and returns the text to prefill
func (v *View) BeginEdit(entryID string) (string, bool) {
	v.mu.Lock()
	e, ok := v.entries[entryID]
	if ok {
		v.editing[entryID] = true
	}
	snap := v.snapshotLocked()
	v.mu.Unlock()

	if ok {
		v.notify(snap)
	}
	return e.Text, ok
}

// CommitEdit saves the edit through editor and closes it. On failure the edit
// stays open so the user can retry or cancel.
func (v *View) CommitEdit(ctx context.Context, editor Editor, entryID, newText string) (transcript.Entry, error) {
	v.mu.Lock()
	open := v.editing[entryID]
	v.mu.Unlock()
	if !open {
		return transcript.Entry{}, fmt.Errorf("commit %s: %w", entryID, ErrNotEditing)
	}

	saved, err := editor.EditEntry(ctx, entryID, newText)
	if err != nil {
		return transcript.Entry{}, err
	}

	v.mu.Lock()
	delete(v.editing, entryID)
	delete(v.deferred, entryID)
	if current, ok := v.entries[entryID]; ok {
		v.entries[entryID] = withContent(current, saved)
	}
	snap := v.snapshotLocked()
	v.mu.Unlock()

	v.notify(snap)
	return saved, nil
}

// CancelEdit closes the edit and applies any update that arrived meanwhile
func (v *View) CancelEdit(entryID string) {
	v.mu.Lock()
	if !v.editing[entryID] {
		v.mu.Unlock()
		return
	}
	delete(v.editing, entryID)
	if next, ok := v.deferred[entryID]; ok {
		v.entries[entryID] = withContent(v.entries[entryID], next)
		delete(v.deferred, entryID)
	}
	snap := v.snapshotLocked()
	v.mu.Unlock()

	v.notify(snap)
}

// SetProcessing records the number of outstanding submissions. The
// indicator is local state only.
func (v *View) SetProcessing(pending int) {
	v.mu.Lock()
	was := v.pending > 0
	v.pending = pending
	changed := was != (pending > 0)
	snap := v.snapshotLocked()
	v.mu.Unlock()

	if changed {
		v.notify(snap)
	}
}

// Processing reports whether any submission is outstanding
func (v *View) Processing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending > 0
}

// Entries returns the rendered entries in display order
func (v *View) Entries() []transcript.Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entriesLocked()
}

// Snapshot returns the current render state
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *View) entriesLocked() []transcript.Entry {
	out := make([]transcript.Entry, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.entries[id])
	}
	return out
}

func (v *View) snapshotLocked() Snapshot {
	snap := Snapshot{
		Entries:    v.entriesLocked(),
		Processing: v.pending > 0,
	}
	for _, id := range v.order {
		if v.editing[id] {
			snap.Editing = append(snap.Editing, id)
		}
	}
	return snap
}

func (v *View) notify(snap Snapshot) {
	if v.onChange != nil {
		v.onChange(snap)
	}
}
