package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, config ManagerConfig) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := NewManager(logger, config)
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestNewManagerDefaults(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	if mgr.config.Timeout != 30*time.Minute {
		t.Errorf("Expected default timeout 30m, got %v", mgr.config.Timeout)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestTouchCreatesAndReuses(t *testing.T) {
	var counts []int
	mgr := newTestManager(t, ManagerConfig{
		OnCountChange: func(n int) { counts = append(counts, n) },
	})

	first, err := mgr.Touch("s1", "m1", "alice")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	again, err := mgr.Touch("s1", "m1", "alice")
	if err != nil {
		t.Fatalf("Second touch failed: %v", err)
	}
	if first != again {
		t.Error("Expected the same session for the same id")
	}
	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 session, got %d", mgr.GetActiveSessionCount())
	}
	if len(counts) != 1 || counts[0] != 1 {
		t.Errorf("Expected one count notification, got %v", counts)
	}
}

func TestTouchRejectsOtherOwner(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})
	mgr.Touch("s1", "m1", "alice")

	tests := []struct {
		name      string
		meetingID string
		authorID  string
	}{
		{"other author", "m1", "bob"},
		{"other meeting", "m2", "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := mgr.Touch("s1", tt.meetingID, tt.authorID); !errors.Is(err, ErrOwnerMismatch) {
				t.Errorf("Expected ErrOwnerMismatch, got %v", err)
			}
		})
	}

	if _, err := mgr.Touch("", "m1", "alice"); err == nil {
		t.Error("Expected error for empty session id")
	}
}

func TestRecordOutcomes(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})
	s, _ := mgr.Touch("s1", "m1", "alice")

	s.Record(OutcomeTranscribed, "hello")
	s.Record(OutcomeNoSpeech, "")
	s.Record(OutcomeTooShort, "")
	s.Record(OutcomeFailed, "")
	s.Record(OutcomeTranscribed, "world")

	info := s.GetSessionInfo()
	if info.WindowsReceived != 5 || info.WindowsTranscribed != 2 || info.WindowsNoSpeech != 1 ||
		info.WindowsTooShort != 1 || info.WindowsFailed != 1 {
		t.Errorf("Unexpected counters: %+v", info)
	}
	if s.Transcript() != "hello world" {
		t.Errorf("Expected accumulated transcript, got %q", s.Transcript())
	}
}

func TestGetAllSessionsFiltersAndOrders(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	offsets := map[string]time.Duration{"b": time.Second, "a": 2 * time.Second, "c": 0}

	for _, id := range []string{"b", "a", "c"} {
		at := base.Add(offsets[id])
		mgr.now = func() time.Time { return at }
		meeting := "m1"
		if id == "c" {
			meeting = "m2"
		}
		mgr.Touch(id, meeting, "alice")
	}

	all := mgr.GetAllSessions("")
	if len(all) != 3 || all[0].SessionID != "c" || all[1].SessionID != "b" || all[2].SessionID != "a" {
		t.Errorf("Unexpected order: %+v", all)
	}
	if m1 := mgr.GetAllSessions("m1"); len(m1) != 2 {
		t.Errorf("Expected 2 sessions for m1, got %d", len(m1))
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{Timeout: time.Minute, CleanupInterval: time.Hour})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mgr.now = func() time.Time { return base }
	mgr.Touch("old", "m1", "alice")

	mgr.now = func() time.Time { return base.Add(50 * time.Second) }
	mgr.Touch("fresh", "m1", "bob")

	mgr.now = func() time.Time { return base.Add(90 * time.Second) }
	if removed := mgr.cleanupExpiredSessions(); removed != 1 {
		t.Errorf("Expected 1 expired session, got %d", removed)
	}
	if _, ok := mgr.GetSession("old"); ok {
		t.Error("Expected old session to be removed")
	}
	if _, ok := mgr.GetSession("fresh"); !ok {
		t.Error("Expected fresh session to survive")
	}
}

func TestRemoveSession(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})
	mgr.Touch("s1", "m1", "alice")

	if !mgr.RemoveSession("s1") {
		t.Error("Expected removal to succeed")
	}
	if mgr.RemoveSession("s1") {
		t.Error("Expected second removal to report false")
	}
}

func TestConcurrentTouch(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := mgr.Touch("shared", "m1", "alice")
				if err != nil {
					t.Errorf("Touch failed: %v", err)
					return
				}
				s.Record(OutcomeTranscribed, "x")
			}
		}()
	}
	wg.Wait()

	s, _ := mgr.GetSession("shared")
	if info := s.GetSessionInfo(); info.WindowsReceived != 1000 {
		t.Errorf("Expected 1000 windows, got %d", info.WindowsReceived)
	}
}
