package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrOwnerMismatch is returned when a session id is reused by another
	// author or for another meeting.
	ErrOwnerMismatch = errors.New("session belongs to another author or meeting")
)

// Outcome classifies the result of one window submission.
type Outcome int

const (
	OutcomeTranscribed Outcome = iota
	OutcomeNoSpeech
	OutcomeTooShort
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTranscribed:
		return "transcribed"
	case OutcomeNoSpeech:
		return "no_speech"
	case OutcomeTooShort:
		return "too_short"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the server-side record of one recording session's chunks
type Session struct {
	ID           string
	MeetingID    string
	AuthorID     string
	StartTime    time.Time
	LastActivity time.Time

	// Window accounting
	windowsReceived    uint64
	windowsTranscribed uint64
	windowsNoSpeech    uint64
	windowsTooShort    uint64
	windowsFailed      uint64

	texts []string

	mu sync.RWMutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID          string        `json:"session_id"`
	MeetingID          string        `json:"meeting_id"`
	AuthorID           string        `json:"author_id"`
	StartTime          time.Time     `json:"start_time"`
	LastActivity       time.Time     `json:"last_activity"`
	Duration           time.Duration `json:"duration"`
	WindowsReceived    uint64        `json:"windows_received"`
	WindowsTranscribed uint64        `json:"windows_transcribed"`
	WindowsNoSpeech    uint64        `json:"windows_no_speech"`
	WindowsTooShort    uint64        `json:"windows_too_short"`
	WindowsFailed      uint64        `json:"windows_failed"`
	Transcript         string        `json:"transcript,omitempty"`
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Timeout         time.Duration // inactivity before a session expires
	CleanupInterval time.Duration

	// OnCountChange is called with the number of sessions after every
	// creation or removal.
	OnCountChange func(active int)
}

// Manager is the keyed registry of chunk sessions with TTL expiry
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}

	now func() time.Time
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
		now:      time.Now,
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Touch returns the session for sessionID, creating it on first use, and
// marks it active. A session id stays bound to the meeting and author that
// created it.
func (m *Manager) Touch(sessionID, meetingID, authorID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	now := m.now()

	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		session = &Session{
			ID:           sessionID,
			MeetingID:    meetingID,
			AuthorID:     authorID,
			StartTime:    now,
			LastActivity: now,
		}
		m.sessions[sessionID] = session
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		m.logger.Info("Created chunk session",
			slog.String("session_id", sessionID),
			slog.String("meeting_id", meetingID),
			slog.String("author_id", authorID),
		)
		m.notifyCount(count)
		return session, nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.MeetingID != meetingID || session.AuthorID != authorID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrOwnerMismatch)
	}
	session.LastActivity = now
	return session, nil
}

// Record accounts one window outcome and, for transcribed windows, keeps the text.
func (s *Session) Record(outcome Outcome, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windowsReceived++
	switch outcome {
	case OutcomeTranscribed:
		s.windowsTranscribed++
		if text != "" {
			s.texts = append(s.texts, text)
		}
	case OutcomeNoSpeech:
		s.windowsNoSpeech++
	case OutcomeTooShort:
		s.windowsTooShort++
	case OutcomeFailed:
		s.windowsFailed++
	}
}

// Transcript returns the texts transcribed in this session, space separated.
func (s *Session) Transcript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Join(s.texts, " ")
}

// GetSessionInfo returns a snapshot of the session
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		SessionID:          s.ID,
		MeetingID:          s.MeetingID,
		AuthorID:           s.AuthorID,
		StartTime:          s.StartTime,
		LastActivity:       s.LastActivity,
		Duration:           s.LastActivity.Sub(s.StartTime),
		WindowsReceived:    s.windowsReceived,
		WindowsTranscribed: s.windowsTranscribed,
		WindowsNoSpeech:    s.windowsNoSpeech,
		WindowsTooShort:    s.windowsTooShort,
		WindowsFailed:      s.windowsFailed,
		Transcript:         strings.Join(s.texts, " "),
	}
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns session snapshots ordered by start time, optionally
// restricted to one meeting
func (m *Manager) GetAllSessions(meetingID string) []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		info := session.GetSessionInfo()
		if meetingID != "" && info.MeetingID != meetingID {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartTime.Equal(infos[j].StartTime) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// RemoveSession removes a session from the registry
func (m *Manager) RemoveSession(sessionID string) bool {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	info := session.GetSessionInfo()
	m.logger.Info("Chunk session removed",
		slog.String("session_id", sessionID),
		slog.String("meeting_id", info.MeetingID),
		slog.Duration("duration", info.Duration),
		slog.Uint64("windows_received", info.WindowsReceived),
		slog.Uint64("windows_transcribed", info.WindowsTranscribed),
		slog.Uint64("windows_failed", info.WindowsFailed),
	)
	m.notifyCount(count)
	return true
}

// Stop stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
	)
}

func (m *Manager) notifyCount(count int) {
	if m.config.OnCountChange != nil {
		m.config.OnCountChange(count)
	}
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Session cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() int {
	now := m.now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
			slog.Duration("timeout", m.config.Timeout),
		)
	}

	for _, id := range expired {
		m.RemoveSession(id)
	}
	return len(expired)
}
