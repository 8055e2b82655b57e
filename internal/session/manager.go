package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the identity and lifecycle of voice-input attempts for one
// owner. Exactly one session is current at a time; creating a new one
// discards the previous one.
type Manager struct {
	mu      sync.RWMutex
	current *VoiceSession
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for creation stamps and expiry checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

// CreateSession mints a new current session in the recording state. Any
// previous session stops being current immediately.
func (m *Manager) CreateSession() *VoiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &VoiceSession{
		ID:          uuid.NewString(),
		RecordingID: uuid.NewString(),
		CreatedAt:   m.now(),
		Status:      StatusIdle,
	}
	// idle -> recording happens before the session is visible to anyone.
	s.Status = StatusRecording
	m.current = s
	return clone(s)
}

func (m *Manager) Current() (*VoiceSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	return clone(m.current), true
}

// IsCurrent reports whether sessionID names the live session.
func (m *Manager) IsCurrent(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.ID == sessionID
}

// ValidateTranscript runs the gate against the current session without
// mutating it.
func (m *Manager) ValidateTranscript(text, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ValidateTranscript(text, sessionID, m.current, m.now())
}

// AcceptTranscript validates text and, on success, completes the current
// session with it.
func (m *Manager) AcceptTranscript(text, sessionID string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	validated, err := ValidateTranscript(text, sessionID, m.current, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.transitionLocked(StatusCompleted); err != nil {
		return nil, err
	}
	m.current.Transcript = validated
	m.current.IsValidated = true
	return clone(m.current), nil
}

// CompleteWithDestination completes the current session from a structured
// agent function call. It only applies while the session is still
// recording or processing.
func (m *Manager) CompleteWithDestination(sessionID, destination string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireCurrentLocked(sessionID); err != nil {
		return nil, err
	}
	switch m.current.Status {
	case StatusRecording, StatusProcessing:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current.Status, StatusCompleted)
	}
	validated, err := ValidateTranscript(destination, sessionID, m.current, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.transitionLocked(StatusCompleted); err != nil {
		return nil, err
	}
	m.current.Destination = validated
	m.current.Transcript = validated
	m.current.IsValidated = true
	return clone(m.current), nil
}

// MarkProcessing records that capture stopped for sessionID.
func (m *Manager) MarkProcessing(sessionID string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireCurrentLocked(sessionID); err != nil {
		return nil, err
	}
	if err := m.transitionLocked(StatusProcessing); err != nil {
		return nil, err
	}
	return clone(m.current), nil
}

// Fail moves sessionID to the terminal error state with code.
func (m *Manager) Fail(sessionID, code string) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireCurrentLocked(sessionID); err != nil {
		return nil, err
	}
	if err := m.transitionLocked(StatusError); err != nil {
		return nil, err
	}
	m.current.FailureCode = code
	return clone(m.current), nil
}

// ClearSession drops the current session and returns it, or nil when there
// was none.
func (m *Manager) ClearSession() *VoiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := clone(m.current)
	m.current = nil
	return out
}

func (m *Manager) requireCurrentLocked(sessionID string) error {
	if m.current == nil {
		return ErrNoActiveSession
	}
	if m.current.ID != sessionID {
		return ErrSessionSuperseded
	}
	return nil
}

func (m *Manager) transitionLocked(to Status) error {
	from := m.current.Status
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current.Status = to
	if to.Terminal() {
		m.current.EndedAt = m.now()
	}
	return nil
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusIdle:
		return to == StatusRecording
	case StatusRecording:
		return to == StatusProcessing || to == StatusCompleted || to == StatusError
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}

func clone(s *VoiceSession) *VoiceSession {
	c := *s
	return &c
}
