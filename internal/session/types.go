package session

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

const (
	// MaxTranscriptRunes bounds the accepted transcript length after trimming.
	MaxTranscriptRunes = 500
	// MaxSessionAge is how long a session stays validatable after creation.
	MaxSessionAge = 5 * time.Minute
)

var (
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionSuperseded  = errors.New("session superseded")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDestinationMissing = errors.New("destination missing")
)

// VoiceSession is one user attempt to speak a destination.
type VoiceSession struct {
	ID          string    `json:"session_id"`
	RecordingID string    `json:"recording_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
	Transcript  string    `json:"transcript,omitempty"`
	Destination string    `json:"destination,omitempty"`
	IsValidated bool      `json:"is_validated"`
	FailureCode string    `json:"failure_code,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// Reason discriminates validation failures.
type Reason string

const (
	ReasonEmptyTranscript   Reason = "empty_transcript"
	ReasonTooLong           Reason = "too_long"
	ReasonNoActiveSession   Reason = "no_active_session"
	ReasonSessionMismatch   Reason = "session_mismatch"
	ReasonSessionExpired    Reason = "session_expired"
	ReasonSuspiciousContent Reason = "suspicious_content"
)

// Silent reports whether a failure comes from a stale or superseded session and
// must be dropped without any user-visible effect.
func (r Reason) Silent() bool {
	return r == ReasonSessionMismatch || r == ReasonSessionExpired
}

// UserFacing reports whether the failure should become a retryable prompt.
func (r Reason) UserFacing() bool {
	switch r {
	case ReasonEmptyTranscript, ReasonTooLong, ReasonSuspiciousContent:
		return true
	default:
		return false
	}
}

// ValidationError is returned by the transcript gate. It is an expected outcome,
// not a fault.
type ValidationError struct {
	Reason    Reason
	SessionID string
}

func (e *ValidationError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("transcript rejected: %s", e.Reason)
	}
	return fmt.Sprintf("transcript rejected for session %s: %s", e.SessionID, e.Reason)
}

// ReasonOf extracts the validation reason from err, or "" when err is not a
// validation failure.
func ReasonOf(err error) Reason {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}
