package history

import (
	"context"
	"time"
)

// SessionRecord is the persisted outcome of one finished voice session.
type SessionRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	RecordingID string    `json:"recording_id"`
	Status      string    `json:"status"`
	Transcript  string    `json:"transcript,omitempty"`
	Destination string    `json:"destination,omitempty"`
	FailureCode string    `json:"failure_code,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Store persists finished sessions.
type Store interface {
	Save(ctx context.Context, record SessionRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

const defaultRecentLimit = 20
