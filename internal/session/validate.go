package session

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ValidateTranscript is the single gate through which recognized text may
// become visible state. It depends only on its inputs; now is the only clock.
// Rules run in order and the first failure wins.
func ValidateTranscript(text, candidateSessionID string, current *VoiceSession, now time.Time) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &ValidationError{Reason: ReasonEmptyTranscript, SessionID: candidateSessionID}
	}
	if utf8.RuneCountInString(trimmed) > MaxTranscriptRunes {
		return "", &ValidationError{Reason: ReasonTooLong, SessionID: candidateSessionID}
	}
	if current == nil {
		return "", &ValidationError{Reason: ReasonNoActiveSession, SessionID: candidateSessionID}
	}
	if candidateSessionID != current.ID {
		return "", &ValidationError{Reason: ReasonSessionMismatch, SessionID: candidateSessionID}
	}
	if now.Sub(current.CreatedAt) > MaxSessionAge {
		return "", &ValidationError{Reason: ReasonSessionExpired, SessionID: candidateSessionID}
	}
	if isSymbolNoise(trimmed) {
		return "", &ValidationError{Reason: ReasonSuspiciousContent, SessionID: candidateSessionID}
	}
	return trimmed, nil
}

// isSymbolNoise is true when every rune is neither alphanumeric nor
// whitespace, e.g. "?!...", "___" or "♪♪".
func isSymbolNoise(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
