package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableHandshakeStatus classifies websocket upgrade failures. Auth and
// client errors are permanent; overload and upstream faults are not.
func IsRetryableHandshakeStatus(code int) bool {
	if code == 0 {
		// No HTTP response at all: network or timeout.
		return true
	}
	return IsRetryableHTTPStatus(code) || code == 408
}

// IsRetryableAgentErrorCode classifies voice agent error codes that a fresh
// session may recover from.
func IsRetryableAgentErrorCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "CLIENT_MESSAGE_TIMEOUT":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
