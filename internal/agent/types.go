package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ent0n29/wayfarer/internal/protocol"
	"github.com/gorilla/websocket"
)

// State of a voice agent connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// DefaultURL is the voice agent converse endpoint.
const DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

var (
	// ErrConfiguration means the connection cannot be attempted at all.
	ErrConfiguration = errors.New("voice agent not configured")
	// ErrCouldNotConnect is returned once every connect attempt failed.
	ErrCouldNotConnect       = errors.New("could not connect to voice agent")
	ErrNotConnected          = errors.New("voice agent not connected")
	ErrAlreadyAcknowledged   = errors.New("function call already acknowledged")
	ErrUnknownFunctionCallID = errors.New("unknown function call id")
)

// Config controls dialing and the session settings sent on open.
type Config struct {
	URL      string
	APIKey   string
	Settings protocol.AgentSettings

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	EventBuffer    int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 4 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Conn is the subset of *websocket.Conn the connection uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the transport to the voice agent.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// HandshakeError carries the HTTP status of a failed upgrade. StatusCode is 0
// when no response was received.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("dial voice agent: %v", e.Err)
	}
	return fmt.Sprintf("dial voice agent: status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, &HandshakeError{StatusCode: status, Err: err}
	}
	return conn, nil
}

func authHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+apiKey)
	return h
}
