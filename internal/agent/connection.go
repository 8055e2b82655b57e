package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/wayfarer/internal/observability"
	"github.com/ent0n29/wayfarer/internal/protocol"
	"github.com/ent0n29/wayfarer/internal/reliability"
	"github.com/gorilla/websocket"
)

// Connector opens voice agent connections with the configured retry policy.
type Connector struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewConnector(cfg Config, dialer Dialer, logger *slog.Logger, metrics *observability.Metrics) *Connector {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{cfg: cfg.withDefaults(), dialer: dialer, logger: logger, metrics: metrics}
}

// Connect dials the agent for sessionID, sends the settings message and
// returns a connection whose first event is Connected. onAttempt, if set, is
// called before each dial with the 1-based attempt number.
func (c *Connector) Connect(ctx context.Context, sessionID string, onAttempt func(attempt int)) (*Connection, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrConfiguration)
	}
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrConfiguration)
	}
	settings, err := json.Marshal(c.cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("%w: encode settings: %v", ErrConfiguration, err)
	}

	logger := c.logger.With("session_id", sessionID)
	policy := reliability.RetryPolicy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BackoffBase,
		MaxDelay:    c.cfg.BackoffCap,
	}

	var (
		conn     Conn
		attempts int
	)
	err = reliability.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if onAttempt != nil {
			onAttempt(attempt)
		}
		started := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()

		ws, err := c.dialer.Dial(attemptCtx, c.cfg.URL, authHeader(c.cfg.APIKey))
		if err != nil {
			c.metrics.ObserveConnectAttempt("failed")
			logger.Warn("voice agent dial failed", "attempt", attempt, "error", err)
			var hs *HandshakeError
			if errors.As(err, &hs) && !reliability.IsRetryableHandshakeStatus(hs.StatusCode) {
				return reliability.Permanent(err)
			}
			return err
		}
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, settings); err != nil {
			_ = ws.Close()
			c.metrics.ObserveConnectAttempt("failed")
			logger.Warn("voice agent settings write failed", "attempt", attempt, "error", err)
			return fmt.Errorf("send settings: %w", err)
		}
		c.metrics.ObserveConnectAttempt("ok")
		c.metrics.ObserveStage("connect_attempt", time.Since(started))
		conn = ws
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
	}
	if attempts > 1 {
		c.metrics.ObserveIndicator("connect_retry")
	}
	logger.Info("voice agent connected", "attempt", attempts)

	cn := newConnection(sessionID, conn, c.cfg, logger, c.metrics)
	cn.events <- protocol.Connected{Attempt: attempts}
	go cn.readLoop()
	return cn, nil
}

// Connection is one open socket to the voice agent, bound to the session that
// was current when it was opened.
type Connection struct {
	sessionID    string
	conn         Conn
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	requestID string
	pending   map[string]struct{}
	acked     map[string]struct{}

	events    chan protocol.AgentEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(sessionID string, conn Conn, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Connection {
	return &Connection{
		sessionID:    sessionID,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		metrics:      metrics,
		state:        StateConnected,
		pending:      make(map[string]struct{}),
		acked:        make(map[string]struct{}),
		events:       make(chan protocol.AgentEvent, cfg.EventBuffer),
		done:         make(chan struct{}),
	}
}

func (c *Connection) SessionID() string { return c.sessionID }

// Events yields inbound agent events. The channel is closed after Disconnected.
func (c *Connection) Events() <-chan protocol.AgentEvent { return c.events }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestID is the id the agent assigned in its welcome message.
func (c *Connection) RequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID
}

// SendAudio writes one binary audio frame. Frames go out in call order.
func (c *Connection) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.write(websocket.BinaryMessage, chunk)
}

// RespondFunctionCall sends the single acknowledgement for callID.
func (c *Connection) RespondFunctionCall(callID string, success bool, message string) error {
	c.mu.Lock()
	if _, ok := c.acked[callID]; ok {
		c.mu.Unlock()
		return ErrAlreadyAcknowledged
	}
	if _, ok := c.pending[callID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFunctionCallID, callID)
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.pending, callID)
	c.acked[callID] = struct{}{}
	c.mu.Unlock()

	return c.writeJSON(protocol.NewFunctionCallResponse(callID, success, message))
}

// Close acknowledges outstanding function calls as failed, closes the socket
// and emits Disconnected with a nil error. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.state == StateConnected
		c.state = StateDisconnected
		var unanswered []string
		for id := range c.pending {
			unanswered = append(unanswered, id)
			c.acked[id] = struct{}{}
		}
		c.pending = map[string]struct{}{}
		c.mu.Unlock()

		if wasConnected {
			for _, id := range unanswered {
				if werr := c.writeJSON(protocol.NewFunctionCallResponse(id, false, "session ended")); werr != nil {
					c.logger.Warn("function call ack on close failed", "function_call_id", id, "error", werr)
				}
			}
		}
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) readLoop() {
	var readErr error
	defer func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.pending = map[string]struct{}{}
		c.mu.Unlock()

		select {
		case <-c.done:
			select {
			case c.events <- protocol.Disconnected{}:
			default:
			}
		default:
			c.logger.Warn("voice agent connection dropped", "error", readErr)
			c.emit(protocol.Disconnected{Err: readErr})
			_ = c.conn.Close()
		}
		close(c.events)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		if messageType == websocket.BinaryMessage {
			if !c.emit(protocol.AudioFrame{Bytes: data}) {
				return
			}
			continue
		}

		evt, err := protocol.ParseAgentMessage(data)
		if err != nil {
			c.metrics.ObserveAgentEvent("malformed")
			c.logger.Warn("voice agent message skipped", "error", err)
			continue
		}
		switch e := evt.(type) {
		case protocol.Welcome:
			c.mu.Lock()
			c.requestID = e.RequestID
			c.mu.Unlock()
			c.logger.Debug("voice agent welcome", "request_id", e.RequestID)
			continue
		case protocol.FunctionCall:
			c.mu.Lock()
			if _, done := c.acked[e.CallID]; !done {
				c.pending[e.CallID] = struct{}{}
			}
			c.mu.Unlock()
		}
		if !c.emit(evt) {
			return
		}
	}
}

// emit delivers evt unless the connection was closed locally.
func (c *Connection) emit(evt protocol.AgentEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- evt:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *Connection) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("write voice agent frame: %w", err)
	}
	return nil
}
