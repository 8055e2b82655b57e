package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/wayfarer/internal/agent"
	"github.com/ent0n29/wayfarer/internal/audio"
	"github.com/ent0n29/wayfarer/internal/events"
	"github.com/ent0n29/wayfarer/internal/history"
	"github.com/ent0n29/wayfarer/internal/navigation"
	"github.com/ent0n29/wayfarer/internal/observability"
	"github.com/ent0n29/wayfarer/internal/policy"
	"github.com/ent0n29/wayfarer/internal/protocol"
	"github.com/ent0n29/wayfarer/internal/reliability"
	"github.com/ent0n29/wayfarer/internal/session"
)

// Failure codes reported in session_failed and error_event messages.
const (
	CodeCouldNotConnect   = "could_not_connect"
	CodeConfiguration     = "configuration"
	CodeCapture           = "capture"
	CodeNoResult          = "no_result"
	CodeAgentDisconnected = "agent_disconnected"
	CodeAudioSendFailed   = "audio_send_failed"
	CodeBadAudio          = "bad_audio"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	sessionSaveTimeout  = 2 * time.Second
)

type Config struct {
	ChunkInterval time.Duration
	// ProcessingGrace is how long to wait after stop for a result.
	ProcessingGrace time.Duration
	GeocodeTimeout  time.Duration
	// OutputFormat labels assistant audio chunks for the client.
	OutputFormat string
}

func (c Config) withDefaults() Config {
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = audio.DefaultChunkInterval
	}
	if c.ProcessingGrace <= 0 {
		c.ProcessingGrace = 4 * time.Second
	}
	if c.GeocodeTimeout <= 0 {
		c.GeocodeTimeout = 2 * time.Second
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "linear16"
	}
	return c
}

// Dependencies are shared by every controller. Only Connector is required.
type Dependencies struct {
	Connector AgentConnector
	Geocoder  navigation.Geocoder
	History   history.Store
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Service creates one Controller per client connection.
type Service struct {
	cfg  Config
	deps Dependencies
}

func NewService(cfg Config, deps Dependencies) *Service {
	return &Service{cfg: cfg, deps: deps}
}

// RunConnection drives one client connection until inbound closes or ctx ends.
func (s *Service) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	return NewController(s.cfg, s.deps).Run(ctx, inbound, outbound)
}

type connectAttempt struct {
	sessionID string
	attempt   int
}

type connectResult struct {
	sessionID string
	conn      AgentSession
	err       error
	latency   time.Duration
}

type geocodeResult struct {
	sessionID  string
	candidates []protocol.PlaceCandidate
	err        error
}

// Controller owns the session manager, the agent connection and audio capture
// for one client. All fields below sessions are touched only by Run.
type Controller struct {
	cfg       Config
	connector AgentConnector
	geocoder  navigation.Geocoder
	store     history.Store
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	sessions  *session.Manager

	ctx  context.Context
	out  chan<- any
	done chan struct{}

	attempts       chan connectAttempt
	connectResults chan connectResult
	geocodeResults chan geocodeResult
	connectCancel  context.CancelFunc

	conn       AgentSession
	connEvents <-chan protocol.AgentEvent

	chunker    *audio.Chunker
	ticker     *time.Ticker
	tickC      <-chan time.Time
	finalChunk []byte

	grace   *time.Timer
	graceC  <-chan time.Time
	graceID string

	active        bool
	startedAt     time.Time
	stoppedAt     time.Time
	candidate     string
	pendingReason session.Reason
	confirming    *session.VoiceSession
	audioSeq      int
}

func NewController(cfg Config, deps Dependencies) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:            cfg.withDefaults(),
		connector:      deps.Connector,
		geocoder:       deps.Geocoder,
		store:          deps.History,
		publisher:      deps.Publisher,
		metrics:        deps.Metrics,
		logger:         logger,
		sessions:       session.NewManager(),
		attempts:       make(chan connectAttempt, 8),
		connectResults: make(chan connectResult, 1),
		geocodeResults: make(chan geocodeResult, 1),
	}
}

// Sessions exposes the session manager owned by this controller.
func (c *Controller) Sessions() *session.Manager { return c.sessions }

// Run is the controller event loop. It returns when inbound is closed or ctx
// is done, after tearing down any live session.
func (c *Controller) Run(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	if c.connector == nil {
		return errors.New("voice controller: nil agent connector")
	}
	c.ctx = ctx
	c.out = outbound
	c.done = make(chan struct{})
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleInbound(msg)
		case evt, ok := <-c.connEvents:
			if !ok {
				c.detach()
				continue
			}
			c.handleAgentEvent(evt)
		case a := <-c.attempts:
			c.handleAttempt(a)
		case res := <-c.connectResults:
			c.handleConnectResult(res)
		case <-c.tickC:
			c.sendPendingAudio()
		case <-c.graceC:
			c.handleGraceExpired()
		case res := <-c.geocodeResults:
			c.handleGeocodeResult(res)
		}
	}
}

func (c *Controller) handleInbound(msg any) {
	switch m := msg.(type) {
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionStart:
			c.handleStart()
		case protocol.ActionStop:
			c.handleStop()
		case protocol.ActionCancel:
			c.handleCancel()
		case protocol.ActionCaptureError:
			c.handleCaptureError(m.Detail)
		}
	case protocol.ClientAudioChunk:
		if m.SessionID != "" && !c.sessions.IsCurrent(m.SessionID) {
			c.metrics.ObserveAudioChunk("stale_dropped")
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			c.send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: m.SessionID,
				Code:      CodeBadAudio,
				Source:    "client",
				Detail:    err.Error(),
			})
			return
		}
		c.capture(pcm)
	case protocol.ClientAudioFrame:
		c.capture(m.PCM)
	default:
		c.logger.Debug("ignoring inbound message", "type", fmt.Sprintf("%T", msg))
	}
}

func (c *Controller) handleStart() {
	prev, hadPrev := c.sessions.Current()
	c.teardown()
	if hadPrev {
		if !prev.Status.Terminal() {
			c.markInactive()
		}
		c.send(protocol.SessionCleared{Type: protocol.TypeSessionCleared, SessionID: prev.ID, Reason: "superseded"})
	}

	sess := c.sessions.CreateSession()
	c.markActive()
	c.startedAt = time.Now()
	c.stoppedAt = time.Time{}
	c.audioSeq = 0
	c.chunker = audio.NewChunker(audio.DefaultFormat)
	c.ticker = time.NewTicker(c.cfg.ChunkInterval)
	c.tickC = c.ticker.C

	c.logger.Info("voice session started", "session_id", sess.ID, "recording_id", sess.RecordingID)
	c.send(protocol.SessionStarted{
		Type:        protocol.TypeSessionStarted,
		SessionID:   sess.ID,
		RecordingID: sess.RecordingID,
		SampleRate:  audio.DefaultFormat.SampleRate,
		ChunkMS:     c.cfg.ChunkInterval.Milliseconds(),
	})
	c.connect(sess.ID)
}

func (c *Controller) connect(sessionID string) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.connectCancel = cancel
	done := c.done
	go func() {
		started := time.Now()
		conn, err := c.connector.Connect(ctx, sessionID, func(attempt int) {
			select {
			case c.attempts <- connectAttempt{sessionID: sessionID, attempt: attempt}:
			case <-ctx.Done():
			case <-done:
			}
		})
		res := connectResult{sessionID: sessionID, conn: conn, err: err, latency: time.Since(started)}
		select {
		case c.connectResults <- res:
		case <-done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *Controller) handleAttempt(a connectAttempt) {
	if !c.sessions.IsCurrent(a.sessionID) {
		return
	}
	c.send(protocol.ConnectionState{
		Type:      protocol.TypeConnectionState,
		SessionID: a.sessionID,
		State:     string(agent.StateConnecting),
		Attempt:   a.attempt,
	})
}

func (c *Controller) handleConnectResult(res connectResult) {
	cur, ok := c.sessions.Current()
	if !ok || cur.ID != res.sessionID || cur.Status.Terminal() {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}

	logger := c.logger.With("session_id", cur.ID)
	if res.err != nil {
		code := CodeCouldNotConnect
		if errors.Is(res.err, agent.ErrConfiguration) {
			code = CodeConfiguration
		}
		logger.Warn("voice agent connect failed", "code", code, "error", res.err)
		c.send(protocol.ConnectionState{
			Type:      protocol.TypeConnectionState,
			SessionID: cur.ID,
			State:     string(agent.StateDisconnected),
		})
		c.stopCapture()
		c.failSession(cur.ID, code, true, res.err.Error())
		return
	}

	c.conn = res.conn
	c.connEvents = res.conn.Events()
	c.metrics.ObserveConnectLatency(res.latency)

	// Audio captured while connecting goes out first, in order.
	c.sendPendingAudio()
	if c.finalChunk != nil {
		c.sendChunk(c.finalChunk, "final")
		c.finalChunk = nil
	}
	if cur.Status == session.StatusProcessing {
		c.armGrace(cur.ID)
	}
}

func (c *Controller) handleStop() {
	cur, ok := c.sessions.Current()
	if !ok || cur.Status != session.StatusRecording {
		return
	}
	if c.chunker != nil {
		tail := c.chunker.Flush()
		c.chunker = nil
		c.stopTicker()
		if c.conn != nil {
			c.sendChunk(tail, "final")
		} else {
			c.finalChunk = tail
		}
	}
	if _, err := c.sessions.MarkProcessing(cur.ID); err != nil {
		c.logger.Debug("stop ignored", "session_id", cur.ID, "error", err)
		return
	}
	c.stoppedAt = time.Now()
	// Still connecting: the connect outcome decides, and grace starts once the
	// tail has been sent.
	if c.conn != nil {
		c.armGrace(cur.ID)
	}
}

func (c *Controller) handleCancel() {
	cur, ok := c.sessions.Current()
	c.teardown()
	if !ok {
		return
	}
	c.sessions.ClearSession()
	if !cur.Status.Terminal() {
		c.markInactive()
	}
	c.send(protocol.SessionCleared{Type: protocol.TypeSessionCleared, SessionID: cur.ID, Reason: "cancelled"})
}

func (c *Controller) handleCaptureError(detail string) {
	cur, ok := c.sessions.Current()
	if !ok || cur.Status != session.StatusRecording {
		return
	}
	c.stopCapture()
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: cur.ID,
		Code:      "capture_failed",
		Source:    "capture",
		Retryable: false,
		Detail:    detail,
	})
	// The connection stays open until the next start, cancel or disconnect.
	c.failSession(cur.ID, CodeCapture, true, detail)
}

func (c *Controller) handleGraceExpired() {
	sessionID := c.graceID
	c.stopGrace()
	cur, ok := c.sessions.Current()
	if !ok || cur.ID != sessionID || cur.Status != session.StatusProcessing {
		return
	}
	if c.candidate != "" {
		sess, err := c.sessions.AcceptTranscript(c.candidate, sessionID)
		if err == nil {
			c.completeSession(sess)
			return
		}
		if reason := session.ReasonOf(err); reason != "" {
			c.failSession(sessionID, string(reason), reason.UserFacing(), "")
			c.closeConn()
			return
		}
	}
	code := CodeNoResult
	if c.pendingReason != "" {
		code = string(c.pendingReason)
	}
	c.failSession(sessionID, code, true, "")
	c.closeConn()
}

func (c *Controller) handleAgentEvent(evt protocol.AgentEvent) {
	c.metrics.ObserveAgentEvent(protocol.EventName(evt))
	sessionID := c.conn.SessionID()

	switch e := evt.(type) {
	case protocol.Connected:
		c.send(protocol.ConnectionState{
			Type:      protocol.TypeConnectionState,
			SessionID: sessionID,
			State:     string(agent.StateConnected),
			Attempt:   e.Attempt,
		})
	case protocol.ConfigAck:
		c.logger.Debug("voice agent settings applied", "session_id", sessionID)
	case protocol.TranscriptChunk:
		c.handleTranscript(sessionID, e)
	case protocol.FunctionCall:
		c.handleFunctionCall(sessionID, e)
	case protocol.AgentSpeakingChanged:
		c.send(protocol.AgentSpeaking{Type: protocol.TypeAgentSpeaking, SessionID: sessionID, Speaking: e.Speaking})
	case protocol.UserSpeechStarted:
		c.send(protocol.UserSpeaking{Type: protocol.TypeUserSpeaking, SessionID: sessionID})
	case protocol.AudioFrame:
		if c.audioSeq == 0 && !c.startedAt.IsZero() {
			c.metrics.ObserveStage("start_to_first_agent_audio", time.Since(c.startedAt))
		}
		c.audioSeq++
		c.send(protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   sessionID,
			Seq:         c.audioSeq,
			Format:      c.cfg.OutputFormat,
			AudioBase64: base64.StdEncoding.EncodeToString(e.Bytes),
		})
	case protocol.AgentError:
		c.logger.Warn("voice agent error", "session_id", sessionID, "code", e.Code, "message", e.Message)
		c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      e.Code,
			Source:    "agent",
			Retryable: reliability.IsRetryableAgentErrorCode(e.Code),
			Detail:    e.Message,
		})
	case protocol.Disconnected:
		c.handleDisconnected(sessionID, e)
	case protocol.Unknown:
		c.logger.Debug("voice agent message ignored", "session_id", sessionID, "type", e.Type)
	default:
		c.logger.Debug("voice agent event ignored", "session_id", sessionID, "event", protocol.EventName(evt))
	}
}

func (c *Controller) handleTranscript(sessionID string, chunk protocol.TranscriptChunk) {
	if chunk.Role != protocol.RoleUser {
		return
	}
	text, err := c.sessions.ValidateTranscript(chunk.Text, sessionID)
	if err != nil {
		reason := session.ReasonOf(err)
		c.metrics.ObserveTranscript(string(reason))
		if reason.UserFacing() {
			c.pendingReason = reason
		} else {
			c.logger.Debug("transcript dropped", "session_id", sessionID, "reason", reason)
		}
		return
	}
	cur, _ := c.sessions.Current()
	if cur.Status != session.StatusRecording && cur.Status != session.StatusProcessing {
		return
	}
	c.metrics.ObserveTranscript("accepted")
	if c.candidate == "" {
		c.candidate = text
	}
	c.pendingReason = ""
	c.send(protocol.TranscriptAccepted{Type: protocol.TypeTranscriptAccepted, SessionID: sessionID, Text: text})
}

func (c *Controller) handleFunctionCall(sessionID string, call protocol.FunctionCall) {
	logger := c.logger.With("session_id", sessionID, "function_call_id", call.CallID, "function", call.Name)
	destination, ok := call.Destination()
	if !ok {
		c.ack(call, false, "unsupported function or missing destination")
		return
	}

	sess, err := c.sessions.CompleteWithDestination(sessionID, destination)
	if err != nil {
		reason := session.ReasonOf(err)
		if reason.UserFacing() {
			c.pendingReason = reason
		}
		logger.Info("destination rejected", "error", err)
		c.ack(call, false, "destination rejected")
		return
	}
	c.ack(call, true, "navigating to "+sess.Destination)
	c.completeSession(sess)
}

func (c *Controller) ack(call protocol.FunctionCall, success bool, message string) {
	c.metrics.ObserveFunctionCall(call.Name, success)
	if c.conn == nil {
		return
	}
	if err := c.conn.RespondFunctionCall(call.CallID, success, message); err != nil {
		c.logger.Warn("function call ack failed", "function_call_id", call.CallID, "error", err)
	}
}

func (c *Controller) handleDisconnected(sessionID string, d protocol.Disconnected) {
	c.conn = nil
	c.connEvents = nil
	if d.Err == nil {
		return
	}
	cur, ok := c.sessions.Current()
	if !ok || cur.ID != sessionID || cur.Status.Terminal() {
		return
	}
	c.logger.Warn("voice agent disconnected mid-session", "session_id", sessionID, "error", d.Err)
	// Pending audio has nowhere to go.
	c.stopCapture()
	c.send(protocol.ConnectionState{
		Type:      protocol.TypeConnectionState,
		SessionID: sessionID,
		State:     string(agent.StateDisconnected),
	})
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      CodeAgentDisconnected,
		Source:    "agent",
		Retryable: true,
		Detail:    d.Err.Error(),
	})
	// No reconnect, so the session cannot produce a result any more. Failing it
	// here also stops the grace timer from reporting no_result later.
	c.failSession(sessionID, CodeAgentDisconnected, false, d.Err.Error())
}

// completeSession reports a completed session and resolves map candidates for
// its destination before confirming it to the client.
func (c *Controller) completeSession(sess *session.VoiceSession) {
	c.stopCapture()
	c.stopGrace()
	if !c.stoppedAt.IsZero() {
		c.metrics.ObserveStage("stop_to_result", time.Since(c.stoppedAt))
	}
	c.finish(sess)

	query := sess.Destination
	if query == "" {
		query = sess.Transcript
	}
	if c.geocoder == nil {
		c.confirm(sess, query, nil)
		return
	}
	c.confirming = sess
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.GeocodeTimeout)
	done := c.done
	go func(sessionID string) {
		defer cancel()
		candidates, err := c.geocoder.Geocode(ctx, query)
		select {
		case c.geocodeResults <- geocodeResult{sessionID: sessionID, candidates: candidates, err: err}:
		case <-done:
		}
	}(sess.ID)
}

func (c *Controller) handleGeocodeResult(res geocodeResult) {
	sess := c.confirming
	if sess == nil || sess.ID != res.sessionID {
		return
	}
	c.confirming = nil
	if res.err != nil {
		c.logger.Warn("geocode failed", "session_id", sess.ID, "error", res.err)
	}
	query := sess.Destination
	if query == "" {
		query = sess.Transcript
	}
	c.confirm(sess, query, res.candidates)
}

func (c *Controller) confirm(sess *session.VoiceSession, destination string, candidates []protocol.PlaceCandidate) {
	c.send(protocol.DestinationConfirmed{
		Type:        protocol.TypeDestinationConfirmed,
		SessionID:   sess.ID,
		Destination: destination,
		Candidates:  candidates,
	})
	c.closeConn()
	if c.sessions.IsCurrent(sess.ID) {
		c.sessions.ClearSession()
	}
}

func (c *Controller) failSession(sessionID, code string, userFacing bool, detail string) {
	failed, err := c.sessions.Fail(sessionID, code)
	if err != nil {
		c.logger.Debug("fail ignored", "session_id", sessionID, "error", err)
		return
	}
	c.stopGrace()
	c.logger.Info("voice session failed", "session_id", sessionID, "code", code)
	c.send(protocol.SessionFailed{
		Type:       protocol.TypeSessionFailed,
		SessionID:  sessionID,
		Code:       code,
		UserFacing: userFacing,
		Detail:     detail,
	})
	c.finish(failed)
}

// finish records a terminal session.
func (c *Controller) finish(sess *session.VoiceSession) {
	c.markInactive()
	c.metrics.ObserveSessionOutcome(string(sess.Status), sess.FailureCode)
	if !c.startedAt.IsZero() {
		c.metrics.ObserveStage("session_total", time.Since(c.startedAt))
	}
	c.saveSessionBestEffort(*sess)
}

func (c *Controller) saveSessionBestEffort(sess session.VoiceSession) {
	record := history.SessionRecord{
		SessionID:   sess.ID,
		RecordingID: sess.RecordingID,
		Status:      string(sess.Status),
		Transcript:  sess.Transcript,
		Destination: sess.Destination,
		FailureCode: sess.FailureCode,
		StartedAt:   sess.CreatedAt,
		EndedAt:     sess.EndedAt,
	}
	record.PIIRedacted = policy.RedactFields(&record.Transcript, &record.Destination)
	evt := events.SessionEvent{
		SessionID:   record.SessionID,
		RecordingID: record.RecordingID,
		Status:      record.Status,
		Destination: record.Destination,
		FailureCode: record.FailureCode,
		At:          record.EndedAt,
	}

	if c.store != nil {
		go func(r history.SessionRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), sessionSaveTimeout)
			defer cancel()
			if err := c.store.Save(ctx, r); err != nil {
				c.metrics.ObserveIndicator("history_save_failed")
				c.logger.Warn("session history save failed", "session_id", r.SessionID, "error", err)
			}
		}(record)
	}
	if c.publisher != nil {
		go func(e events.SessionEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), sessionSaveTimeout)
			defer cancel()
			if err := c.publisher.Publish(ctx, e); err != nil {
				c.metrics.ObserveIndicator("session_publish_failed")
				c.logger.Warn("session event publish failed", "session_id", e.SessionID, "error", err)
			}
		}(evt)
	}
}

func (c *Controller) capture(pcm []byte) {
	if c.chunker == nil {
		c.metrics.ObserveAudioChunk("dropped")
		return
	}
	if _, err := c.chunker.Write(pcm); err != nil {
		c.metrics.ObserveAudioChunk("dropped")
	}
}

func (c *Controller) sendPendingAudio() {
	if c.conn == nil || c.chunker == nil {
		return
	}
	c.sendChunk(c.chunker.Take(), "interval")
}

func (c *Controller) sendChunk(chunk []byte, kind string) {
	if len(chunk) == 0 || c.conn == nil {
		return
	}
	if err := c.conn.SendAudio(chunk); err != nil {
		c.metrics.ObserveAudioChunk("send_failed")
		c.logger.Warn("audio send failed", "session_id", c.conn.SessionID(), "bytes", len(chunk), "error", err)
		c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.conn.SessionID(),
			Code:      CodeAudioSendFailed,
			Source:    "agent",
			Retryable: true,
			Detail:    err.Error(),
		})
		return
	}
	c.metrics.ObserveAudioChunk(kind)
}

func (c *Controller) armGrace(sessionID string) {
	c.stopGrace()
	c.grace = time.NewTimer(c.cfg.ProcessingGrace)
	c.graceC = c.grace.C
	c.graceID = sessionID
}

func (c *Controller) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = nil
	c.graceC = nil
	c.graceID = ""
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.ticker = nil
	c.tickC = nil
}

// stopCapture releases capture and discards anything not yet sent.
func (c *Controller) stopCapture() {
	if c.chunker != nil {
		c.chunker.Flush()
		c.chunker = nil
	}
	c.finalChunk = nil
	c.stopTicker()
}

func (c *Controller) closeConn() {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("voice agent close", "session_id", c.conn.SessionID(), "error", err)
		}
	}
	c.detach()
}

// detach stops listening to the current connection. Late events stay in its
// channel and are never read.
func (c *Controller) detach() {
	c.conn = nil
	c.connEvents = nil
}

// teardown releases capture, the connection and timers before a new session
// starts or the current one is cancelled.
func (c *Controller) teardown() {
	c.stopCapture()
	c.closeConn()
	c.stopGrace()
	c.confirming = nil
	c.candidate = ""
	c.pendingReason = ""
}

func (c *Controller) shutdown() {
	c.teardown()
	if cur := c.sessions.ClearSession(); cur != nil && !cur.Status.Terminal() {
		c.markInactive()
	}
}

func (c *Controller) markActive() {
	if c.active {
		return
	}
	c.active = true
	if c.metrics != nil {
		c.metrics.ActiveSessions.Inc()
	}
}

func (c *Controller) markInactive() {
	if !c.active {
		return
	}
	c.active = false
	if c.metrics != nil {
		c.metrics.ActiveSessions.Dec()
	}
}

func (c *Controller) send(msg any) {
	msgType, critical := outboundMessageMeta(msg)
	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case c.out <- msg:
		case <-timer.C:
			c.metrics.ObserveIndicator("outbound_timeout_critical")
			c.logger.Warn("outbound message dropped", "type", msgType)
		case <-c.ctx.Done():
		}
		return
	}
	select {
	case c.out <- msg:
	default:
		c.metrics.ObserveIndicator("outbound_drop")
	}
}

// outboundMessageMeta reports the wire type and whether msg must not be
// dropped under backpressure.
func outboundMessageMeta(msg any) (msgType string, critical bool) {
	t, ok := protocol.MessageTypeOf(msg)
	if !ok {
		return "unknown", false
	}
	switch t {
	case protocol.TypeAssistantAudio, protocol.TypeAgentSpeaking, protocol.TypeUserSpeaking:
		return string(t), false
	default:
		return string(t), true
	}
}
