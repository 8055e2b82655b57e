package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/wayfarer/internal/agent"
	"github.com/ent0n29/wayfarer/internal/events"
	"github.com/ent0n29/wayfarer/internal/history"
	"github.com/ent0n29/wayfarer/internal/protocol"
	"github.com/ent0n29/wayfarer/internal/session"
)

type ackRecord struct {
	callID  string
	success bool
	message string
}

type fakeAgent struct {
	id     string
	events chan protocol.AgentEvent

	mu     sync.Mutex
	audio  [][]byte
	acks   []ackRecord
	closed bool
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, events: make(chan protocol.AgentEvent, 32)}
}

func (f *fakeAgent) SessionID() string                 { return f.id }
func (f *fakeAgent) Events() <-chan protocol.AgentEvent { return f.events }

func (f *fakeAgent) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return agent.ErrNotConnected
	}
	f.audio = append(f.audio, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeAgent) RespondFunctionCall(callID string, success bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackRecord{callID: callID, success: success, message: message})
	return nil
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAgent) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAgent) sentAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeAgent) recordedAcks() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.acks...)
}

type fakeConnector struct {
	err error

	// delay holds each connect open, like a handshake that needs retries.
	delay time.Duration

	mu     sync.Mutex
	agents []*fakeAgent
}

func (c *fakeConnector) Connect(ctx context.Context, sessionID string, onAttempt func(int)) (AgentSession, error) {
	if onAttempt != nil {
		onAttempt(1)
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	a := newFakeAgent(sessionID)
	a.events <- protocol.Connected{Attempt: 1}
	c.mu.Lock()
	c.agents = append(c.agents, a)
	c.mu.Unlock()
	return a, nil
}

func (c *fakeConnector) agent(t *testing.T, i int) *fakeAgent {
	t.Helper()
	var a *fakeAgent
	eventually(t, fmt.Sprintf("agent connection %d", i), func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.agents) > i {
			a = c.agents[i]
			return true
		}
		return false
	})
	return a
}

type fakeGeocoder struct {
	candidates []protocol.PlaceCandidate
}

func (g fakeGeocoder) Geocode(context.Context, string) ([]protocol.PlaceCandidate, error) {
	return g.candidates, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SessionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.SessionEvent(nil), p.events...)
}

type harness struct {
	t         *testing.T
	ctrl      *Controller
	connector *fakeConnector
	in        chan any
	out       chan any
}

func newHarness(t *testing.T, deps Dependencies) *harness {
	t.Helper()
	return newHarnessConfig(t, Config{ChunkInterval: 10 * time.Millisecond, ProcessingGrace: 80 * time.Millisecond}, deps)
}

func newHarnessConfig(t *testing.T, cfg Config, deps Dependencies) *harness {
	t.Helper()
	connector, _ := deps.Connector.(*fakeConnector)
	if connector == nil {
		connector = &fakeConnector{}
		deps.Connector = connector
	}
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:         t,
		ctrl:      NewController(cfg, deps),
		connector: connector,
		in:        make(chan any, 64),
		out:       make(chan any, 64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, h.in, h.out) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("controller did not stop")
		}
	})
	return h
}

func (h *harness) control(action, detail string) {
	h.in <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: action, Detail: detail}
}

// startConnected starts a session and waits until its connection is live.
func (h *harness) startConnected(index int) (protocol.SessionStarted, *fakeAgent) {
	h.t.Helper()
	h.control(protocol.ActionStart, "")
	started, _ := waitFor(h.t, h.out, func(protocol.SessionStarted) bool { return true })
	waitFor(h.t, h.out, func(m protocol.ConnectionState) bool {
		return m.SessionID == started.SessionID && m.State == string(agent.StateConnected)
	})
	return started, h.connector.agent(h.t, index)
}

func waitFor[T any](t *testing.T, out <-chan any, match func(T) bool) (T, []any) {
	t.Helper()
	var seen []any
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-out:
			seen = append(seen, msg)
			if m, ok := msg.(T); ok && match(m) {
				return m, seen
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T; saw %d messages: %#v", zero, len(seen), seen)
			return zero, seen
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestControllerFunctionCallCompletesSession(t *testing.T) {
	store := history.NewInMemoryStore(0)
	pub := &recordingPublisher{}
	h := newHarness(t, Dependencies{History: store, Publisher: pub})

	started, a := h.startConnected(0)
	a.events <- protocol.FunctionCall{
		Name:   protocol.StartNavigationFunction,
		Args:   map[string]any{protocol.DestinationArg: "Central Station"},
		CallID: "fc-1",
	}

	confirmed, _ := waitFor(t, h.out, func(protocol.DestinationConfirmed) bool { return true })
	if confirmed.SessionID != started.SessionID || confirmed.Destination != "Central Station" {
		t.Fatalf("confirmed = %+v, want Central Station for %s", confirmed, started.SessionID)
	}
	acks := a.recordedAcks()
	if len(acks) != 1 || acks[0].callID != "fc-1" || !acks[0].success {
		t.Fatalf("acks = %+v, want one successful ack for fc-1", acks)
	}
	eventually(t, "connection closed", a.isClosed)
	eventually(t, "session cleared", func() bool {
		_, ok := h.ctrl.Sessions().Current()
		return !ok
	})
	eventually(t, "history record", func() bool {
		recs, _ := store.Recent(context.Background(), 5)
		return len(recs) == 1 && recs[0].Status == string(session.StatusCompleted) && recs[0].Destination == "Central Station"
	})
	eventually(t, "published outcome", func() bool {
		pubd := pub.published()
		return len(pubd) == 1 && pubd[0].Status == string(session.StatusCompleted)
	})
}

func TestControllerDropsTranscriptFromSupersededSession(t *testing.T) {
	h := newHarness(t, Dependencies{})

	first, oldConn := h.startConnected(0)
	h.control(protocol.ActionStart, "")
	cleared, _ := waitFor(t, h.out, func(protocol.SessionCleared) bool { return true })
	if cleared.SessionID != first.SessionID || cleared.Reason != "superseded" {
		t.Fatalf("cleared = %+v, want superseded %s", cleared, first.SessionID)
	}
	second, _ := waitFor(t, h.out, func(protocol.SessionStarted) bool { return true })
	waitFor(t, h.out, func(m protocol.ConnectionState) bool {
		return m.SessionID == second.SessionID && m.State == string(agent.StateConnected)
	})
	newConn := h.connector.agent(t, 1)
	eventually(t, "old connection closed", oldConn.isClosed)

	oldConn.events <- protocol.TranscriptChunk{Role: protocol.RoleUser, Text: "Central Park"}
	oldConn.events <- protocol.FunctionCall{Name: protocol.StartNavigationFunction, Args: map[string]any{"destination": "Central Park"}, CallID: "late"}
	newConn.events <- protocol.TranscriptChunk{Role: protocol.RoleUser, Text: "Eiffel Tower"}

	accepted, seen := waitFor(t, h.out, func(protocol.TranscriptAccepted) bool { return true })
	if accepted.Text != "Eiffel Tower" || accepted.SessionID != second.SessionID {
		t.Fatalf("accepted = %+v, want Eiffel Tower for %s", accepted, second.SessionID)
	}
	for _, msg := range seen {
		if m, ok := msg.(protocol.DestinationConfirmed); ok {
			t.Fatalf("stale function call surfaced: %+v", m)
		}
	}
	cur, ok := h.ctrl.Sessions().Current()
	if !ok || cur.ID != second.SessionID || cur.Status != session.StatusRecording {
		t.Fatalf("current = %+v, want %s still recording", cur, second.SessionID)
	}
}

func TestControllerStreamsAudioInCaptureOrderAndFlushesTail(t *testing.T) {
	h := newHarness(t, Dependencies{})
	started, a := h.startConnected(0)

	var want []byte
	for i := 0; i < 20; i++ {
		frame := []byte{byte(i), byte(i + 100)}
		want = append(want, frame...)
		h.in <- protocol.ClientAudioFrame{PCM: frame}
		if i%5 == 0 {
			time.Sleep(15 * time.Millisecond)
		}
	}
	h.in <- protocol.ClientAudioFrame{PCM: []byte{0x7f}}
	want = append(want, 0x7f)
	h.control(protocol.ActionStop, "")

	failed, _ := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
	if failed.SessionID != started.SessionID || failed.Code != CodeNoResult || !failed.UserFacing {
		t.Fatalf("failed = %+v, want user facing no_result", failed)
	}

	chunks := a.sentAudio()
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want interval chunks plus a final tail", len(chunks))
	}
	got := bytes.Join(chunks, nil)
	if !bytes.Equal(got, want) {
		t.Fatalf("sent audio = %v, want %v", got, want)
	}
	last := chunks[len(chunks)-1]
	if last[len(last)-1] != 0x7f {
		t.Fatalf("last chunk = %v, want it to carry the odd tail byte", last)
	}
	cur, ok := h.ctrl.Sessions().Current()
	if !ok || cur.Status != session.StatusError || cur.FailureCode != CodeNoResult {
		t.Fatalf("current = %+v, want error/no_result", cur)
	}
}

func TestControllerCompletesFromTranscriptAfterGrace(t *testing.T) {
	store := history.NewInMemoryStore(0)
	geo := fakeGeocoder{candidates: []protocol.PlaceCandidate{{PlaceName: "Eiffel Tower, Paris", Lat: 48.8584, Lng: 2.2945, Relevance: 1}}}
	h := newHarness(t, Dependencies{History: store, Geocoder: geo})

	started, a := h.startConnected(0)
	a.events <- protocol.TranscriptChunk{Role: protocol.RoleAssistant, Text: "Where to?"}
	a.events <- protocol.TranscriptChunk{Role: protocol.RoleUser, Text: "  Eiffel Tower "}
	accepted, _ := waitFor(t, h.out, func(protocol.TranscriptAccepted) bool { return true })
	if accepted.Text != "Eiffel Tower" {
		t.Fatalf("accepted text = %q, want trimmed Eiffel Tower", accepted.Text)
	}

	h.control(protocol.ActionStop, "")
	confirmed, _ := waitFor(t, h.out, func(protocol.DestinationConfirmed) bool { return true })
	if confirmed.SessionID != started.SessionID || confirmed.Destination != "Eiffel Tower" {
		t.Fatalf("confirmed = %+v", confirmed)
	}
	if len(confirmed.Candidates) != 1 || confirmed.Candidates[0].PlaceName != "Eiffel Tower, Paris" {
		t.Fatalf("candidates = %+v, want the geocoded place", confirmed.Candidates)
	}
	eventually(t, "history record", func() bool {
		recs, _ := store.Recent(context.Background(), 5)
		return len(recs) == 1 && recs[0].Transcript == "Eiffel Tower"
	})
}

func TestControllerReportsUserFacingRejectionAfterStop(t *testing.T) {
	h := newHarness(t, Dependencies{})
	_, a := h.startConnected(0)

	a.events <- protocol.TranscriptChunk{Role: protocol.RoleUser, Text: "?!?"}
	h.control(protocol.ActionStop, "")

	failed, seen := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
	if failed.Code != string(session.ReasonSuspiciousContent) || !failed.UserFacing {
		t.Fatalf("failed = %+v, want user facing suspicious_content", failed)
	}
	for _, msg := range seen {
		if m, ok := msg.(protocol.TranscriptAccepted); ok {
			t.Fatalf("rejected transcript surfaced: %+v", m)
		}
	}
}

func TestControllerConnectFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{name: "retries exhausted", err: fmt.Errorf("%w: refused", agent.ErrCouldNotConnect), code: CodeCouldNotConnect},
		{name: "missing credential", err: fmt.Errorf("%w: missing api key", agent.ErrConfiguration), code: CodeConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Dependencies{Connector: &fakeConnector{err: tc.err}})
			h.control(protocol.ActionStart, "")
			failed, _ := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
			if failed.Code != tc.code || !failed.UserFacing {
				t.Fatalf("failed = %+v, want user facing %s", failed, tc.code)
			}
		})
	}
}

func TestControllerCaptureErrorKeepsConnectionUntilTeardown(t *testing.T) {
	h := newHarness(t, Dependencies{})
	started, a := h.startConnected(0)

	h.control(protocol.ActionCaptureError, "microphone permission revoked")
	errEvt, _ := waitFor(t, h.out, func(protocol.ErrorEvent) bool { return true })
	if errEvt.Source != "capture" || errEvt.Retryable {
		t.Fatalf("error event = %+v, want non-retryable capture error", errEvt)
	}
	failed, _ := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
	if failed.Code != CodeCapture {
		t.Fatalf("failed code = %q, want %q", failed.Code, CodeCapture)
	}
	if a.isClosed() {
		t.Fatalf("connection closed before explicit teardown")
	}

	h.control(protocol.ActionCancel, "")
	cleared, _ := waitFor(t, h.out, func(protocol.SessionCleared) bool { return true })
	if cleared.SessionID != started.SessionID || cleared.Reason != "cancelled" {
		t.Fatalf("cleared = %+v, want cancelled", cleared)
	}
	eventually(t, "connection closed on cancel", a.isClosed)
}

func TestControllerMidStreamDisconnectReportedOnce(t *testing.T) {
	h := newHarness(t, Dependencies{})
	started, a := h.startConnected(0)

	a.events <- protocol.Disconnected{Err: errors.New("connection reset by peer")}
	errEvt, _ := waitFor(t, h.out, func(e protocol.ErrorEvent) bool { return e.Code == CodeAgentDisconnected })
	if errEvt.SessionID != started.SessionID || errEvt.Source != "agent" {
		t.Fatalf("error event = %+v", errEvt)
	}
	failed, _ := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
	if failed.Code != CodeAgentDisconnected || failed.UserFacing {
		t.Fatalf("failed = %+v, want non user facing agent_disconnected", failed)
	}
	cur, _ := h.ctrl.Sessions().Current()
	if cur.Status != session.StatusError || cur.FailureCode != CodeAgentDisconnected {
		t.Fatalf("current = %+v, want error/agent_disconnected", cur)
	}

	// A later stop has nothing left to report.
	h.control(protocol.ActionStop, "")
	assertQuiet(t, h.out, 4*80*time.Millisecond)
}

func TestControllerDisconnectWhileProcessingCancelsGrace(t *testing.T) {
	const grace = 400 * time.Millisecond
	h := newHarnessConfig(t, Config{ChunkInterval: 10 * time.Millisecond, ProcessingGrace: grace}, Dependencies{})
	_, a := h.startConnected(0)

	h.in <- protocol.ClientAudioFrame{PCM: []byte{1, 2}}
	h.control(protocol.ActionStop, "")
	eventually(t, "session processing", func() bool {
		cur, ok := h.ctrl.Sessions().Current()
		return ok && cur.Status == session.StatusProcessing
	})

	a.events <- protocol.Disconnected{Err: errors.New("broken pipe")}
	failed, _ := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
	if failed.Code != CodeAgentDisconnected || failed.UserFacing {
		t.Fatalf("failed = %+v, want non user facing agent_disconnected", failed)
	}
	assertQuiet(t, h.out, grace+200*time.Millisecond)
}

func TestControllerStopDuringSlowConnectWaitsForConnection(t *testing.T) {
	connector := &fakeConnector{delay: 400 * time.Millisecond}
	h := newHarnessConfig(t, Config{ChunkInterval: 10 * time.Millisecond, ProcessingGrace: 150 * time.Millisecond}, Dependencies{Connector: connector})

	h.control(protocol.ActionStart, "")
	started, _ := waitFor(t, h.out, func(protocol.SessionStarted) bool { return true })
	h.in <- protocol.ClientAudioFrame{PCM: []byte{9, 8, 7}}
	h.control(protocol.ActionStop, "")

	_, seen := waitFor(t, h.out, func(m protocol.ConnectionState) bool {
		return m.SessionID == started.SessionID && m.State == string(agent.StateConnected)
	})
	for _, msg := range seen {
		if m, ok := msg.(protocol.SessionFailed); ok {
			t.Fatalf("session failed before the connection attached: %+v", m)
		}
	}

	a := connector.agent(t, 0)
	eventually(t, "tail audio sent", func() bool {
		return bytes.Equal(bytes.Join(a.sentAudio(), nil), []byte{9, 8, 7})
	})
	a.events <- protocol.TranscriptChunk{Role: protocol.RoleUser, Text: "Central Station"}
	confirmed, seen := waitFor(t, h.out, func(protocol.DestinationConfirmed) bool { return true })
	if confirmed.SessionID != started.SessionID || confirmed.Destination != "Central Station" {
		t.Fatalf("confirmed = %+v, want Central Station", confirmed)
	}
	for _, msg := range seen {
		if m, ok := msg.(protocol.SessionFailed); ok {
			t.Fatalf("unexpected failure: %+v", m)
		}
	}
}

func TestControllerStopDuringFailingConnectReportsConnectivity(t *testing.T) {
	connector := &fakeConnector{
		delay: 300 * time.Millisecond,
		err:   fmt.Errorf("%w: refused", agent.ErrCouldNotConnect),
	}
	h := newHarness(t, Dependencies{Connector: connector})

	h.control(protocol.ActionStart, "")
	waitFor(t, h.out, func(protocol.SessionStarted) bool { return true })
	h.in <- protocol.ClientAudioFrame{PCM: []byte{1, 2}}
	h.control(protocol.ActionStop, "")

	failed, _ := waitFor(t, h.out, func(protocol.SessionFailed) bool { return true })
	if failed.Code != CodeCouldNotConnect {
		t.Fatalf("failed code = %q, want %q", failed.Code, CodeCouldNotConnect)
	}
}

// assertQuiet fails if a session_failed or agent disconnect error arrives
// within d.
func assertQuiet(t *testing.T, out <-chan any, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg := <-out:
			switch m := msg.(type) {
			case protocol.SessionFailed:
				t.Fatalf("unexpected session_failed: %+v", m)
			case protocol.ErrorEvent:
				if m.Code == CodeAgentDisconnected {
					t.Fatalf("disconnect reported twice")
				}
			}
		case <-deadline:
			return
		}
	}
}

func TestControllerRejectsUnsupportedFunctionCall(t *testing.T) {
	h := newHarness(t, Dependencies{})
	_, a := h.startConnected(0)

	a.events <- protocol.FunctionCall{Name: "get_weather", Args: map[string]any{}, CallID: "fc-9"}
	eventually(t, "ack", func() bool { return len(a.recordedAcks()) == 1 })
	if ack := a.recordedAcks()[0]; ack.callID != "fc-9" || ack.success {
		t.Fatalf("ack = %+v, want failed ack for fc-9", ack)
	}
	cur, _ := h.ctrl.Sessions().Current()
	if cur.Status != session.StatusRecording {
		t.Fatalf("status = %q, want recording", cur.Status)
	}
}

func TestControllerForwardsSpeakingAndAudio(t *testing.T) {
	h := newHarness(t, Dependencies{})
	_, a := h.startConnected(0)

	a.events <- protocol.AgentSpeakingChanged{Speaking: true}
	a.events <- protocol.AudioFrame{Bytes: []byte{1, 2, 3, 4}}

	speaking, _ := waitFor(t, h.out, func(protocol.AgentSpeaking) bool { return true })
	if !speaking.Speaking {
		t.Fatalf("speaking = false, want true")
	}
	chunk, _ := waitFor(t, h.out, func(protocol.AssistantAudioChunk) bool { return true })
	if chunk.Seq != 1 || chunk.AudioBase64 != "AQIDBA==" || chunk.Format != "linear16" {
		t.Fatalf("audio chunk = %+v", chunk)
	}
}

func TestSendDeliversCriticalWhenOutboundQueueTemporarilyFull(t *testing.T) {
	c := NewController(Config{}, Dependencies{Connector: &fakeConnector{}})
	c.ctx = context.Background()
	outbound := make(chan any, 1)
	outbound <- protocol.AgentSpeaking{Type: protocol.TypeAgentSpeaking}
	c.out = outbound

	go func() {
		time.Sleep(40 * time.Millisecond)
		<-outbound
	}()

	c.send(protocol.SessionFailed{Type: protocol.TypeSessionFailed, SessionID: "s1", Code: CodeNoResult})

	select {
	case msg := <-outbound:
		if _, ok := msg.(protocol.SessionFailed); !ok {
			t.Fatalf("outbound msg type = %T, want protocol.SessionFailed", msg)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timed out waiting for critical outbound message")
	}
}

func TestSendDropsAudioUnderBackpressure(t *testing.T) {
	c := NewController(Config{}, Dependencies{Connector: &fakeConnector{}})
	c.ctx = context.Background()
	outbound := make(chan any, 1)
	outbound <- protocol.AgentSpeaking{Type: protocol.TypeAgentSpeaking}
	c.out = outbound

	start := time.Now()
	c.send(protocol.AssistantAudioChunk{Type: protocol.TypeAssistantAudio})
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("send blocked for %v on a full queue", elapsed)
	}
	if len(outbound) != 1 {
		t.Fatalf("len(outbound) = %d, want 1", len(outbound))
	}
}
