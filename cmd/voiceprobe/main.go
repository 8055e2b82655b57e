package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/wayfarer/internal/audio"
	"github.com/ent0n29/wayfarer/internal/protocol"
)

type options struct {
	baseURL  string
	wavPath  string
	chunkMS  int
	realtime float64
	binary   bool
	timeout  time.Duration
	verbose  bool
}

type wsEnvelope struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	State       string `json:"state,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Text        string `json:"text,omitempty"`
	Destination string `json:"destination,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Candidates  []struct {
		PlaceName string  `json:"place_name"`
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
	} `json:"candidates,omitempty"`
}

var errSessionFailed = errors.New("session failed")

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if sampleRate != audio.DefaultFormat.SampleRate {
		fmt.Fprintf(os.Stderr, "voiceprobe: %s is %d Hz, want %d Hz mono PCM16\n", cfg.wavPath, sampleRate, audio.DefaultFormat.SampleRate)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if err := run(ctx, cfg, pcm, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var timeoutMS int

	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "wayfarer base URL")
	fs.StringVar(&cfg.wavPath, "wav", "", "16 kHz PCM16 WAV file to replay (required)")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 150, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&cfg.binary, "binary", true, "send raw binary frames instead of base64 client_audio_chunk messages")
	fs.IntVar(&timeoutMS, "timeout-ms", 30000, "overall timeout in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print every server event")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.wavPath) == "" {
		return options{}, fmt.Errorf("wav is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

// run streams pcm through one voice session and reports the outcome on out.
func run(ctx context.Context, cfg options, pcm []byte, out io.Writer) error {
	wsURL, err := voiceWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if err := sendControl(conn, protocol.ActionStart); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	started, err := await(ctx, events, readErrCh, out, cfg.verbose, string(protocol.TypeSessionStarted))
	if err != nil {
		return fmt.Errorf("await session_started: %w", err)
	}

	sent := 0
	for _, chunk := range splitChunks(pcm, audio.DefaultFormat.BytesFor(time.Duration(cfg.chunkMS)*time.Millisecond)) {
		if err := sendAudio(conn, started.SessionID, chunk, cfg.binary, &sent); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		pace := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(audio.DefaultFormat.BytesFor(time.Second))) / cfg.realtime)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	if err := sendControl(conn, protocol.ActionStop); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	outcome, err := await(ctx, events, readErrCh, out, cfg.verbose,
		string(protocol.TypeDestinationConfirmed), string(protocol.TypeSessionFailed))
	if err != nil {
		return fmt.Errorf("await outcome: %w", err)
	}
	return report(out, outcome, sent)
}

func report(out io.Writer, env wsEnvelope, chunks int) error {
	if env.Type == string(protocol.TypeSessionFailed) {
		fmt.Fprintf(out, "voiceprobe: session=%s failed code=%s detail=%s chunks=%d\n", env.SessionID, env.Code, env.Detail, chunks)
		return fmt.Errorf("%w: %s", errSessionFailed, env.Code)
	}
	fmt.Fprintf(out, "voiceprobe: session=%s destination=%q chunks=%d\n", env.SessionID, env.Destination, chunks)
	for i, c := range env.Candidates {
		fmt.Fprintf(out, "  %d. %s (%.5f, %.5f)\n", i+1, c.PlaceName, c.Lat, c.Lng)
	}
	return nil
}

func voiceWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/ws"
	return u.String(), nil
}

// splitChunks cuts pcm into size-byte pieces in order. The last piece may be
// shorter.
func splitChunks(pcm []byte, size int) [][]byte {
	if size <= 0 {
		size = len(pcm)
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

// await prints events until one of types arrives.
func await(ctx context.Context, events <-chan wsEnvelope, readErrCh <-chan error, out io.Writer, verbose bool, types ...string) (wsEnvelope, error) {
	for {
		select {
		case <-ctx.Done():
			return wsEnvelope{}, ctx.Err()
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case env := <-events:
			if verbose {
				printEvent(out, env)
			}
			for _, t := range types {
				if env.Type == t {
					return env, nil
				}
			}
		}
	}
}

func printEvent(out io.Writer, env wsEnvelope) {
	switch env.Type {
	case string(protocol.TypeConnectionState):
		fmt.Fprintf(out, "  connection_state %s attempt=%d\n", env.State, env.Attempt)
	case string(protocol.TypeTranscriptAccepted):
		fmt.Fprintf(out, "  transcript %q\n", env.Text)
	case string(protocol.TypeErrorEvent):
		fmt.Fprintf(out, "  error_event code=%s detail=%s\n", env.Code, env.Detail)
	case string(protocol.TypeAssistantAudio), string(protocol.TypeAgentSpeaking), string(protocol.TypeUserSpeaking):
	default:
		fmt.Fprintf(out, "  %s\n", env.Type)
	}
}

func sendControl(conn *websocket.Conn, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:   protocol.TypeClientControl,
		Action: action,
		TSMs:   time.Now().UnixMilli(),
	})
}

func sendAudio(conn *websocket.Conn, sessionID string, chunk []byte, binary bool, seq *int) error {
	*seq = *seq + 1
	if binary {
		return conn.WriteMessage(websocket.BinaryMessage, chunk)
	}
	return conn.WriteJSON(protocol.ClientAudioChunk{
		Type:        protocol.TypeClientAudioChunk,
		SessionID:   sessionID,
		Seq:         *seq,
		PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
		SampleRate:  audio.DefaultFormat.SampleRate,
		TSMs:        time.Now().UnixMilli(),
	})
}
