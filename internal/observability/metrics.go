package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionOutcomes    *prometheus.CounterVec
	TranscriptOutcomes *prometheus.CounterVec
	ConnectAttempts    *prometheus.CounterVec
	AgentEvents        *prometheus.CounterVec
	AudioChunks        *prometheus.CounterVec
	FunctionCalls      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	ConnectLatency     prometheus.Histogram
	StageLatency       *prometheus.SummaryVec
	Indicators         *prometheus.CounterVec
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of voice sessions currently recording or processing.",
		}),
		SessionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Finished voice sessions by final status and failure code.",
		}, []string{"status", "code"}),
		TranscriptOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_outcomes_total",
			Help:      "Transcript gate results by reason (accepted on success).",
		}, []string{"reason"}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connect_attempts_total",
			Help:      "Voice agent connection attempts by result.",
		}, []string{"result"}),
		AgentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_events_total",
			Help:      "Inbound voice agent events by kind.",
		}, []string{"event"}),
		AudioChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Captured audio chunks sent upstream by kind.",
		}, []string{"kind"}),
		FunctionCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Agent function calls by name and acknowledgement result.",
		}, []string{"function", "success"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "Client WebSocket write failures by message type.",
		}, []string{"type"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_connect_latency_ms",
			Help:      "Time from session start to a usable agent connection in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 800, 1200, 2000, 4000, 8000},
		}),
		StageLatency: factory.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "stage_latency_ms",
			Help:       "Voice pipeline stage latencies in milliseconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01},
			MaxAge:     stageWindowAge,
		}, []string{"stage"}),
		Indicators: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicators_total",
			Help:      "Degraded-path indicators such as dropped messages and connect retries.",
		}, []string{"name"}),
	}
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
	m.StageLatency.WithLabelValues("start_to_connected").Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || stage == "" || d < 0 {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if m == nil || name == "" {
		return
	}
	m.Indicators.WithLabelValues(name).Inc()
}

// SnapshotStages reports per-stage quantiles and indicator counts for the
// perf endpoint.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return snapshotStages(m.StageLatency, m.Indicators)
}

// ResetStages drops all stage samples and indicator counts.
func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.StageLatency.Reset()
	m.Indicators.Reset()
}

func (m *Metrics) ObserveConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAgentEvent(event string) {
	if m == nil {
		return
	}
	m.AgentEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveAudioChunk(kind string) {
	if m == nil {
		return
	}
	m.AudioChunks.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveTranscript(reason string) {
	if m == nil {
		return
	}
	m.TranscriptOutcomes.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFunctionCall(name string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.FunctionCalls.WithLabelValues(name, label).Inc()
}

func (m *Metrics) ObserveSessionOutcome(status, code string) {
	if m == nil {
		return
	}
	m.SessionOutcomes.WithLabelValues(status, code).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveWSWriteError(messageType string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(messageType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
