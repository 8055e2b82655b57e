package observability

import (
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// stageWindowAge bounds the quantiles reported per stage.
const stageWindowAge = 10 * time.Minute

// StageStats summarizes one pipeline stage. Quantiles cover the last
// stageWindowAge; Samples and AvgMS cover everything since the last reset.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     uint64  `json:"samples"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt   time.Time    `json:"generated_at"`
	WindowSeconds int          `json:"window_seconds"`
	Stages        []StageStats `json:"stages"`
	Indicators    []Indicator  `json:"indicators,omitempty"`
}

// snapshotStages reads the current quantiles back out of the summary and the
// indicator counters.
func snapshotStages(stages *prometheus.SummaryVec, indicators *prometheus.CounterVec) StageSnapshot {
	snap := StageSnapshot{
		GeneratedAt:   time.Now().UTC(),
		WindowSeconds: int(stageWindowAge / time.Second),
		Stages:        []StageStats{},
	}

	for _, m := range collect(stages) {
		s := m.GetSummary()
		count := s.GetSampleCount()
		if count == 0 {
			continue
		}
		name := labelValue(m, "stage")
		stat := StageStats{
			Stage:       name,
			Samples:     count,
			AvgMS:       round2(s.GetSampleSum() / float64(count)),
			TargetP95MS: stageTargetP95MS(name),
		}
		for _, q := range s.GetQuantile() {
			switch q.GetQuantile() {
			case 0.5:
				stat.P50MS = round2(q.GetValue())
			case 0.95:
				stat.P95MS = round2(q.GetValue())
			}
		}
		snap.Stages = append(snap.Stages, stat)
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for _, m := range collect(indicators) {
		count := int(m.GetCounter().GetValue())
		if count <= 0 {
			continue
		}
		snap.Indicators = append(snap.Indicators, Indicator{Name: labelValue(m, "name"), Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// round2 also maps the NaN of an empty quantile window to 0 so the snapshot
// stays JSON encodable.
func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}

// stageTargetP95MS is the latency budget shown next to each stage.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case "start_to_connected":
		return 1500
	case "connect_attempt":
		return 1000
	case "stop_to_result":
		return 2500
	case "start_to_first_agent_audio":
		return 3000
	case "session_total":
		return 15000
	default:
		return 0
	}
}
