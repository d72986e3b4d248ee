package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stage names used for latency tracking.
const (
	StageScan      = "scan"
	StageAssociate = "associate"
	StageLease     = "lease"
)

// stageStats maintains running statistics for one connection stage.
// Percentiles come from a DDSketch with 1% relative accuracy.
type stageStats struct {
	count  int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

func newStageStats() *stageStats {
	s := &stageStats{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		s.sketch = sketch
	}
	return s
}

func (s *stageStats) add(v float64) {
	s.count++
	s.sum += v
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
	if s.sketch != nil {
		s.sketch.Add(v)
	}
}

// StageSummary is a point-in-time summary of one stage's durations.
// All values are milliseconds.
type StageSummary struct {
	Stage string  `json:"stage"`
	Count int64   `json:"count"`
	Avg   float64 `json:"avg_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// Latencies tracks per-stage duration distributions across the
// process lifetime. Safe for concurrent use.
type Latencies struct {
	mu     sync.Mutex
	stages map[string]*stageStats
}

func NewLatencies() *Latencies {
	return &Latencies{stages: make(map[string]*stageStats)}
}

// Observe records one stage duration.
func (l *Latencies) Observe(stage string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stages[stage]
	if !ok {
		s = newStageStats()
		l.stages[stage] = s
	}
	s.add(float64(d.Milliseconds()))
}

// Summary returns the summary for one stage. Zero-valued when the
// stage has never been observed.
func (l *Latencies) Summary(stage string) StageSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := StageSummary{Stage: stage}
	s, ok := l.stages[stage]
	if !ok || s.count == 0 {
		return out
	}
	out.Count = s.count
	out.Avg = s.sum / float64(s.count)
	out.Min = s.min
	out.Max = s.max
	if s.sketch != nil {
		out.P50, _ = s.sketch.GetValueAtQuantile(0.50)
		out.P95, _ = s.sketch.GetValueAtQuantile(0.95)
		out.P99, _ = s.sketch.GetValueAtQuantile(0.99)
	}
	return out
}

// Summaries returns summaries for all stages in a fixed order.
func (l *Latencies) Summaries() []StageSummary {
	out := make([]StageSummary, 0, 3)
	for _, stage := range []string{StageScan, StageAssociate, StageLease} {
		out = append(out, l.Summary(stage))
	}
	return out
}
