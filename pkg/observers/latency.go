package observers

import (
	"sync"

	"github.com/jurisflow/intake/pkg/metrics"
)

// LatencyStats summarizes one timed series in milliseconds.
type LatencyStats struct {
	Count  int64   `json:"count"`
	AvgMS  float64 `json:"avg_ms"`
	MaxMS  float64 `json:"max_ms"`
	LastMS float64 `json:"last_ms"`
}

// LatencyObserver keeps running turn and generation latency figures so the
// health endpoint can report them without a metrics backend.
type LatencyObserver struct {
	mu     sync.Mutex
	series map[string]*latencySeries
}

type latencySeries struct {
	count int64
	sum   float64
	max   float64
	last  float64
}

func NewLatencyObserver() *LatencyObserver {
	return &LatencyObserver{series: make(map[string]*latencySeries)}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	key := latencyKey(ev)
	if key == "" || ev.Value < 0 {
		return
	}
	o.mu.Lock()
	s := o.series[key]
	if s == nil {
		s = &latencySeries{}
		o.series[key] = s
	}
	s.count++
	s.sum += ev.Value
	s.last = ev.Value
	if ev.Value > s.max {
		s.max = ev.Value
	}
	o.mu.Unlock()
}

// Snapshot returns a copy of every series seen so far.
func (o *LatencyObserver) Snapshot() map[string]LatencyStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]LatencyStats, len(o.series))
	for k, s := range o.series {
		out[k] = LatencyStats{
			Count:  s.count,
			AvgMS:  s.sum / float64(s.count),
			MaxMS:  s.max,
			LastMS: s.last,
		}
	}
	return out
}

func latencyKey(ev metrics.MetricsEvent) string {
	switch ev.Name {
	case metrics.EventTurnCompleted:
		return "turn"
	case metrics.EventLLMLatency:
		// Per-attempt provider timings and end-to-end reply timings stay apart.
		key := ev.Tags["component"]
		if key == "" {
			key = "llm"
		}
		if p := ev.Tags["purpose"]; p != "" {
			key += "_" + p
		}
		return key
	}
	return ""
}
