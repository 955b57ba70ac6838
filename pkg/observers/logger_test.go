package observers

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/jurisflow/intake/pkg/metrics"
)

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLoggerObserver(log)

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventExtraction})
	if buf.Len() != 0 {
		t.Fatalf("expected debug event to be filtered, got %q", buf.String())
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventHandoff, Tags: map[string]string{"reason": "generation failed"}})
	if !strings.Contains(buf.String(), "name=handoff") || !strings.Contains(buf.String(), "generation failed") {
		t.Fatalf("expected handoff at info, got %q", buf.String())
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	multi := NewMultiObserver(a, nil, b)
	multi.RecordEvent(metrics.MetricsEvent{Name: metrics.EventDedupDropped})
	if a.Count(metrics.EventDedupDropped) != 1 || b.Count(metrics.EventDedupDropped) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}

func TestLatencyObserverAggregates(t *testing.T) {
	obs := NewLatencyObserver()
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnCompleted, Value: 100})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnCompleted, Value: 300})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventLLMLatency, Value: 80, Tags: map[string]string{"purpose": "reply"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventDedupDropped, Value: 1})

	snap := obs.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected two series, got %+v", snap)
	}
	turn := snap["turn"]
	if turn.Count != 2 || turn.AvgMS != 200 || turn.MaxMS != 300 || turn.LastMS != 300 {
		t.Fatalf("unexpected turn stats %+v", turn)
	}
	if snap["llm_reply"].Count != 1 {
		t.Fatalf("expected llm_reply series, got %+v", snap)
	}
}
