package observers

import (
	"context"
	"log/slog"

	"github.com/jurisflow/intake/pkg/metrics"
)

// LoggerObserver writes metrics events to the structured log. Events listed in
// infoEvents are logged at INFO, everything else at DEBUG.
type LoggerObserver struct {
	log        *slog.Logger
	infoEvents map[string]bool
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{
		log: log,
		infoEvents: map[string]bool{
			metrics.EventHandoff:              true,
			metrics.EventAutoResume:           true,
			metrics.EventSafetyRejected:       true,
			metrics.EventHallucinationBlocked: true,
			metrics.EventLLMFallback:          true,
			metrics.EventPersistFailed:        true,
			metrics.EventBreakerOpen:          true,
		},
	}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelDebug
	if o.infoEvents[ev.Name] {
		level = slog.LevelInfo
	}
	o.log.LogAttrs(context.Background(), level, "metrics", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
