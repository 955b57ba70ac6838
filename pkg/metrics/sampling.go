package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it sees to inner.
// Names passed as always bypass sampling.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
	always      map[string]bool
}

func NewSamplingObserver(inner Observer, rate float64, always ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]bool, len(always))
	for _, name := range always {
		set[name] = true
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, always: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.inner == nil {
		return
	}
	if s.always[ev.Name] || s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
