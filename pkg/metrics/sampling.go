package metrics

import (
	"math"
	"sync"
)

// SamplingObserver forwards roughly rate*N of every N events. Counting is
// per event name, so rare events (breaker transitions, call ends) are not
// crowded out by per-frame timings.
type SamplingObserver struct {
	sink   Observer
	every  uint64
	mu     sync.Mutex
	counts map[string]uint64
}

func NewSamplingObserver(sink Observer, rate float64) *SamplingObserver {
	var every uint64
	switch {
	case rate <= 0:
		every = 0
	case rate >= 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{
		sink:   sink,
		every:  every,
		counts: make(map[string]uint64),
	}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.every == 0 {
		return
	}
	if s.every == 1 {
		s.sink.RecordEvent(ev)
		return
	}
	s.mu.Lock()
	n := s.counts[ev.Name]
	s.counts[ev.Name] = n + 1
	s.mu.Unlock()
	// The first event of each window passes, so every name is seen at least once.
	if n%s.every == 0 {
		s.sink.RecordEvent(ev)
	}
}
