package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples event producers from slow sinks. Events are handed
// to a single worker over a bounded channel; when the queue is full the event
// is dropped rather than stalling the audio path.
type AsyncObserver struct {
	sink    Observer
	events  chan MetricsEvent
	done    chan struct{}
	dropped atomic.Int64
	closing atomic.Bool
	once    sync.Once
}

func NewAsyncObserver(sink Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		sink:   sink,
		events: make(chan MetricsEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closing.Load() {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (a *AsyncObserver) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Close stops accepting events and blocks until queued events are delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closing.Store(true)
		close(a.events)
		<-a.done
	})
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for ev := range a.events {
		a.sink.RecordEvent(ev)
	}
}
