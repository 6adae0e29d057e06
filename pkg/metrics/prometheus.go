package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports pipeline events as Prometheus metrics.
type PrometheusObserver struct {
	activeSessions  prometheus.Gauge
	sessionsStarted prometheus.Counter
	sessionsEnded   prometheus.Counter
	framesIn        prometheus.Counter
	transcripts     prometheus.Counter
	turns           prometheus.Counter
	bargeIns        prometheus.Counter
	bookings        prometheus.Counter
	slotConflicts   prometheus.Counter
	fallbacks       prometheus.Counter
	toolCalls       prometheus.Counter
	turnLatency     prometheus.Histogram
}

// NewPrometheusObserver registers metrics with the given registerer.
// Pass a fresh prometheus.NewRegistry in tests to avoid global state.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusObserver{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lyra_active_sessions",
			Help: "Current number of live call sessions",
		}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_sessions_started_total",
			Help: "Total call sessions started",
		}),
		sessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_sessions_ended_total",
			Help: "Total call sessions ended",
		}),
		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_audio_frames_in_total",
			Help: "Total inbound audio frames accepted",
		}),
		transcripts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_transcripts_final_total",
			Help: "Total final transcript events",
		}),
		turns: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_agent_turns_total",
			Help: "Total completed agent turns",
		}),
		bargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_barge_ins_total",
			Help: "Total caller barge-ins during agent speech",
		}),
		bookings: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_bookings_confirmed_total",
			Help: "Total appointment bookings confirmed",
		}),
		slotConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_slot_conflicts_total",
			Help: "Total booking attempts rejected with a slot conflict",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_fallback_utterances_total",
			Help: "Total fallback utterances spoken after a recovered error",
		}),
		toolCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "lyra_tool_calls_total",
			Help: "Total model function calls dispatched",
		}),
		turnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lyra_turn_latency_seconds",
			Help:    "Caller speech end to agent turn completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStart:
		o.sessionsStarted.Inc()
		o.activeSessions.Inc()
	case EventSessionEnd:
		o.sessionsEnded.Inc()
		o.activeSessions.Dec()
	case EventAudioIn:
		o.framesIn.Inc()
	case EventTranscriptFinal:
		o.transcripts.Inc()
	case EventTurnDone:
		o.turns.Inc()
		if ev.Value > 0 {
			o.turnLatency.Observe(ev.Value)
		}
	case EventBargeIn:
		o.bargeIns.Inc()
	case EventBookingConfirmed:
		o.bookings.Inc()
	case EventSlotConflict:
		o.slotConflicts.Inc()
	case EventFallbackUtterance:
		o.fallbacks.Inc()
	case EventToolCallDispatched:
		o.toolCalls.Inc()
	}
}
