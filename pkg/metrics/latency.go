package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Pipeline stage event names recorded by the engine.
const (
	EventAudioIn            = "audio_in"
	EventTranscriptFinal    = "transcript_final"
	EventGenerationFirst    = "generation_first_increment"
	EventSynthesisFirst     = "synthesis_first_audio"
	EventTurnDone           = "turn_done"
	EventBargeIn            = "barge_in"
	EventBookingConfirmed   = "booking_confirmed"
	EventSlotConflict       = "slot_conflict"
	EventSessionStart       = "session_start"
	EventSessionEnd         = "session_end"
	EventFallbackUtterance  = "fallback_utterance"
	EventToolCallDispatched = "tool_call_dispatched"
	EventRateLimit          = "vendor_rate_limited"
	EventBreakerOpen        = "breaker_open"
	EventBreakerClose       = "breaker_close"
	EventBreakerDenied      = "breaker_denied"
)

// LatencyObserver reconstructs per-turn timings from pipeline events and
// logs a summary when a turn completes: caller-speech-end to first
// synthesized audio is the number that matters for perceived snappiness.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	transcriptFinal time.Time
	generationFirst time.Time
	synthesisFirst  time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[sessionID]
	if t == nil {
		t = &turnTrace{}
		o.turns[sessionID] = t
	}
	switch ev.Name {
	case EventTranscriptFinal:
		t.transcriptFinal = ev.Time
		t.generationFirst = time.Time{}
		t.synthesisFirst = time.Time{}
	case EventGenerationFirst:
		if t.generationFirst.IsZero() {
			t.generationFirst = ev.Time
		}
	case EventSynthesisFirst:
		if t.synthesisFirst.IsZero() {
			t.synthesisFirst = ev.Time
		}
	case EventTurnDone:
		o.logTurnLocked(sessionID, t)
		delete(o.turns, sessionID)
	case EventSessionEnd:
		delete(o.turns, sessionID)
	}
}

func (o *LatencyObserver) logTurnLocked(sessionID string, t *turnTrace) {
	if t.transcriptFinal.IsZero() {
		return
	}
	attrs := []any{"session_id", sessionID}
	if !t.generationFirst.IsZero() {
		attrs = append(attrs, "first_increment_ms", t.generationFirst.Sub(t.transcriptFinal).Milliseconds())
	}
	if !t.synthesisFirst.IsZero() {
		attrs = append(attrs, "first_audio_ms", t.synthesisFirst.Sub(t.transcriptFinal).Milliseconds())
	}
	o.log.Info("turn_latency", attrs...)
}
