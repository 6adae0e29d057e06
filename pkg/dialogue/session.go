package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/llm"
	"github.com/lyravoice/lyra/pkg/metrics"
	"github.com/lyravoice/lyra/pkg/synth"
	"github.com/lyravoice/lyra/pkg/transcribe"
)

const (
	DefaultFallbackTimeout  = "Sorry, I'm having trouble right now. Could you say that again?"
	DefaultFallbackToolLoop = "I wasn't able to finish that. Let me connect you with the front desk."

	// DefaultBargeInConfidence is the recognizer confidence an interim
	// result must reach to interrupt agent speech. Finals always
	// interrupt; the bar only filters breath and background noise that
	// surfaces as low-confidence interims.
	DefaultBargeInConfidence = 0.5
)

// Config describes one call session.
type Config struct {
	SessionID    string
	CallSID      string
	FromNumber   string
	SystemPrompt string
	// Greeting is spoken as soon as the session starts, before the
	// caller says anything.
	Greeting string
	// FallbackTimeout is spoken when a turn hits the generation deadline.
	FallbackTimeout string
	// FallbackToolLoop is spoken when the model exceeds the function-call cap.
	FallbackToolLoop string
	// BargeInConfidence gates interim transcripts on the barge-in path.
	// Zero means DefaultBargeInConfidence.
	BargeInConfidence float64
}

// Session runs the dialogue for one phone call: it consumes the
// transcript stream, drives agent turns through the generation
// orchestrator, feeds reply increments to the synthesizer, and arbitrates
// barge-in. All turn logic is serialized through the state machine; a
// turn only ever starts from LISTENING.
type Session struct {
	cfg         Config
	fsm         *StateMachine
	history     *History
	transcriber *transcribe.Transcriber
	orch        *llm.Orchestrator
	synth       *synth.Streamer
	obs         metrics.Observer
	log         *slog.Logger

	loopCtx    context.Context
	loopCancel context.CancelFunc
	done       chan struct{}

	mu         sync.Mutex
	cancelTurn context.CancelFunc
	pending    []string
	endReason  string
	endErr     error
	onEnd      func(reason string, cause error)
	started    bool
}

func NewSession(cfg Config, transcriber *transcribe.Transcriber, orch *llm.Orchestrator, streamer *synth.Streamer) *Session {
	if cfg.FallbackTimeout == "" {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}
	if cfg.FallbackToolLoop == "" {
		cfg.FallbackToolLoop = DefaultFallbackToolLoop
	}
	if cfg.BargeInConfidence <= 0 {
		cfg.BargeInConfidence = DefaultBargeInConfidence
	}
	return &Session{
		cfg:         cfg,
		fsm:         NewStateMachine(),
		history:     NewHistory(),
		transcriber: transcriber,
		orch:        orch,
		synth:       streamer,
		obs:         metrics.NoopObserver{},
		log:         slog.Default(),
		done:        make(chan struct{}),
	}
}

func (s *Session) SetObserver(obs metrics.Observer) {
	if obs != nil {
		s.obs = obs
	}
}

func (s *Session) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log.With("component", "dialogue", "session_id", s.cfg.SessionID, "call_sid", s.cfg.CallSID)
	}
}

// OnEnd registers a hook invoked exactly once when the session ends,
// with the end reason and the fatal cause if there was one.
func (s *Session) OnEnd(fn func(reason string, cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = fn
}

// State exposes the dialogue state, mostly for tests and health checks.
func (s *Session) State() State { return s.fsm.State() }

// History exposes the conversation record.
func (s *Session) History() *History { return s.history }

// AddStateListener registers a dialogue state listener.
func (s *Session) AddStateListener(l StateListener) { s.fsm.AddListener(l) }

// Start opens the recognizer and synthesizer streams, speaks the
// greeting, and begins consuming transcripts.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.loopCtx, s.loopCancel = context.WithCancel(ctx)
	if err := s.transcriber.Start(s.loopCtx); err != nil {
		return err
	}
	if err := s.synth.Start(s.loopCtx); err != nil {
		_ = s.transcriber.Close()
		return err
	}

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionStart,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.cfg.SessionID, "call_sid": s.cfg.CallSID},
	})
	s.log.Info("session_started", "from", s.cfg.FromNumber)

	if s.cfg.Greeting != "" {
		s.speakGreeting()
	}
	go s.loop(s.loopCtx)
	return nil
}

func (s *Session) speakGreeting() {
	if err := s.fsm.Transition(StateThinking, "greeting"); err != nil {
		return
	}
	s.synth.BeginUtterance()
	if err := s.synth.Speak(s.cfg.Greeting); err != nil {
		s.log.Warn("greeting_failed", "error", err.Error())
		_ = s.fsm.Transition(StateListening, "greeting failed")
		return
	}
	_ = s.fsm.Transition(StateSpeaking, "greeting")
	s.history.AppendAgent(s.cfg.Greeting, false)
}

// PushAudio forwards one caller audio frame to the recognizer.
func (s *Session) PushAudio(frame frames.AudioFrame) error {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventAudioIn,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.cfg.SessionID},
	})
	return s.transcriber.SendAudio(frame)
}

// PullAudio blocks until the next outbound audio frame is ready.
func (s *Session) PullAudio(ctx context.Context) (frames.Frame, error) {
	return s.synth.Pull(ctx)
}

// OnPlaybackComplete tells the session the transport drained the
// outbound buffer. SPEAKING ends here, and any transcripts that arrived
// while the agent was busy start the next turn.
func (s *Session) OnPlaybackComplete() {
	if s.fsm.State() != StateSpeaking {
		return
	}
	if err := s.fsm.Transition(StateListening, "playback complete"); err != nil {
		return
	}
	s.maybeStartBufferedTurn()
}

// Done closes when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports the fatal cause if the session ended on one.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// EndReason reports why the session ended.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Close ends the session on behalf of the caller or operator.
func (s *Session) Close(reason string) error {
	if reason == "" {
		reason = "hangup"
	}
	s.terminate(reason, nil)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.transcriber.Results():
			if !ok {
				if err := s.transcriber.Err(); err != nil {
					s.terminate("recognizer_failure", err)
				}
				return
			}
			tf, isTranscript := f.(frames.TranscriptFrame)
			if !isTranscript {
				continue
			}
			s.handleTranscript(tf)
		}
	}
}

func (s *Session) handleTranscript(tf frames.TranscriptFrame) {
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return
	}

	// Caller speech while the agent is speaking is a barge-in: the
	// caller should not have to finish a sentence to stop the agent. A
	// final always interrupts; an interim must clear the confidence bar
	// so background noise does not cut the agent off.
	if s.fsm.State() == StateSpeaking {
		if !tf.Final() && tf.Confidence() < s.cfg.BargeInConfidence {
			s.log.Debug("barge_in_suppressed", "confidence", tf.Confidence())
			return
		}
		s.bargeIn()
	}

	if !tf.Final() {
		return
	}

	switch s.fsm.State() {
	case StateListening:
		s.startTurn(s.takePending(text))
	case StateThinking:
		// The agent is mid-turn. Buffer the utterance and fold it into
		// the next caller turn instead of racing the current one.
		s.mu.Lock()
		s.pending = append(s.pending, text)
		s.mu.Unlock()
		s.log.Debug("transcript_buffered", "text_len", len(text))
	}
}

func (s *Session) bargeIn() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	dropped := s.synth.Cancel()
	if cancel == nil && dropped > 0 {
		// Generation already finished; the truncation happened purely
		// in playback.
		s.history.MarkLastAgentTruncated()
	}

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventBargeIn,
		Time:  time.Now(),
		Value: float64(dropped),
		Tags:  map[string]string{"session_id": s.cfg.SessionID},
	})
	s.log.Info("barge_in", "dropped_frames", dropped)
	_ = s.fsm.Transition(StateListening, "barge-in")
}

func (s *Session) takePending(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return text
	}
	parts := append(s.pending, text)
	s.pending = nil
	return strings.Join(parts, " ")
}

func (s *Session) maybeStartBufferedTurn() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	text := strings.Join(s.pending, " ")
	s.pending = nil
	s.mu.Unlock()

	if s.fsm.State() == StateListening {
		s.startTurn(text)
	}
}

func (s *Session) startTurn(userText string) {
	if err := s.fsm.Transition(StateThinking, "caller turn"); err != nil {
		s.log.Warn("turn_not_started", "error", err.Error())
		return
	}
	go s.runTurn(userText)
}

func (s *Session) runTurn(userText string) {
	turnStart := time.Now()
	s.history.AppendCaller(userText)

	turnCtx, cancel := context.WithCancel(s.loopCtx)
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	out := make(chan string, 16)
	var spoken strings.Builder
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		first := true
		for inc := range out {
			if first {
				first = false
				s.synth.BeginUtterance()
				_ = s.fsm.Transition(StateSpeaking, "first increment")
				s.obs.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventGenerationFirst,
					Time:  time.Now(),
					Value: float64(time.Since(turnStart).Milliseconds()),
					Tags:  map[string]string{"session_id": s.cfg.SessionID},
				})
			}
			spoken.WriteString(inc)
			if err := s.synth.Speak(inc); err != nil {
				s.log.Warn("speak_failed", "error", err.Error())
			}
		}
	}()

	err := s.orch.Run(turnCtx, s.cfg.SessionID, s.history.Messages(s.cfg.SystemPrompt), out)
	close(out)
	<-consumerDone

	text := spoken.String()
	switch {
	case err == nil:
		if text != "" {
			s.history.AppendAgent(text, false)
		}
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventTurnDone,
			Time:  time.Now(),
			Value: float64(time.Since(turnStart).Milliseconds()),
			Tags:  map[string]string{"session_id": s.cfg.SessionID},
		})
		if s.fsm.State() == StateThinking {
			// Model produced no text at all; do not leave the caller in limbo.
			_ = s.fsm.Transition(StateListening, "empty reply")
			s.maybeStartBufferedTurn()
		}
	case errors.Is(err, context.Canceled):
		// Barge-in or teardown already handled the state; just record
		// what was actually said.
		if text != "" {
			s.history.AppendAgent(text, true)
		}
	case errorsx.HasReason(err, errorsx.ReasonGenerationTimeout):
		if text != "" {
			s.history.AppendAgent(text, true)
		}
		s.speakFallback(s.cfg.FallbackTimeout, errorsx.ReasonGenerationTimeout)
	case errorsx.HasReason(err, errorsx.ReasonToolLoopExceeded):
		if text != "" {
			s.history.AppendAgent(text, true)
		}
		s.speakFallback(s.cfg.FallbackToolLoop, errorsx.ReasonToolLoopExceeded)
	case errorsx.IsFatal(err):
		s.terminate("fatal_turn_failure", err)
	default:
		s.log.Error("turn_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		if text != "" {
			s.history.AppendAgent(text, true)
		}
		s.speakFallback(s.cfg.FallbackTimeout, errorsx.Reason(err))
	}
}

// speakFallback keeps the call alive after a recovered turn failure.
func (s *Session) speakFallback(text string, reason errorsx.ReasonCode) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventFallbackUtterance,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.cfg.SessionID, "reason_code": string(reason)},
	})
	s.log.Warn("fallback_utterance", "reason_code", string(reason))

	if s.fsm.State() == StateThinking {
		s.synth.BeginUtterance()
		_ = s.fsm.Transition(StateSpeaking, "fallback")
	}
	if err := s.synth.Speak(text); err != nil {
		s.log.Error("fallback_failed", "error", err.Error())
		s.terminate("synthesis_failure", err)
		return
	}
	s.history.AppendAgent(text, false)
}

func (s *Session) terminate(reason string, cause error) {
	s.mu.Lock()
	if s.endReason != "" {
		s.mu.Unlock()
		return
	}
	s.endReason = reason
	s.endErr = cause
	cancel := s.cancelTurn
	onEnd := s.onEnd
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = s.fsm.Transition(StateEnded, reason)
	if s.loopCancel != nil {
		s.loopCancel()
	}
	if err := s.transcriber.Close(); err != nil {
		s.log.Warn("transcriber_close_failed", "error", err.Error())
	}
	if err := s.synth.Close(); err != nil {
		s.log.Warn("synth_close_failed", "error", err.Error())
	}

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionEnd,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.cfg.SessionID, "reason": reason},
	})
	if cause != nil {
		s.log.Error("session_ended", "reason", reason, "error", cause.Error())
	} else {
		s.log.Info("session_ended", "reason", reason)
	}
	if onEnd != nil {
		onEnd(reason, cause)
	}
	close(s.done)
}

// RecordingRegistry wraps a tool registry so every executed function call
// also lands in the conversation record, keeping multi-turn context
// about booking outcomes.
type RecordingRegistry struct {
	inner   llm.ToolRegistry
	history *History
}

func NewRecordingRegistry(inner llm.ToolRegistry, history *History) *RecordingRegistry {
	return &RecordingRegistry{inner: inner, history: history}
}

// SetHistory binds the conversation record after construction, for
// callers that build the registry before the session that owns it.
func (r *RecordingRegistry) SetHistory(history *History) { r.history = history }

func (r *RecordingRegistry) Tools() []llm.Tool { return r.inner.Tools() }

func (r *RecordingRegistry) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := r.inner.HandleTool(ctx, name, args)
	recorded := result
	if err != nil && recorded == "" {
		recorded = "error: " + err.Error()
	}
	if r.history != nil {
		r.history.AppendFunction(name, recorded)
	}
	return result, err
}

var _ llm.ToolRegistry = (*RecordingRegistry)(nil)
