package dialogue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/llm"
	"github.com/lyravoice/lyra/pkg/metrics"
	"github.com/lyravoice/lyra/pkg/providers/mock"
	"github.com/lyravoice/lyra/pkg/synth"
	"github.com/lyravoice/lyra/pkg/transcribe"
)

type sessionFixture struct {
	session *Session
	sttm    *mock.StreamingSTT
	ttsm    *mock.StreamingTTS
	llm     *mock.LLMAdapter
	obs     *metrics.MemoryObserver
}

func newFixture(t *testing.T, cfg Config, orchCfg llm.OrchestratorConfig, turns ...mock.LLMTurn) *sessionFixture {
	t.Helper()
	if cfg.SessionID == "" {
		cfg.SessionID = "s1"
	}

	sttm := mock.NewSTT(stt.Config{SessionID: cfg.SessionID})
	ttsm := mock.NewTTS(tts.Config{SessionID: cfg.SessionID})
	adapter := mock.NewLLMAdapter(turns...)
	obs := metrics.NewMemoryObserver()

	transcriber := transcribe.New(sttm, transcribe.Config{SessionID: cfg.SessionID, SilenceThreshold: time.Minute})
	streamer := synth.New(ttsm, synth.Config{SessionID: cfg.SessionID})
	orch := llm.NewOrchestrator(adapter, nil, orchCfg)

	session := NewSession(cfg, transcriber, orch, streamer)
	session.SetObserver(obs)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { session.Close("test done") })

	return &sessionFixture{session: session, sttm: sttm, ttsm: ttsm, llm: adapter, obs: obs}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func agentTurns(h *History) []Turn {
	var out []Turn
	for _, turn := range h.Turns() {
		if turn.Role == RoleAgent {
			out = append(out, turn)
		}
	}
	return out
}

func TestSessionTurnLifecycle(t *testing.T) {
	fx := newFixture(t, Config{}, llm.OrchestratorConfig{},
		mock.LLMTurn{Deltas: []string{"We have ", "9:30 open."}})

	fx.sttm.EmitTranscript("anything tomorrow morning", true, 0.9)

	waitFor(t, "agent reply in history", func() bool {
		return len(agentTurns(fx.session.History())) == 1
	})
	turns := fx.session.History().Turns()
	if turns[0].Role != RoleCaller || turns[0].Content != "anything tomorrow morning" {
		t.Fatalf("caller turn wrong: %+v", turns[0])
	}
	reply := agentTurns(fx.session.History())[0]
	if reply.Content != "We have 9:30 open." || reply.Truncated {
		t.Fatalf("agent turn wrong: %+v", reply)
	}

	waitFor(t, "SPEAKING state", func() bool { return fx.session.State() == StateSpeaking })

	// Drain the buffered audio like a transport would.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, err := fx.session.PullAudio(ctx); err != nil {
			t.Fatalf("pull audio: %v", err)
		}
	}
	fx.session.OnPlaybackComplete()
	if fx.session.State() != StateListening {
		t.Fatalf("expected LISTENING after playback, got %s", fx.session.State())
	}
}

func TestSessionBargeInDuringPlayback(t *testing.T) {
	fx := newFixture(t, Config{}, llm.OrchestratorConfig{},
		mock.LLMTurn{Deltas: []string{"Our hours are nine to five, Monday through Friday, and "}},
		mock.LLMTurn{Deltas: []string{"Sure, 9:30 works."}})

	fx.sttm.EmitTranscript("what are your hours", true, 0.9)
	waitFor(t, "first reply spoken", func() bool { return fx.session.State() == StateSpeaking })
	waitFor(t, "first agent turn recorded", func() bool {
		return len(agentTurns(fx.session.History())) == 1
	})
	// Audio is still sitting in the outbound buffer when the caller talks over it.
	time.Sleep(30 * time.Millisecond)

	fx.sttm.EmitTranscript("actually just book me for 9:30", true, 0.9)

	waitFor(t, "second reply", func() bool {
		return len(agentTurns(fx.session.History())) == 2
	})
	replies := agentTurns(fx.session.History())
	if !replies[0].Truncated {
		t.Fatalf("interrupted reply must be marked truncated: %+v", replies[0])
	}
	if replies[1].Content != "Sure, 9:30 works." {
		t.Fatalf("second reply wrong: %+v", replies[1])
	}
	if len(fx.obs.Named(metrics.EventBargeIn)) == 0 {
		t.Fatal("barge_in never recorded")
	}
}

func TestSessionBuffersTranscriptsWhileThinking(t *testing.T) {
	fx := newFixture(t, Config{}, llm.OrchestratorConfig{},
		mock.LLMTurn{Delay: 60 * time.Millisecond, Deltas: []string{"One moment."}},
		mock.LLMTurn{Deltas: []string{"Booked."}})

	fx.sttm.EmitTranscript("book me an appointment", true, 0.9)
	waitFor(t, "THINKING state", func() bool { return fx.session.State() == StateThinking })
	fx.sttm.EmitTranscript("tomorrow at ten please", true, 0.9)

	waitFor(t, "first reply", func() bool {
		return len(agentTurns(fx.session.History())) == 1
	})
	waitFor(t, "SPEAKING state", func() bool { return fx.session.State() == StateSpeaking })
	fx.session.OnPlaybackComplete()

	waitFor(t, "buffered turn ran", func() bool {
		return len(fx.llm.Calls()) == 2
	})
	second := fx.llm.Calls()[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleUser || last.Content != "tomorrow at ten please" {
		t.Fatalf("buffered transcript not folded into next turn: %+v", last)
	}
}

func TestSessionFallbackOnGenerationTimeout(t *testing.T) {
	fx := newFixture(t, Config{}, llm.OrchestratorConfig{TurnTimeout: 30 * time.Millisecond},
		mock.LLMTurn{Delay: 400 * time.Millisecond, Deltas: []string{"too late"}})

	fx.sttm.EmitTranscript("hello", true, 0.9)

	waitFor(t, "fallback utterance", func() bool {
		return len(fx.obs.Named(metrics.EventFallbackUtterance)) == 1
	})
	waitFor(t, "fallback in history", func() bool {
		replies := agentTurns(fx.session.History())
		return len(replies) == 1 && replies[0].Content == DefaultFallbackTimeout
	})
	if fx.session.State() == StateEnded {
		t.Fatal("generation timeout must not end the session")
	}
	sent := fx.ttsm.SentTexts()
	if len(sent) == 0 || sent[len(sent)-1] != DefaultFallbackTimeout {
		t.Fatalf("fallback never reached the synthesizer: %v", sent)
	}
}

func TestSessionGreetingSpokenOnStart(t *testing.T) {
	fx := newFixture(t, Config{Greeting: "Thanks for calling Lyra Clinic, how can I help?"}, llm.OrchestratorConfig{})

	waitFor(t, "greeting synthesized", func() bool {
		sent := fx.ttsm.SentTexts()
		return len(sent) == 1 && sent[0] == "Thanks for calling Lyra Clinic, how can I help?"
	})
	if fx.session.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING during greeting, got %s", fx.session.State())
	}
	replies := agentTurns(fx.session.History())
	if len(replies) != 1 || replies[0].Truncated {
		t.Fatalf("greeting missing from history: %+v", replies)
	}
}

func TestSessionEndsOnRecognizerFailure(t *testing.T) {
	fx := newFixture(t, Config{}, llm.OrchestratorConfig{})

	fx.sttm.FailWith(errors.New("websocket: close 1006"))

	select {
	case <-fx.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session never ended")
	}
	if fx.session.EndReason() != "recognizer_failure" {
		t.Fatalf("end reason = %q", fx.session.EndReason())
	}
	if !errorsx.HasReason(fx.session.Err(), errorsx.ReasonRecognitionUnavailable) {
		t.Fatalf("expected recognition_unavailable, got %v", fx.session.Err())
	}
}

func TestRecordingRegistryAppendsFunctionTurns(t *testing.T) {
	history := NewHistory()
	inner := &staticRegistry{result: "slots: 09:30"}
	reg := NewRecordingRegistry(inner, history)

	result, err := reg.HandleTool(context.Background(), "get_available_slots", map[string]any{"date": "2026-09-01"})
	if err != nil || result != "slots: 09:30" {
		t.Fatalf("unexpected result (%q, %v)", result, err)
	}
	turns := history.Turns()
	if len(turns) != 1 || turns[0].Role != RoleFunction || turns[0].Function != "get_available_slots" {
		t.Fatalf("function turn not recorded: %+v", turns)
	}
}

type staticRegistry struct{ result string }

func (r *staticRegistry) Tools() []llm.Tool { return nil }
func (r *staticRegistry) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return r.result, nil
}

func TestSessionLowConfidenceInterimDoesNotInterrupt(t *testing.T) {
	fx := newFixture(t, Config{}, llm.OrchestratorConfig{},
		mock.LLMTurn{Deltas: []string{"We are open nine to five every weekday, and "}})

	fx.sttm.EmitTranscript("what are your hours", true, 0.9)
	waitFor(t, "agent speaking", func() bool { return fx.session.State() == StateSpeaking })

	// Background noise shows up as a low-confidence interim.
	fx.sttm.EmitTranscript("uh", false, 0.1)

	time.Sleep(50 * time.Millisecond)
	if fx.session.State() != StateSpeaking {
		t.Fatalf("low-confidence interim interrupted speech, state %s", fx.session.State())
	}
	if len(fx.obs.Named(metrics.EventBargeIn)) != 0 {
		t.Fatal("barge_in recorded for a low-confidence interim")
	}

	// A confident interim still interrupts immediately.
	fx.sttm.EmitTranscript("actually hold on", false, 0.9)
	waitFor(t, "barge-in to LISTENING", func() bool { return fx.session.State() == StateListening })
	if len(fx.obs.Named(metrics.EventBargeIn)) == 0 {
		t.Fatal("confident interim never barged in")
	}
}

func TestStartClosesRecognizerWhenSynthFails(t *testing.T) {
	sttm := mock.NewSTT(stt.Config{SessionID: "s1"})
	ttsm := mock.NewTTS(tts.Config{SessionID: "s1"})
	ttsm.StartErr = errors.New("synthesizer unreachable")

	transcriber := transcribe.New(sttm, transcribe.Config{SessionID: "s1", SilenceThreshold: time.Minute})
	streamer := synth.New(ttsm, synth.Config{SessionID: "s1"})
	orch := llm.NewOrchestrator(mock.NewLLMAdapter(), nil, llm.OrchestratorConfig{})

	session := NewSession(Config{SessionID: "s1"}, transcriber, orch, streamer)
	if err := session.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if !sttm.Closed() {
		t.Fatal("recognizer stream left open after failed start")
	}
}
