package lyra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/dialogue"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/llm"
	pmock "github.com/lyravoice/lyra/pkg/providers/mock"
	tmock "github.com/lyravoice/lyra/pkg/transports/mock"
)

type engineFixture struct {
	engine    *Engine
	transport *tmock.Transport
	llmMock   *pmock.LLMAdapter
	calendar  *pmock.Calendar
	sttCh     chan *pmock.StreamingSTT
}

func testConfig() Config {
	return Config{
		Vendors: VendorsConfig{
			STT:      VendorConfig{Provider: "mock"},
			TTS:      VendorConfig{Provider: "mock"},
			LLM:      VendorConfig{Provider: "mock"},
			Calendar: VendorConfig{Provider: "mock"},
		},
		Transports: TransportsConfig{Provider: "mock"},
		Dialogue: DialogueConfig{
			SilenceThresholdMS: 60000,
			TurnTimeoutMS:      5000,
			MaxToolCalls:       3,
			SynthBufferFrames:  50,
			PlaybackIdleMS:     40,
		},
		Booking: BookingConfig{
			CalendarID:  "primary",
			OpenHour:    9,
			CloseHour:   17,
			SlotMinutes: 30,
			HoldTTLMS:   30000,
		},
		Environment: "test",
		LogLevel:    "error",
	}
}

func newEngineFixture(t *testing.T, turns ...pmock.LLMTurn) *engineFixture {
	t.Helper()
	f := &engineFixture{
		transport: tmock.New(),
		llmMock:   pmock.NewLLMAdapter(turns...),
		calendar:  pmock.NewCalendar(),
		sttCh:     make(chan *pmock.StreamingSTT, 8),
	}
	providers := NewProviderRegistry()
	providers.RegisterSTT("mock", func(_ Config, c stt.Config) (stt.StreamingSTT, error) {
		m := pmock.NewSTT(c)
		f.sttCh <- m
		return m, nil
	})
	providers.RegisterTTS("mock", func(_ Config, c tts.Config) (tts.StreamingTTS, error) {
		return pmock.NewTTS(c), nil
	})
	providers.RegisterLLM("mock", func(Config) (llm.Adapter, error) {
		return f.llmMock, nil
	})

	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: providers,
		Transport: f.transport,
		Calendar:  f.calendar,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = eng

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return f
}

func waitUntil(t *testing.T, what string, cond func() bool) {
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

func (f *engineFixture) startCall(t *testing.T, callSID, streamID string) *pmock.StreamingSTT {
	t.Helper()
	f.transport.Push(frames.NewSystemFrame(streamID, 1, "call_start", map[string]string{
		frames.MetaCallSID:    callSID,
		frames.MetaFromNumber: "+15550001111",
	}))
	waitUntil(t, "session created", func() bool {
		_, ok := f.engine.Session(callSID)
		return ok
	})
	select {
	case m := <-f.sttCh:
		return m
	case <-time.After(time.Second):
		t.Fatalf("no stt adapter built")
		return nil
	}
}

func TestEngineCallLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	sttMock := f.startCall(t, "CA1", "MZ1")

	payload := make([]byte, 640)
	f.transport.Push(frames.NewAudioFrame("MZ1", 2, payload, 8000, 1, map[string]string{
		frames.MetaCallSID: "CA1",
	}))
	waitUntil(t, "audio reaching recognizer", func() bool {
		return sttMock.AudioFrames() > 0
	})

	sttMock.EmitTranscript("what times are open tomorrow", true, 0.95)

	waitUntil(t, "reply audio on transport", func() bool {
		select {
		case sent := <-f.transport.Sent():
			return sent.Kind() == frames.KindAudio
		default:
			return false
		}
	})

	cs, _ := f.engine.Session("CA1")
	waitUntil(t, "dialogue back to listening", func() bool {
		return cs.Session.State() == dialogue.StateListening
	})

	f.transport.Push(frames.NewSystemFrame("MZ1", 3, "call_end", map[string]string{
		frames.MetaCallSID:       "CA1",
		frames.MetaCallEndReason: "completed",
	}))
	waitUntil(t, "session removed", func() bool {
		_, ok := f.engine.Session("CA1")
		return !ok
	})
	waitUntil(t, "registry empty", func() bool {
		return f.engine.Registry().Count() == 0
	})
}

func TestEngineBargeInSendsClearToTransport(t *testing.T) {
	f := newEngineFixture(t,
		pmock.LLMTurn{Deltas: []string{"We have quite a few options, let me walk you through them. "}},
		pmock.LLMTurn{Deltas: []string{"Sure."}},
	)
	sttMock := f.startCall(t, "CA2", "MZ2")

	sttMock.EmitTranscript("hello", true, 0.9)
	cs, _ := f.engine.Session("CA2")
	waitUntil(t, "agent speaking", func() bool {
		return cs.Session.State() == dialogue.StateSpeaking
	})

	sttMock.EmitTranscript("actually wait", false, 0.6)

	waitUntil(t, "clear control frame", func() bool {
		select {
		case sent := <-f.transport.Sent():
			if sent.Kind() != frames.KindControl {
				return false
			}
			cf := sent.(frames.ControlFrame)
			return cf.Code() == frames.ControlBargeIn && cf.Meta()[frames.MetaStreamID] == "MZ2"
		default:
			return false
		}
	})
}

func TestEngineReleasesHoldsWhenSessionEnds(t *testing.T) {
	f := newEngineFixture(t)
	f.startCall(t, "CA3", "MZ3")

	booker := f.engine.Booking()
	slot := time.Date(2030, time.March, 4, 10, 0, 0, 0, booker.Location())
	if !booker.Holds().Acquire("primary", slot, "CA3") {
		t.Fatalf("expected hold to be acquired")
	}
	if !booker.Holds().HeldByOther("primary", slot, "someone-else") {
		t.Fatalf("expected slot to be held against other sessions")
	}

	f.engine.EndSession("CA3", "completed")
	waitUntil(t, "hold released", func() bool {
		return !booker.Holds().HeldByOther("primary", slot, "someone-else")
	})
}

func TestEnginePushInboundUnknownCall(t *testing.T) {
	f := newEngineFixture(t)
	af := frames.NewAudioFrame("MZ9", 1, make([]byte, 160), 8000, 1, nil)
	if err := f.engine.PushInbound("CA-none", af); err == nil {
		t.Fatalf("expected error for unknown call")
	}
}

func TestEngineDrainStopsNewSessions(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Registry().SetDraining(true)
	cs, _, err := f.engine.Registry().GetOrCreate("CA4", "MZ4", "", "")
	if !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
	if cs != nil {
		t.Fatalf("expected no session while draining")
	}
}

func TestEngineRejectsEmptyCallSID(t *testing.T) {
	f := newEngineFixture(t)
	cs, err := f.engine.StartSession("", "MZ5", "", "")
	if !errors.Is(err, ErrMissingCallSID) {
		t.Fatalf("expected ErrMissingCallSID, got %v", err)
	}
	if cs != nil {
		t.Fatalf("expected no session for an empty call SID")
	}
}
