package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/metrics"
	"github.com/lyravoice/lyra/pkg/providers/mock"
)

func newStreamer(t *testing.T) (*Streamer, *mock.StreamingTTS) {
	t.Helper()
	adapter := mock.NewTTS(tts.Config{SessionID: "s1", CallSID: "CA123"})
	s := New(adapter, Config{SessionID: "s1", BufferFrames: 16})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, adapter
}

func pull(t *testing.T, s *Streamer) frames.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Pull(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	return f
}

func TestSpeakProducesAudioInOrder(t *testing.T) {
	s, adapter := newStreamer(t)
	s.BeginUtterance()

	if err := s.Speak("We have "); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if err := s.Speak("9:30 open."); err != nil {
		t.Fatalf("speak: %v", err)
	}

	for i := 0; i < 2; i++ {
		f := pull(t, s)
		if f.Kind() != frames.KindAudio {
			t.Fatalf("frame %d: kind %s", i, f.Kind())
		}
	}
	got := adapter.SentTexts()
	if len(got) != 2 || got[0] != "We have " || got[1] != "9:30 open." {
		t.Fatalf("increments out of order: %v", got)
	}
}

func TestSpeakIgnoresEmptyIncrement(t *testing.T) {
	s, adapter := newStreamer(t)
	if err := s.Speak(""); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if len(adapter.SentTexts()) != 0 {
		t.Fatal("empty increment reached the synthesizer")
	}
}

func TestCancelDropsBufferedAudio(t *testing.T) {
	s, _ := newStreamer(t)
	s.BeginUtterance()

	for i := 0; i < 5; i++ {
		if err := s.Speak("filler"); err != nil {
			t.Fatalf("speak: %v", err)
		}
	}
	// Let the relay drain the vendor channel into the outbound buffer.
	pull(t, s)
	time.Sleep(50 * time.Millisecond)

	dropped := s.Cancel()
	if dropped == 0 {
		t.Fatal("expected queued frames to be dropped")
	}

	// Everything synthesized before the cancel is gone: a fresh increment
	// must be the next frame delivered.
	s.BeginUtterance()
	if err := s.Speak("after barge-in"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	f := pull(t, s)
	if f.Kind() != frames.KindAudio {
		t.Fatalf("unexpected kind %s", f.Kind())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if extra, err := s.Pull(ctx); err == nil {
		t.Fatalf("stale frame leaked past cancel: %#v", extra)
	}
}

func TestFirstAudioLatencyRecorded(t *testing.T) {
	adapter := mock.NewTTS(tts.Config{SessionID: "s1"})
	obs := metrics.NewMemoryObserver()
	s := New(adapter, Config{SessionID: "s1"})
	s.SetObserver(obs)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	s.BeginUtterance()
	if err := s.Speak("hello"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	pull(t, s)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(obs.Named(metrics.EventSynthesisFirst)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("synthesis_first_audio never recorded")
}

func TestPullAfterCloseReturnsErrClosed(t *testing.T) {
	s, _ := newStreamer(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Pull(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
