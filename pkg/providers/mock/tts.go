package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/frames"
)

// StreamingTTS synthesizes one deterministic audio frame per text
// increment so tests can count and order the output precisely.
type StreamingTTS struct {
	cfg       tts.Config
	out       chan frames.Frame
	mu        sync.Mutex
	started   bool
	closed    bool
	sent      []string
	frameSize int
	// StartErr makes Start fail, simulating an unreachable synthesizer.
	StartErr error
}

func NewTTS(cfg tts.Config) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{
		cfg:       cfg,
		out:       make(chan frames.Frame, 64),
		frameSize: 160,
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.started = false
	close(s.out)
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.sent = append(s.sent, text)
	pcm := make([]byte, s.frameSize)
	f := frames.NewAudioFrame(s.cfg.SessionID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  "tts",
	})
	select {
	case s.out <- f:
	default:
	}
	return nil
}

func (s *StreamingTTS) Flush() {
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

// SentTexts returns every increment passed to SendText, in order.
func (s *StreamingTTS) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
