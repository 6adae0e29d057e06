package mock

import (
	"errors"
	"sync"
	"time"

	"context"

	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/frames"
)

// StreamingSTT is a hand-driven recognizer: tests feed it audio through
// SendAudio and script transcripts through EmitTranscript, or kill the
// connection with FailWith.
type StreamingSTT struct {
	cfg     stt.Config
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	closed  bool
	err     error
	audio   int
}

func NewSTT(cfg stt.Config) *StreamingSTT {
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *StreamingSTT) Close() error {
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

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.audio++
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Closed reports whether the stream was shut down.
func (s *StreamingSTT) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioFrames reports how many frames reached the recognizer.
func (s *StreamingSTT) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// EmitTranscript injects one recognizer result.
func (s *StreamingSTT) EmitTranscript(text string, final bool, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- frames.NewTranscriptFrame(s.cfg.SessionID, time.Now().UnixNano(), text, final, confidence, 0, 0, map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  "stt",
	})
}

// FailWith simulates a recognizer disconnect: Results closes and Err
// reports the given error.
func (s *StreamingSTT) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	s.started = false
	close(s.out)
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
