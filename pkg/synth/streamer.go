package synth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/metrics"
)

const DefaultBufferFrames = 50

// ErrClosed is returned by Pull once the synthesizer stream has ended.
var ErrClosed = errors.New("synth: streamer closed")

// Config tunes one outbound synthesis stream.
type Config struct {
	SessionID string
	// BufferFrames bounds the outbound audio buffer. When the transport
	// stops pulling, synthesis blocks instead of growing without bound.
	BufferFrames int
}

// Streamer drives a vendor TTS with agent text increments and hands the
// produced audio to the transport in pull order. Cancel purges everything
// not yet pulled, so after a barge-in the caller hears at most the frame
// already in flight.
type Streamer struct {
	adapter tts.StreamingTTS
	cfg     Config
	out     chan genFrame
	obs     metrics.Observer
	log     *slog.Logger

	mu        sync.Mutex
	gen       int
	enqueued  int
	delivered int
	startedAt time.Time
	closed    bool
}

type genFrame struct {
	gen   int
	frame frames.Frame
}

func New(adapter tts.StreamingTTS, cfg Config) *Streamer {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = DefaultBufferFrames
	}
	return &Streamer{
		adapter: adapter,
		cfg:     cfg,
		out:     make(chan genFrame, cfg.BufferFrames),
		obs:     metrics.NoopObserver{},
		log:     slog.Default(),
	}
}

func (s *Streamer) SetObserver(obs metrics.Observer) {
	if obs != nil {
		s.obs = obs
	}
}

func (s *Streamer) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log.With("component", "synth", "session_id", s.cfg.SessionID)
	}
}

func (s *Streamer) Start(ctx context.Context) error {
	if err := s.adapter.Start(ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSynthesisSend)
	}
	go s.relay(ctx)
	return nil
}

// BeginUtterance marks the start of a new agent reply so first-audio
// latency is measured per utterance.
func (s *Streamer) BeginUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = 0
	s.delivered = 0
	s.startedAt = time.Now()
}

// Speak forwards one text increment to the synthesizer.
func (s *Streamer) Speak(text string) error {
	if text == "" {
		return nil
	}
	if err := s.adapter.SendText(text); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSynthesisSend)
	}
	return nil
}

// Pull blocks until the next playable audio frame is available. Frames
// synthesized before the last Cancel are skipped and their buffers
// returned to the pool.
func (s *Streamer) Pull(ctx context.Context) (frames.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case gf, ok := <-s.out:
			if !ok {
				return nil, ErrClosed
			}
			s.mu.Lock()
			stale := gf.gen != s.gen
			if !stale {
				s.delivered++
			}
			s.mu.Unlock()
			if stale {
				frames.ReleaseAudioFrame(gf.frame)
				continue
			}
			return gf.frame, nil
		}
	}
}

// Cancel invalidates all audio not yet pulled and purges the vendor-side
// synthesis buffer. It returns how many frames were dropped.
func (s *Streamer) Cancel() int {
	s.mu.Lock()
	s.gen++
	dropped := s.enqueued - s.delivered
	if dropped < 0 {
		dropped = 0
	}
	s.enqueued = 0
	s.delivered = 0
	s.mu.Unlock()

	s.adapter.Flush()
	if dropped > 0 {
		s.log.Info("synth_canceled", "dropped_frames", dropped)
	}
	return dropped
}

// Close shuts the synthesizer down. Pending Pull calls return ErrClosed
// once the buffer drains.
func (s *Streamer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.adapter.Close()
}

func (s *Streamer) relay(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.adapter.Results():
			if !ok {
				return
			}
			s.mu.Lock()
			gen := s.gen
			s.enqueued++
			first := s.enqueued == 1 && !s.startedAt.IsZero()
			elapsed := time.Since(s.startedAt)
			s.mu.Unlock()
			if first {
				s.obs.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventSynthesisFirst,
					Time:  time.Now(),
					Value: float64(elapsed.Milliseconds()),
					Tags:  map[string]string{"session_id": s.cfg.SessionID, "adapter": s.adapter.Name()},
				})
			}
			select {
			case s.out <- genFrame{gen: gen, frame: f}:
			case <-ctx.Done():
				return
			}
		}
	}
}
