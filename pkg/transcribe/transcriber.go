package transcribe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/metrics"
	"github.com/lyravoice/lyra/pkg/redact"
)

const DefaultSilenceThreshold = 2 * time.Second

// Config tunes one transcription stream.
type Config struct {
	SessionID string
	// SilenceThreshold is how long an utterance may sit without a final
	// result before the latest interim is promoted to a final.
	SilenceThreshold time.Duration
}

// Transcriber wraps a vendor recognizer into the session's transcript
// stream. It preserves recognizer order, promotes a stale interim to a
// final after the silence threshold so a turn can never stall on a
// recognizer that stops talking, and surfaces a recognizer disconnect
// as a fatal recognition_unavailable error.
type Transcriber struct {
	adapter stt.StreamingSTT
	cfg     Config
	out     chan frames.Frame
	pts     *frames.PTSGen
	obs     metrics.Observer
	log     *slog.Logger

	mu      sync.Mutex
	err     error
	started bool
	closed  bool
}

func New(adapter stt.StreamingSTT, cfg Config) *Transcriber {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	return &Transcriber{
		adapter: adapter,
		cfg:     cfg,
		out:     make(chan frames.Frame, 32),
		pts:     frames.NewPTSGen(),
		obs:     metrics.NoopObserver{},
		log:     slog.Default(),
	}
}

func (t *Transcriber) SetObserver(obs metrics.Observer) {
	if obs != nil {
		t.obs = obs
	}
}

func (t *Transcriber) SetLogger(log *slog.Logger) {
	if log != nil {
		t.log = log.With("component", "transcribe", "session_id", t.cfg.SessionID)
	}
}

// Start opens the recognizer and begins relaying results. The returned
// error is fatal for the session.
func (t *Transcriber) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.adapter.Start(ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognitionUnavailable)
	}
	go t.relay(ctx)
	return nil
}

// SendAudio forwards one caller audio frame to the recognizer.
func (t *Transcriber) SendAudio(frame frames.AudioFrame) error {
	return t.adapter.SendAudio(frame)
}

// Results delivers transcript frames in recognizer order. The channel is
// closed when the recognizer stream ends; check Err afterwards.
func (t *Transcriber) Results() <-chan frames.Frame {
	return t.out
}

// Err reports the terminal error once Results is closed.
func (t *Transcriber) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close shuts the recognizer down. Safe to call more than once.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.adapter.Close()
}

func (t *Transcriber) relay(ctx context.Context) {
	defer close(t.out)

	silence := time.NewTimer(t.cfg.SilenceThreshold)
	if !silence.Stop() {
		<-silence.C
	}
	var pending *frames.TranscriptFrame

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-t.adapter.Results():
			if !ok {
				t.finish(silence)
				return
			}
			tf, isTranscript := f.(frames.TranscriptFrame)
			if !isTranscript {
				t.emit(ctx, f)
				continue
			}
			if tf.Final() {
				pending = nil
				stopTimer(silence)
				t.recordFinal(tf, false)
			} else {
				pending = &tf
				stopTimer(silence)
				silence.Reset(t.cfg.SilenceThreshold)
			}
			t.emit(ctx, tf)
		case <-silence.C:
			if pending == nil {
				continue
			}
			forced := frames.NewTranscriptFrame(
				t.cfg.SessionID,
				t.pts.Next(t.cfg.SessionID),
				pending.Text(),
				true,
				pending.Confidence(),
				pending.StartMS(),
				pending.EndMS(),
				map[string]string{frames.MetaReason: "silence_timeout"},
			)
			pending = nil
			t.log.Info("transcript_forced_final", "text_len", len(forced.Text()))
			t.recordFinal(forced, true)
			t.emit(ctx, forced)
		}
	}
}

func (t *Transcriber) finish(silence *time.Timer) {
	stopTimer(silence)
	cause := t.adapter.Err()
	t.mu.Lock()
	closed := t.closed
	if cause != nil && !closed {
		t.err = errorsx.Wrap(cause, errorsx.ReasonRecognitionUnavailable)
	}
	t.mu.Unlock()
	if cause != nil && !closed {
		t.log.Error("recognizer_disconnected", "error", cause.Error())
	}
}

func (t *Transcriber) emit(ctx context.Context, f frames.Frame) {
	select {
	case t.out <- f:
	case <-ctx.Done():
	}
}

func (t *Transcriber) recordFinal(tf frames.TranscriptFrame, forced bool) {
	tags := map[string]string{"session_id": t.cfg.SessionID, "adapter": t.adapter.Name()}
	if forced {
		tags["forced"] = "true"
	}
	t.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTranscriptFinal,
		Time:  time.Now(),
		Value: tf.Confidence(),
		Tags:  tags,
		Fields: map[string]any{
			"text": redact.Text(tf.Text()),
		},
	})
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
