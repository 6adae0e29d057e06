package stt

import (
	"context"

	"github.com/lyravoice/lyra/pkg/frames"
)

// StreamingSTT defines the contract for any speech-to-text vendor
// implementation. Results delivers interim and final TranscriptFrames in
// recognizer order and is closed when the upstream connection ends; Err
// reports the terminal error after the close. A session is single-use:
// once closed it cannot be restarted, a new session is required per call.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the recognizer connection.
	Start(ctx context.Context) error
	// Close shuts down the recognizer connection.
	Close() error
	// SendAudio forwards one audio frame to the recognizer.
	SendAudio(frame frames.AudioFrame) error
	// Results returns the ordered stream of transcript/control frames.
	Results() <-chan frames.Frame
	// Err returns the terminal error once Results is closed, nil on
	// an orderly shutdown initiated by Close.
	Err() error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	CallSID    string
	TraceID    string
	SampleRate int
	Encoding   string
	Language   string
}
