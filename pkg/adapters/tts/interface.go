package tts

import (
	"context"

	"github.com/lyravoice/lyra/pkg/frames"
)

// StreamingTTS defines the contract for any text-to-speech vendor
// implementation. Audio frames come out of Results in synthesis order.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the synthesizer connection.
	Start(ctx context.Context) error
	// Close shuts down the synthesizer connection.
	Close() error
	// SendText queues one text increment for synthesis.
	SendText(text string) error
	// Flush aborts the current synthesis and drops buffered audio.
	Flush()
	// Results returns a channel of audio/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SessionID  string
	CallSID    string
	SampleRate int
	Channels   int
}
