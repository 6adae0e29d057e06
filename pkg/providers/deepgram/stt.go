package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/logging"
)

// Settings are the vendor knobs, decoded from the providers.stt.settings
// config map.
type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	InterimResults bool   `mapstructure:"interim_results"`
	// UtteranceEndMS is Deepgram's native end-of-utterance detection
	// window. The telephony pipeline expects finals well inside the
	// dialogue silence threshold, so keep this below it.
	UtteranceEndMS int `mapstructure:"utterance_end_ms"`
}

func (s *Settings) applyDefaults() {
	if s.Model == "" {
		s.Model = "nova-3"
	}
	if s.UtteranceEndMS == 0 {
		s.UtteranceEndMS = 1000
	}
}

// StreamingSTT streams caller audio to Deepgram over its live websocket
// API and emits transcript frames from the callback. The connection is
// single-use: Deepgram closing the socket ends the session.
type StreamingSTT struct {
	cfg      stt.Config
	settings Settings
	dgClient *client.WSCallback
	out      chan frames.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	pts      *frames.PTSGen

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	logger     *slog.Logger
	metaLogged bool

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

func New(cfg stt.Config, settings Settings) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	settings.applyDefaults()

	return &StreamingSTT{
		cfg:      cfg,
		settings: settings,
		out:      make(chan frames.Frame, 256),
		pts:      frames.NewPTSGen(),
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.settings.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.settings.InterimResults,
		SmartFormat:    s.settings.SmartFormat,
		UtteranceEndMs: fmt.Sprintf("%d", s.settings.UtteranceEndMS),
	}

	s.logger.Info("deepgram_connecting",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("model", s.settings.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.settings.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("session_id", s.cfg.SessionID))
		return err
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("session_id", s.cfg.SessionID))
		return fmt.Errorf("deepgram connection failed")
	}

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", s.cfg.SessionID))
			s.fail(err)
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("deepgram_closing", slog.String("session_id", s.cfg.SessionID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.closeOnce.Do(func() { close(s.out) })
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(frame.RawPayload())
	if err != nil {
		s.logger.Error("deepgram_send_failed",
			slog.String("error", err.Error()),
			slog.String("session_id", s.cfg.SessionID))
	}
	return err
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the terminal error and ends the result stream.
func (s *StreamingSTT) fail(err error) {
	s.mu.Lock()
	if !s.closed && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.out) })
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	startMS := int64(mr.Start * 1000)
	endMS := int64((mr.Start + mr.Duration) * 1000)

	meta := map[string]string{
		frames.MetaCallSID: c.parent.cfg.CallSID,
		frames.MetaSource:  "stt",
	}
	if c.parent.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = c.parent.cfg.TraceID
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Bool("is_final", isFinal),
		slog.Float64("confidence", alt.Confidence))

	f := frames.NewTranscriptFrame(
		c.parent.cfg.SessionID,
		c.parent.pts.Next(c.parent.cfg.SessionID),
		alt.Transcript,
		isFinal,
		alt.Confidence,
		startMS,
		endMS,
		meta,
	)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", c.parent.cfg.SessionID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	// End-of-utterance arrives after Deepgram already promoted the last
	// result to a final; nothing extra to emit here.
	c.parent.logger.Debug("utterance_end_event",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Int("utterance_end_ms", c.parent.settings.UtteranceEndMS))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	c.parent.mu.Lock()
	closed := c.parent.closed
	c.parent.mu.Unlock()
	if !closed {
		c.parent.fail(fmt.Errorf("deepgram closed the connection"))
	} else {
		c.parent.closeOnce.Do(func() { close(c.parent.out) })
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.fail(fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
