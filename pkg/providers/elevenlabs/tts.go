package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/logging"
	"github.com/lyravoice/lyra/pkg/resilience"
)

// frameBytes is one telephony frame interval of mulaw at 8kHz: 20ms.
// Chopping vendor chunks to this size keeps the barge-in purge granular.
const frameBytes = 160

// Settings are the vendor knobs, decoded from the providers.tts.settings
// config map.
type Settings struct {
	APIKey          string  `mapstructure:"api_key"`
	VoiceID         string  `mapstructure:"voice_id"`
	ModelID         string  `mapstructure:"model_id"`
	OutputFormat    string  `mapstructure:"output_format"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

func (s *Settings) applyDefaults() {
	if s.OutputFormat == "" {
		// Matches the Twilio media stream leg, no transcoding needed.
		s.OutputFormat = "ulaw_8000"
	}
	if s.Stability == 0 {
		s.Stability = 0.5
	}
	if s.SimilarityBoost == 0 {
		s.SimilarityBoost = 0.8
	}
}

// ElevenLabsTTS synthesizes agent speech over the stream-input websocket
// and emits frame-interval audio chunks.
type ElevenLabsTTS struct {
	cfg      tts.Config
	settings Settings
	conn     *websocket.Conn
	out      chan frames.Frame
	writeCh  chan ttsMessage
	ctx      context.Context
	cancel   context.CancelFunc
	pts      *frames.PTSGen
	log      *slog.Logger
	mu       sync.Mutex
	// leftover carries the tail of a vendor chunk that did not fill a
	// whole frame.
	leftover []byte
}

type ttsMessage struct {
	text  string
	flush bool
}

func New(cfg tts.Config, settings Settings) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	settings.applyDefaults()
	return &ElevenLabsTTS{
		cfg:      cfg,
		settings: settings,
		out:      make(chan frames.Frame, 256),
		writeCh:  make(chan ttsMessage, 256),
		pts:      frames.NewPTSGen(),
		log:      logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.settings.APIKey == "" || s.settings.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	u := s.buildURL()

	s.log.Debug("elevenlabs_connecting",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("output_format", s.settings.OutputFormat))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(u, http.Header{
		"xi-api-key": []string{s.settings.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.log.Error("elevenlabs_rate_limited",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.log.Error("elevenlabs_connect_failed",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return err
	}

	s.conn = conn
	s.log.Info("elevenlabs_connected",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("output_format", s.settings.OutputFormat))

	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        s.settings.Stability,
			"similarity_boost": s.settings.SimilarityBoost,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	s.log.Info("elevenlabs_closing", slog.String("session_id", s.cfg.SessionID))
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- ttsMessage{text: text}:
	default:
		s.log.Warn("elevenlabs_write_queue_full",
			slog.String("session_id", s.cfg.SessionID))
	}
	return nil
}

// Flush tells ElevenLabs to stop generating and drops audio already
// buffered on our side, so nothing synthesized pre-interruption plays.
func (s *ElevenLabsTTS) Flush() {
	select {
	case s.writeCh <- ttsMessage{text: " ", flush: true}:
	default:
	}

drainLoop:
	for {
		select {
		case f := <-s.out:
			frames.ReleaseAudioFrame(f)
		default:
			break drainLoop
		}
	}
	s.mu.Lock()
	s.leftover = nil
	s.mu.Unlock()
	s.log.Info("elevenlabs_purged", slog.String("session_id", s.cfg.SessionID))
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

// send JSON-marshals the payload and writes it on the websocket under the
// connection mutex so Start, writeLoop, and Close don't race on the conn.
func (s *ElevenLabsTTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	return s.conn.WriteJSON(payload)
}

func (s *ElevenLabsTTS) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.settings.VoiceID + "/stream-input"
	q := url.Values{}
	if s.settings.ModelID != "" {
		q.Set("model_id", s.settings.ModelID)
	}
	q.Set("output_format", s.settings.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *ElevenLabsTTS) writeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			// Keep-alive: the stream-input socket times out after 20s idle.
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.log.Error("elevenlabs_read_error",
						slog.String("session_id", s.cfg.SessionID),
						slog.String("error", err.Error()))
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *ElevenLabsTTS) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("elevenlabs_raw_message", "data_len", len(data))
		return
	}
	audio, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			audio = a
		} else if a, ok := msg["audio_base64"].(string); ok {
			audio = a
		} else {
			if _, isAlign := msg["alignment"]; !isAlign {
				s.log.Debug("elevenlabs_message", "payload_keys", len(msg))
			}
			return
		}
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.log.Error("elevenlabs_audio_decode_error", "error", err.Error())
		return
	}
	s.emitChunk(raw)
}

// emitChunk slices a vendor chunk into frame-interval audio frames.
func (s *ElevenLabsTTS) emitChunk(raw []byte) {
	s.mu.Lock()
	buf := append(s.leftover, raw...)
	var rest []byte
	if tail := len(buf) % frameBytes; tail > 0 {
		rest = append([]byte(nil), buf[len(buf)-tail:]...)
		buf = buf[:len(buf)-tail]
	}
	s.leftover = rest
	s.mu.Unlock()

	meta := map[string]string{
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "elevenlabs",
		frames.MetaEncoding: "mulaw",
	}
	for off := 0; off < len(buf); off += frameBytes {
		f := frames.NewAudioFrameFromPool(
			s.cfg.SessionID,
			s.pts.Next(s.cfg.SessionID),
			buf[off:off+frameBytes],
			s.cfg.SampleRate,
			s.cfg.Channels,
			meta,
		)
		select {
		case s.out <- f:
		default:
			frames.ReleaseAudioFrame(f)
			s.log.Warn("elevenlabs_out_buffer_full",
				slog.String("session_id", s.cfg.SessionID))
		}
	}
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
