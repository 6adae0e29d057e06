package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/transports"
)

// mediaFrameBytes is one Twilio media message: 20ms of mulaw at 8kHz.
const mediaFrameBytes = 160

// inboundBufferFrames batches caller audio before it is emitted, so the
// recognizer sees 80ms chunks instead of per-packet writes.
const inboundBufferFrames = 4

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio media streams onto the frame bus: the voice
// webhook answers with TwiML that connects the call's audio to our
// websocket, and each websocket carries one call.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	pts      *frames.PTSGen

	updateClient callUpdater

	mu          sync.Mutex
	conns       map[string]*wsSession
	callSIDs    map[string]string
	callStreams map[string]string
	fromNumbers map[string]string

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:      make(chan frames.Frame, 512),
		pts:         frames.NewPTSGen(),
		conns:       make(map[string]*wsSession),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		fromNumbers: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.conns {
		_ = sess.close()
	}
	t.conns = make(map[string]*wsSession)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	inbound := make([]byte, 0, mediaFrameBytes*inboundBufferFrames)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			oldSess := t.attach(streamID, evt.Start.CallSID, evt.Start.From, conn)
			if oldSess != nil {
				_ = oldSess.close()
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaTraceID] = uuid.NewString()
			t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), "call_start", meta))
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			inbound = append(inbound, payload...)
			if len(inbound) < mediaFrameBytes*inboundBufferFrames {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "mulaw"
			af := frames.NewAudioFrameFromPool(streamID, t.pts.Next(streamID), inbound, 8000, 1, meta)
			t.emit(af)
			inbound = inbound[:0]
		case "stop":
			reason := "completed"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaCallEndReason] = reason
			t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), "call_end", meta))
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaCallEndReason] = normalizeCallEndReason("transport_closed")
		t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		streamID := cf.Meta()[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlCancel, frames.ControlFlush, frames.ControlBargeIn:
			// Twilio's clear message drops everything it has buffered for
			// playback; this is what makes barge-in sound instant.
			return t.clearBuffer(streamID)
		case frames.ControlHangup:
			callSID := cf.Meta()[frames.MetaCallSID]
			if callSID == "" {
				callSID = t.callForStream(streamID)
			}
			return t.EndCall(context.Background(), callSID)
		default:
			return nil
		}
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		streamID := af.Meta()[frames.MetaStreamID]
		sess := t.session(streamID)
		if sess == nil {
			return errorsx.New("no active stream "+streamID, errorsx.ReasonTransportSend)
		}
		msg := map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": base64.StdEncoding.EncodeToString(af.RawPayload()),
			},
		}
		err := sess.enqueue(msg)
		frames.ReleaseAudioFrame(af)
		return err
	default:
		return nil
	}
}

// EndCall hangs up an active call through the REST API.
func (t *Transport) EndCall(ctx context.Context, callSID string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	slog.Info("call_ended_via_rest", "call_sid", callSID)
	return nil
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := `<Response><Connect><Stream url="` + t.websocketURL(r) + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), "call_end", meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.VoicePath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.VoicePath
}

func (t *Transport) statusCallbackURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.StatusCallbackPath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.StatusCallbackPath
}

func (t *Transport) attach(streamID, callSID, from string, conn *websocket.Conn) *wsSession {
	sess := &wsSession{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldSess *wsSession
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldSess = t.conns[existing]
			delete(t.conns, existing)
			delete(t.callSIDs, existing)
			delete(t.fromNumbers, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.conns[streamID] = sess
	t.callSIDs[streamID] = callSID
	if from != "" {
		t.fromNumbers[streamID] = from
	}
	t.mu.Unlock()
	go sess.loop()
	return oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.conns[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.conns, streamID)
	delete(t.callSIDs, streamID)
	delete(t.fromNumbers, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *wsSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) callForStream(streamID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callSIDs[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "transport",
	}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.fromNumbers[streamID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	return meta
}

func (t *Transport) clearBuffer(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	// Form posts are signed over the URL plus the sorted form params;
	// JSON webhooks carry a bodySHA256 query param instead.
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return false
		}
		params := make(map[string]string, len(form))
		for k := range form {
			params[k] = form.Get(k)
		}
		return validator.Validate(t.requestURL(r), params, signature)
	}
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func (t *Transport) emit(f frames.Frame) {
	select {
	case t.recvCh <- f:
	default:
		frames.ReleaseAudioFrame(f)
		slog.Warn("twilio_recv_channel_full")
	}
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

type wsSession struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (s *wsSession) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *wsSession) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *wsSession) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

// StreamEvent models the Twilio media stream wire messages.
type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

type StreamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.CallController = (*Transport)(nil)
	_ transports.ReadyReporter  = (*Transport)(nil)
)
