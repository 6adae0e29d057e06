package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/lyravoice/lyra/pkg/frames"
)

func TestSendBargeInClearsPlaybackBuffer(t *testing.T) {
	tr := New(Config{})
	sess := &wsSession{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.conns["stream-1"] = sess
	tr.mu.Unlock()

	cf := frames.NewControlFrame("stream-1", 1, frames.ControlBargeIn, map[string]string{})
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt, _ := payload["event"].(string); evt != "clear" {
			t.Fatalf("expected clear event, got %q", evt)
		}
		if sid, _ := payload["streamSid"].(string); sid != "stream-1" {
			t.Fatalf("expected streamSid stream-1, got %q", sid)
		}
	default:
		t.Fatalf("expected clear event to be enqueued")
	}
}

func TestSendAudioEncodesMediaMessage(t *testing.T) {
	tr := New(Config{})
	sess := &wsSession{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.conns["stream-1"] = sess
	tr.mu.Unlock()

	pcm := []byte{0x7f, 0x7f, 0x00, 0x01}
	af := frames.NewAudioFrame("stream-1", 1, pcm, 8000, 1, map[string]string{})
	if err := tr.Send(af); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-sess.sendCh:
		var payload struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload.Event != "media" {
			t.Fatalf("expected media event, got %q", payload.Event)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Media.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Fatalf("payload mismatch")
		}
	default:
		t.Fatalf("expected media message to be enqueued")
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), body))

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://example.com/ws"/>`) {
		t.Fatalf("expected stream TwiML, got %q", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

type stubCallUpdater struct {
	lastSID    string
	lastStatus string
	err        error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Status != nil {
		s.lastStatus = *params.Status
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestEndCallCompletesViaREST(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"})
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.EndCall(context.Background(), "CA123"); err != nil {
		t.Fatalf("EndCall error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", stub.lastSID)
	}
	if stub.lastStatus != "completed" {
		t.Fatalf("expected status completed, got %q", stub.lastStatus)
	}

	stub.err = errors.New("boom")
	if err := tr.EndCall(context.Background(), "CA123"); err == nil {
		t.Fatalf("expected error on update failure")
	}
	if err := tr.EndCall(context.Background(), "  "); err == nil {
		t.Fatalf("expected error on empty call sid")
	}
}

func TestHandleStatusCallbackMapping(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	streamID := "stream-1"
	callSID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callSID] = streamID
	tr.callSIDs[streamID] = callSID
	tr.mu.Unlock()

	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "busy")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), body))

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", frame)
		}
		if sys.Name() != "call_end" {
			t.Fatalf("expected call_end event, got %q", sys.Name())
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "busy" {
			t.Fatalf("expected call_end_reason busy, got %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallSID] != callSID {
			t.Fatalf("expected call_sid %q, got %q", callSID, meta[frames.MetaCallSID])
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("expected call_end frame")
	}
}

func TestMediaStreamBatchesInboundAudio(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeJSON := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	writeJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1", "from": "+15550001111"},
	})

	chunk := make([]byte, mediaFrameBytes)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	payload := base64.StdEncoding.EncodeToString(chunk)
	for i := 0; i < inboundBufferFrames+1; i++ {
		writeJSON(map[string]any{"event": "media", "media": map[string]any{"payload": payload}})
	}
	writeJSON(map[string]any{"event": "stop", "stop": map[string]any{"reason": "call_ended"}})

	deadline := time.After(3 * time.Second)
	var got []frames.Frame
	for len(got) < 3 {
		select {
		case f := <-tr.Recv():
			got = append(got, f)
		case <-deadline:
			t.Fatalf("timed out after %d frames", len(got))
		}
	}

	sys, ok := got[0].(frames.SystemFrame)
	if !ok || sys.Name() != "call_start" {
		t.Fatalf("expected call_start first, got %#v", got[0])
	}
	if sys.Meta()[frames.MetaFromNumber] != "+15550001111" {
		t.Fatalf("expected from number on call_start meta")
	}

	af, ok := got[1].(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected audio frame second, got %T", got[1])
	}
	if len(af.RawPayload()) != mediaFrameBytes*inboundBufferFrames {
		t.Fatalf("expected %d byte batch, got %d", mediaFrameBytes*inboundBufferFrames, len(af.RawPayload()))
	}
	if af.Meta()[frames.MetaCallSID] != "CA1" {
		t.Fatalf("expected call sid on audio meta")
	}

	end, ok := got[2].(frames.SystemFrame)
	if !ok || end.Name() != "call_end" {
		t.Fatalf("expected call_end last, got %#v", got[2])
	}
	if end.Meta()[frames.MetaCallEndReason] != "completed" {
		t.Fatalf("expected completed reason, got %q", end.Meta()[frames.MetaCallEndReason])
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"completed":  "completed",
		"Call_Ended": "completed",
		"busy":       "busy",
		"no-answer":  "no_answer",
		"failed":     "failed",
		"in-progress": "",
		"weird":      "unknown",
		"":           "",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Errorf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, requestURL, body string) string {
	form, _ := url.ParseQuery(body)
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := requestURL
	for _, k := range keys {
		base += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
