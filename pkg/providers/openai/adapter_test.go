package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lyravoice/lyra/pkg/llm"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = w.Write([]byte("data: " + line + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
}

func newTestAdapter(srv *httptest.Server) *Adapter {
	return NewAdapter(Settings{APIKey: "test-key", BaseURL: srv.URL})
}

func drainEvents(t *testing.T, events <-chan llm.Event) []llm.Event {
	t.Helper()
	var out []llm.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamTextDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"We have "}}]}`,
		`{"choices":[{"delta":{"content":"9:30 open."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	defer srv.Close()

	events, err := newTestAdapter(srv).Stream(context.Background(), llm.Context{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "anything tomorrow?"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	got := drainEvents(t, events)
	var text strings.Builder
	finished := false
	for _, ev := range got {
		text.WriteString(ev.Delta)
		if ev.FinishReason == "stop" {
			finished = true
		}
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}
	if text.String() != "We have 9:30 open." {
		t.Fatalf("deltas = %q", text.String())
	}
	if !finished {
		t.Fatal("stop never emitted")
	}
}

func TestStreamAccumulatesToolCallDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"book_appointment","arguments":"{\"date\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"2026-09-01\",\"time\":\"09:30\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	events, err := newTestAdapter(srv).Stream(context.Background(), llm.Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var call *llm.ToolCall
	for _, ev := range drainEvents(t, events) {
		if ev.ToolCall != nil {
			call = ev.ToolCall
		}
	}
	if call == nil {
		t.Fatal("tool call never emitted")
	}
	if call.ID != "call_1" || call.Name != "book_appointment" {
		t.Fatalf("call = %+v", call)
	}
	if call.Arguments["date"] != "2026-09-01" || call.Arguments["time"] != "09:30" {
		t.Fatalf("arguments not reassembled: %v", call.Arguments)
	}
}

func TestStreamNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model overloaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestAdapter(srv).Stream(context.Background(), llm.Context{})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected server error surfaced, got %v", err)
	}
}

func TestWireMessagesRoundTripShapes(t *testing.T) {
	msgs := wireMessages([]llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_available_slots", Arguments: map[string]any{"date": "2026-09-01"}}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: "open times: 09:30"},
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if _, hasContent := msgs[0]["content"]; hasContent {
		t.Fatal("assistant tool-call message must omit empty content")
	}
	if msgs[1]["tool_call_id"] != "c1" {
		t.Fatalf("tool message missing tool_call_id: %v", msgs[1])
	}
}
