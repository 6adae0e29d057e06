package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lyravoice/lyra/pkg/llm"
	"github.com/lyravoice/lyra/pkg/resilience"
)

// Settings are the vendor knobs, decoded from the providers.llm.settings
// config map.
type Settings struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
}

func (s *Settings) applyDefaults() {
	if s.Model == "" {
		s.Model = "gpt-4o-mini"
	}
	if s.BaseURL == "" {
		s.BaseURL = "https://api.openai.com/v1"
	}
}

// Adapter streams chat completions over SSE, accumulating tool-call
// deltas until the model commits to them.
type Adapter struct {
	settings Settings
	client   *http.Client
}

func NewAdapter(settings Settings) *Adapter {
	settings.applyDefaults()
	return &Adapter{
		settings: settings,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Event, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.settings.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.settings.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitError{Provider: "openai", Message: string(payload)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.New(string(payload))
	}

	out := make(chan llm.Event, 128)
	go a.consume(ctx, resp.Body, out)
	return out, nil
}

// pendingCall accumulates one tool call across SSE chunks; arguments
// arrive as partial JSON text keyed by index.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *Adapter) consume(ctx context.Context, body io.ReadCloser, out chan<- llm.Event) {
	defer body.Close()
	defer close(out)

	pending := map[int]*pendingCall{}
	order := []int{}

	emit := func(ev llm.Event) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- ev:
			return true
		}
	}

	flushCalls := func() {
		for _, idx := range order {
			pc := pending[idx]
			args := map[string]any{}
			if raw := pc.args.String(); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			if !emit(llm.Event{
				ToolCall:     &llm.ToolCall{ID: pc.id, Name: pc.name, Arguments: args},
				FinishReason: "tool_calls",
			}) {
				return
			}
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(llm.Event{Delta: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &pendingCall{}
				pending[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		switch choice.FinishReason {
		case "tool_calls":
			flushCalls()
			return
		case "stop":
			emit(llm.Event{FinishReason: "stop"})
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(llm.Event{Err: err})
	}
}

func (a *Adapter) buildRequest(input llm.Context) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.settings.Model,
		"stream":   true,
		"messages": wireMessages(input.Messages),
	}
	if a.settings.Temperature > 0 {
		req["temperature"] = a.settings.Temperature
	}
	if len(input.Tools) > 0 {
		req["tools"] = wireTools(input.Tools)
		req["tool_choice"] = "auto"
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func wireTools(tools []llm.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema,
			},
		})
	}
	return out
}

func wireMessages(messages []llm.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		wire := map[string]any{"role": string(m.Role)}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			wire["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				args, err := json.Marshal(c.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":   c.ID,
					"type": "function",
					"function": map[string]any{
						"name":      c.Name,
						"arguments": string(args),
					},
				})
			}
			wire["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			wire["tool_call_id"] = m.ToolCallID
		}
		out = append(out, wire)
	}
	return out
}

var _ llm.Adapter = (*Adapter)(nil)
