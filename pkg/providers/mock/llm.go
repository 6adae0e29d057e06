package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/llm"
)

// LLMTurn scripts the events one Stream invocation produces.
type LLMTurn struct {
	Deltas   []string
	ToolCall *llm.ToolCall
	Err      error
	// Delay is applied before the first event, for timeout tests.
	Delay time.Duration
}

// LLMAdapter replays scripted turns and records every request it saw.
type LLMAdapter struct {
	mu    sync.Mutex
	turns []LLMTurn
	calls []llm.Context
}

func NewLLMAdapter(turns ...LLMTurn) *LLMAdapter {
	return &LLMAdapter{turns: turns}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Event, error) {
	a.mu.Lock()
	a.calls = append(a.calls, input)
	var turn LLMTurn
	if len(a.turns) > 0 {
		turn = a.turns[0]
		a.turns = a.turns[1:]
	} else {
		turn = LLMTurn{Deltas: []string{"mock response"}}
	}
	a.mu.Unlock()

	out := make(chan llm.Event, len(turn.Deltas)+2)
	go func() {
		defer close(out)
		if turn.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(turn.Delay):
			}
		}
		if turn.Err != nil {
			out <- llm.Event{Err: turn.Err}
			return
		}
		for _, d := range turn.Deltas {
			select {
			case <-ctx.Done():
				return
			case out <- llm.Event{Delta: d}:
			}
		}
		if turn.ToolCall != nil {
			call := *turn.ToolCall
			out <- llm.Event{ToolCall: &call, FinishReason: "tool_calls"}
			return
		}
		out <- llm.Event{FinishReason: "stop"}
	}()
	return out, nil
}

// Calls returns every request context passed to Stream, in order.
func (a *LLMAdapter) Calls() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Context, len(a.calls))
	copy(out, a.calls)
	return out
}

var _ llm.Adapter = (*LLMAdapter)(nil)
