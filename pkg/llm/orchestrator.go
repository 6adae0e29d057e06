package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lyravoice/lyra/pkg/errorsx"
	"github.com/lyravoice/lyra/pkg/metrics"
)

// OrchestratorConfig bounds one agent turn.
type OrchestratorConfig struct {
	// MaxToolCalls caps sequential function calls within a single turn.
	MaxToolCalls int
	// TurnTimeout bounds the whole turn including tool execution.
	TurnTimeout time.Duration
}

const (
	DefaultMaxToolCalls = 3
	DefaultTurnTimeout  = 12 * time.Second
)

// Orchestrator manages one model-generation request per agent turn:
// it streams text increments, executes requested function calls against
// the registry, and resumes generation with their results.
type Orchestrator struct {
	adapter  Adapter
	registry ToolRegistry
	cfg      OrchestratorConfig
	obs      metrics.Observer
	log      *slog.Logger
}

func NewOrchestrator(adapter Adapter, registry ToolRegistry, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	return &Orchestrator{
		adapter:  adapter,
		registry: registry,
		cfg:      cfg,
		obs:      metrics.NoopObserver{},
		log:      slog.Default(),
	}
}

func (o *Orchestrator) SetObserver(obs metrics.Observer) {
	if obs != nil {
		o.obs = obs
	}
}

func (o *Orchestrator) SetLogger(log *slog.Logger) {
	if log != nil {
		o.log = log
	}
}

// Run streams the agent reply for one turn into out. It returns after
// generation completes, the turn deadline passes (generation_timeout),
// the tool-call cap is exceeded (tool_loop_exceeded), or ctx is canceled
// (barge-in or teardown; the ctx error is returned unwrapped so callers
// can tell cancellation from failure). Run never closes out.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, history []Message, out chan<- string) error {
	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	messages := append([]Message(nil), history...)
	toolCalls := 0
	for {
		events, err := o.adapter.Stream(turnCtx, Context{Messages: messages, Tools: o.tools()})
		if err != nil {
			return o.classify(ctx, turnCtx, errorsx.Wrap(err, errorsx.ReasonLLMStream))
		}
		call, err := o.drain(ctx, turnCtx, sessionID, events, out)
		if err != nil {
			return err
		}
		if call == nil {
			return nil
		}

		toolCalls++
		if toolCalls > o.cfg.MaxToolCalls {
			o.log.Warn("tool_loop_exceeded", "session_id", sessionID, "calls", toolCalls, "cap", o.cfg.MaxToolCalls)
			return errorsx.Newf(errorsx.ReasonToolLoopExceeded, "model requested %d sequential tool calls, cap is %d", toolCalls, o.cfg.MaxToolCalls)
		}
		result := o.execute(turnCtx, sessionID, *call)
		messages = append(messages,
			Message{Role: RoleAssistant, ToolCalls: []ToolCall{*call}},
			Message{Role: RoleTool, ToolCallID: call.ID, Content: result},
		)
	}
}

// drain forwards text deltas until the stream ends or a tool call arrives.
func (o *Orchestrator) drain(parent, turnCtx context.Context, sessionID string, events <-chan Event, out chan<- string) (*ToolCall, error) {
	for {
		select {
		case <-turnCtx.Done():
			return nil, o.classify(parent, turnCtx, turnCtx.Err())
		case ev, ok := <-events:
			if !ok {
				return nil, nil
			}
			if ev.Err != nil {
				return nil, o.classify(parent, turnCtx, errorsx.Wrap(ev.Err, errorsx.ReasonLLMStream))
			}
			if ev.ToolCall != nil {
				return ev.ToolCall, nil
			}
			if ev.Delta == "" {
				continue
			}
			select {
			case out <- ev.Delta:
			case <-turnCtx.Done():
				return nil, o.classify(parent, turnCtx, turnCtx.Err())
			}
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, sessionID string, call ToolCall) string {
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventToolCallDispatched,
		Time: time.Now(),
		Tags: map[string]string{"session_id": sessionID, "tool": call.Name},
	})
	o.log.Info("tool_call", "session_id", sessionID, "tool", call.Name)
	if o.registry == nil {
		return "error: no such function"
	}
	result, err := o.registry.HandleTool(ctx, call.Name, call.Arguments)
	if err != nil {
		// Recoverable tool failures go back to the model as a function
		// result so it can self-correct or offer another slot.
		o.log.Info("tool_call_failed", "session_id", sessionID, "tool", call.Name, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		if result == "" {
			result = "error: " + err.Error()
		}
	}
	return result
}

func (o *Orchestrator) tools() []Tool {
	if o.registry == nil {
		return nil
	}
	return o.registry.Tools()
}

// classify separates external cancellation from the turn deadline.
func (o *Orchestrator) classify(parent, turnCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		return errorsx.Wrap(context.DeadlineExceeded, errorsx.ReasonGenerationTimeout)
	}
	return err
}
