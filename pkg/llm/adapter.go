package llm

import "context"

// Tool describes one function the model is allowed to invoke.
type Tool struct {
	Name        string
	Description string
	Schema      any
}

// ToolCall is one structured function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one entry of the ordered conversation context.
type Message struct {
	Role       string // system | user | assistant | tool
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that requested tools
	ToolCallID string     // set on tool messages carrying a result
}

// Context is the full input for one generation request.
type Context struct {
	Messages []Message
	Tools    []Tool
}

// Event is one element of a generation stream: either a text delta, a
// completed tool-call request, or a terminal error. FinishReason is set
// on the last event of a stream.
type Event struct {
	Delta        string
	ToolCall     *ToolCall
	FinishReason string
	Err          error
}

// Adapter defines the contract for any language-model vendor
// implementation. Stream must honor ctx cancellation promptly and close
// the returned channel when generation ends.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, input Context) (<-chan Event, error)
}

// ToolRegistry executes the closed set of functions the model may call.
type ToolRegistry interface {
	Tools() []Tool
	HandleTool(ctx context.Context, name string, args map[string]any) (string, error)
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
