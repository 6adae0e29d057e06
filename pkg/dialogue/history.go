package dialogue

import (
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/llm"
)

type Role string

const (
	RoleCaller   Role = "caller"
	RoleAgent    Role = "agent"
	RoleFunction Role = "function"
)

// Turn is one entry of the conversation record. Agent turns cut short by
// a barge-in keep only the text that was streamed and carry Truncated so
// the model is never told it said something it did not finish.
type Turn struct {
	Role      Role
	Content   string
	Function  string
	Truncated bool
	At        time.Time
}

// History is the append-only conversation record for one call.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

func NewHistory() *History {
	return &History{}
}

func (h *History) AppendCaller(text string) {
	h.append(Turn{Role: RoleCaller, Content: text, At: time.Now()})
}

func (h *History) AppendAgent(text string, truncated bool) {
	h.append(Turn{Role: RoleAgent, Content: text, Truncated: truncated, At: time.Now()})
}

func (h *History) AppendFunction(name, result string) {
	h.append(Turn{Role: RoleFunction, Function: name, Content: result, At: time.Now()})
}

func (h *History) append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
}

// MarkLastAgentTruncated flags the most recent agent turn as cut short.
// Used when a barge-in lands after generation finished but while the
// reply was still playing out.
func (h *History) MarkLastAgentTruncated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == RoleAgent {
			h.turns[i].Truncated = true
			return
		}
	}
}

// Turns returns a copy of the record.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len reports the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Messages renders the record as a model request. Function turns are
// folded in as user-visible context rather than tool messages because
// tool exchanges inside a turn are already replayed by the orchestrator;
// what survives here is the outcome.
func (h *History) Messages(systemPrompt string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]llm.Message, 0, len(h.turns)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, t := range h.turns {
		switch t.Role {
		case RoleCaller:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case RoleAgent:
			content := t.Content
			if t.Truncated {
				content += " [caller interrupted before the reply finished]"
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: content})
		case RoleFunction:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: "function " + t.Function + " returned: " + t.Content})
		}
	}
	return out
}
