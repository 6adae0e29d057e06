package dialogue

import (
	"errors"
	"sync"
	"testing"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(event StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureListener) Events() []StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StateChange, len(c.events))
	copy(out, c.events)
	return out
}

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	if sm.State() != StateListening {
		t.Fatalf("new session must start LISTENING, got %s", sm.State())
	}

	steps := []struct {
		to     State
		reason string
	}{
		{StateThinking, "caller turn"},
		{StateSpeaking, "first increment"},
		{StateListening, "playback complete"},
		{StateThinking, "caller turn"},
		{StateListening, "empty reply"},
	}
	for _, step := range steps {
		if err := sm.Transition(step.to, step.reason); err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	sm := NewStateMachine()

	err := sm.Transition(StateSpeaking, "skip thinking")
	if err == nil {
		t.Fatal("LISTENING -> SPEAKING must be rejected")
	}
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("unexpected error type %T", err)
	}
	if invalid.From != StateListening || invalid.To != StateSpeaking {
		t.Fatalf("wrong transition recorded: %v", invalid)
	}
	if sm.State() != StateListening {
		t.Fatalf("state moved on a rejected transition: %s", sm.State())
	}
}

func TestStateMachineEndedIsTerminal(t *testing.T) {
	for _, from := range []State{StateListening, StateThinking, StateSpeaking} {
		sm := NewStateMachine()
		if from != StateListening {
			if err := sm.Transition(StateThinking, "setup"); err != nil {
				t.Fatal(err)
			}
		}
		if from == StateSpeaking {
			if err := sm.Transition(StateSpeaking, "setup"); err != nil {
				t.Fatal(err)
			}
		}
		if err := sm.Transition(StateEnded, "hangup"); err != nil {
			t.Fatalf("%s -> ENDED: %v", from, err)
		}
		for _, to := range []State{StateListening, StateThinking, StateSpeaking, StateEnded} {
			if err := sm.Transition(to, "resurrection"); err == nil {
				t.Fatalf("ENDED -> %s must be rejected", to)
			}
		}
	}
}

func TestStateMachineNotifiesListeners(t *testing.T) {
	sm := NewStateMachine()
	capture := &captureListener{}
	sm.AddListener(capture)

	if err := sm.Transition(StateThinking, "caller turn"); err != nil {
		t.Fatal(err)
	}
	if err := sm.Transition(StateSpeaking, "first increment"); err != nil {
		t.Fatal(err)
	}

	events := capture.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].FromState != StateListening || events[0].ToState != StateThinking || events[0].Reason != "caller turn" {
		t.Fatalf("first event wrong: %+v", events[0])
	}
	if events[1].FromState != StateThinking || events[1].ToState != StateSpeaking {
		t.Fatalf("second event wrong: %+v", events[1])
	}
}
