package dialogue

import (
	"sync"
	"time"
)

type State int

const (
	StateListening State = iota
	StateThinking
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents one dialogue state transition.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes dialogue state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError reports a transition the dialogue does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid dialogue state transition from " + e.From.String() + " to " + e.To.String()
}

// StateMachine is the per-call dialogue state machine. A session starts
// in LISTENING and ends, terminally, in ENDED; every state may jump to
// ENDED because hangups and fatal errors happen at any time.
type StateMachine struct {
	mu           sync.RWMutex
	currentState State
	listeners    []StateListener

	speakingStartTime  time.Time
	listeningStartTime time.Time
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:       StateListening,
		listeningStartTime: time.Now(),
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (sm *StateMachine) transitionValid(from, to State) bool {
	if to == StateEnded {
		return from != StateEnded
	}
	validTransitions := map[State][]State{
		StateListening: {StateThinking},
		StateThinking:  {StateSpeaking, StateListening},
		StateSpeaking:  {StateListening},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *StateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()

	if !sm.transitionValid(sm.currentState, state) {
		defer sm.mu.Unlock()
		return &InvalidTransitionError{
			From: sm.currentState,
			To:   state,
		}
	}

	oldState := sm.currentState
	sm.currentState = state

	switch state {
	case StateListening:
		sm.listeningStartTime = time.Now()
	case StateSpeaking:
		sm.speakingStartTime = time.Now()
	}

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	// Notify listeners outside the lock to avoid deadlocks.
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *StateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// SpeakingFor reports how long the agent has been speaking. Zero when
// not in SPEAKING.
func (sm *StateMachine) SpeakingFor() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.currentState != StateSpeaking {
		return 0
	}
	return time.Since(sm.speakingStartTime)
}
