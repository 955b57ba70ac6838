package turn

import (
	"sync"
	"time"
)

// DefaultResumeAfter is how long a conversation waits for the operator before the bot takes over again.
const DefaultResumeAfter = 5 * time.Minute

// StateChange represents a state transition event.
type StateChange struct {
	Identifier string
	FromState  State
	ToState    State
	Timestamp  time.Time
	Reason     string
}

// StateListener observes conversation state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(event StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

type Options struct {
	ResumeAfter time.Duration
	Now         func() time.Time
}

// Machine holds the transition table for conversations. It keeps no per-lead
// state: the current state is read from and written back to the lead record.
type Machine struct {
	mu          sync.RWMutex
	resumeAfter time.Duration
	now         func() time.Time

	// Event emission
	stateChangeListeners []StateListener
}

func NewMachine(opts Options) *Machine {
	if opts.ResumeAfter <= 0 {
		opts.ResumeAfter = DefaultResumeAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{resumeAfter: opts.ResumeAfter, now: opts.Now}
}

// ResumeAfter returns the configured operator idle window.
func (m *Machine) ResumeAfter() time.Duration {
	return m.resumeAfter
}

// transitionValid checks if a state transition is valid.
func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateInitial:       {StateActive, StateAwaitingHuman},
		StateActive:        {StateAwaitingHuman},
		StateAwaitingHuman: {StateActive},
	}

	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves identifier from one state to another with validation.
// Staying in the same state is a no-op and emits nothing.
func (m *Machine) Transition(identifier string, from, to State, reason string) (State, error) {
	if from == to {
		return from, nil
	}
	if !transitionValid(from, to) {
		return from, &InvalidTransitionError{From: from, To: to}
	}

	event := StateChange{
		Identifier: identifier,
		FromState:  from,
		ToState:    to,
		Timestamp:  m.now(),
		Reason:     reason,
	}

	// Notify listeners outside the lock so they may call back into the machine.
	m.mu.RLock()
	listeners := make([]StateListener, len(m.stateChangeListeners))
	copy(listeners, m.stateChangeListeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return to, nil
}

// ShouldResume reports whether an AWAITING_HUMAN conversation is due to resume.
// A nil lastHuman means no operator has written yet, so there is nothing to time out.
func (m *Machine) ShouldResume(state State, lastHuman *time.Time, now time.Time) bool {
	if state != StateAwaitingHuman || lastHuman == nil {
		return false
	}
	return now.Sub(*lastHuman) >= m.resumeAfter
}

// Resume applies the lazy auto-resume rule at the start of a turn.
func (m *Machine) Resume(identifier string, state State, lastHuman *time.Time, now time.Time) (State, bool) {
	if !m.ShouldResume(state, lastHuman, now) {
		return state, false
	}
	next, err := m.Transition(identifier, state, StateActive, ReasonAutoResume)
	if err != nil {
		return state, false
	}
	return next, true
}

// Decide derives the next state from the turn signals without side effects.
func (m *Machine) Decide(from State, sig Signals) (State, string) {
	switch {
	case sig.GenerationFailed:
		return StateAwaitingHuman, ReasonGenerationFailed
	case sig.ContactAskedHuman:
		return StateAwaitingHuman, ReasonContactAskedHuman
	case sig.Restricted:
		return StateAwaitingHuman, ReasonRestrictedTopic
	case sig.ReplySignalsHandoff:
		return StateAwaitingHuman, ReasonReplyHandoff
	case sig.MissingKnowledge:
		return StateAwaitingHuman, ReasonMissingKnowledge
	}
	if from == StateInitial && sig.Generated {
		return StateActive, ReasonFirstReply
	}
	return from, ""
}

// Advance decides and applies the end-of-turn transition.
func (m *Machine) Advance(identifier string, from State, sig Signals) (State, string) {
	to, reason := m.Decide(from, sig)
	next, err := m.Transition(identifier, from, to, reason)
	if err != nil {
		return from, ""
	}
	return next, reason
}

// HumanTookOver moves a conversation to AWAITING_HUMAN after an operator message.
func (m *Machine) HumanTookOver(identifier string, from State) State {
	next, err := m.Transition(identifier, from, StateAwaitingHuman, ReasonOperatorMessage)
	if err != nil {
		return from
	}
	return next
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeListeners = append(m.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
