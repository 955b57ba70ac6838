package turn

import "strings"

// State is the conversation state tag persisted on a lead.
type State string

const (
	StateInitial       State = "INITIAL"
	StateActive        State = "ACTIVE"
	StateAwaitingHuman State = "AWAITING_HUMAN"
)

// String returns the string representation of a State
func (s State) String() string {
	if s == "" {
		return "UNKNOWN"
	}
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateInitial, StateActive, StateAwaitingHuman:
		return true
	default:
		return false
	}
}

// ParseState accepts the canonical tags case-insensitively. Unknown values map to INITIAL.
func ParseState(v string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return StateInitial, false
	}
	return s, true
}

// Signals summarises what happened during a turn; the machine derives the next state from it.
type Signals struct {
	Generated           bool
	GenerationFailed    bool
	ContactAskedHuman   bool
	ReplySignalsHandoff bool
	MissingKnowledge    bool
	Restricted          bool
}

// Transition reasons.
const (
	ReasonFirstReply        = "first assistant reply"
	ReasonGenerationFailed  = "generation failed"
	ReasonContactAskedHuman = "contact requested a human"
	ReasonReplyHandoff      = "reply signals inability to help"
	ReasonMissingKnowledge  = "no knowledge for question"
	ReasonRestrictedTopic   = "restricted topic"
	ReasonOperatorMessage   = "operator message"
	ReasonAutoResume        = "human operator idle"
)
