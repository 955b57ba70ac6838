package turn

import (
	"errors"
	"sync"
	"testing"
	"time"
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

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestResumeTiming(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m := NewMachine(Options{Now: func() time.Time { return now }})
	listener := &captureListener{}
	m.AddListener(listener)

	sixAgo := now.Add(-6 * time.Minute)
	state, resumed := m.Resume("5511999990000", StateAwaitingHuman, &sixAgo, now)
	if !resumed || state != StateActive {
		t.Fatalf("expected resume after 6 minutes, got %s resumed=%v", state, resumed)
	}

	twoAgo := now.Add(-2 * time.Minute)
	state, resumed = m.Resume("5511999990000", StateAwaitingHuman, &twoAgo, now)
	if resumed || state != StateAwaitingHuman {
		t.Fatalf("expected to stay awaiting human after 2 minutes, got %s", state)
	}

	exactly := now.Add(-5 * time.Minute)
	if !m.ShouldResume(StateAwaitingHuman, &exactly, now) {
		t.Fatalf("expected resume at exactly the threshold")
	}
	if m.ShouldResume(StateAwaitingHuman, nil, now) {
		t.Fatalf("expected no resume without an operator timestamp")
	}
	if m.ShouldResume(StateActive, &sixAgo, now) {
		t.Fatalf("only AWAITING_HUMAN resumes")
	}
	if listener.Count() != 1 {
		t.Fatalf("expected one state change event, got %d", listener.Count())
	}
	if listener.events[0].Reason != ReasonAutoResume {
		t.Fatalf("unexpected reason %q", listener.events[0].Reason)
	}
}

func TestDecide(t *testing.T) {
	m := NewMachine(Options{})
	cases := []struct {
		name   string
		from   State
		sig    Signals
		want   State
		reason string
	}{
		{"first reply", StateInitial, Signals{Generated: true}, StateActive, ReasonFirstReply},
		{"failure from initial", StateInitial, Signals{GenerationFailed: true}, StateAwaitingHuman, ReasonGenerationFailed},
		{"human request", StateActive, Signals{Generated: true, ContactAskedHuman: true}, StateAwaitingHuman, ReasonContactAskedHuman},
		{"reply handoff", StateActive, Signals{Generated: true, ReplySignalsHandoff: true}, StateAwaitingHuman, ReasonReplyHandoff},
		{"missing knowledge", StateActive, Signals{Generated: true, MissingKnowledge: true}, StateAwaitingHuman, ReasonMissingKnowledge},
		{"steady", StateActive, Signals{Generated: true}, StateActive, ""},
		{"still waiting", StateAwaitingHuman, Signals{Generated: true}, StateAwaitingHuman, ""},
	}
	for _, tc := range cases {
		got, reason := m.Decide(tc.from, tc.sig)
		if got != tc.want || reason != tc.reason {
			t.Fatalf("%s: got %s/%q want %s/%q", tc.name, got, reason, tc.want, tc.reason)
		}
	}
}

func TestTransitionValidation(t *testing.T) {
	m := NewMachine(Options{})
	if _, err := m.Transition("id", StateActive, StateInitial, "rewind"); err == nil {
		t.Fatalf("expected invalid transition")
	} else {
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) || ite.From != StateActive || ite.To != StateInitial {
			t.Fatalf("unexpected error %v", err)
		}
	}
	listener := &captureListener{}
	m.AddListener(listener)
	if s, err := m.Transition("id", StateActive, StateActive, "noop"); err != nil || s != StateActive {
		t.Fatalf("self transition should be a no-op")
	}
	if listener.Count() != 0 {
		t.Fatalf("self transition must not emit")
	}
	if got := m.HumanTookOver("id", StateInitial); got != StateAwaitingHuman {
		t.Fatalf("expected operator takeover, got %s", got)
	}
}

func TestParseState(t *testing.T) {
	if s, ok := ParseState("awaiting_human"); !ok || s != StateAwaitingHuman {
		t.Fatalf("unexpected parse %s", s)
	}
	if s, ok := ParseState("CONVERSANDO"); ok || s != StateInitial {
		t.Fatalf("unknown states map to INITIAL")
	}
}
