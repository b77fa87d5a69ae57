package audit

import (
	"fmt"

	"go.uber.org/zap"
)

// State is a phase of a single page audit.
type State string

// Audit phases.
const (
	StateIdle       State = "idle"
	StateNavigating State = "navigating"
	StateSettling   State = "settling"
	StateExtracting State = "extracting"
	StateResolved   State = "resolved"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateIdle:       {StateNavigating, StateFailed},
	StateNavigating: {StateSettling, StateFailed},
	StateSettling:   {StateExtracting, StateFailed},
	StateExtracting: {StateResolved, StateFailed},
}

// TransitionHook observes state changes of an audit.
type TransitionHook func(url string, from, to State)

type stateMachine struct {
	url    string
	state  State
	hook   TransitionHook
	logger *zap.Logger
}

func newStateMachine(url string, hook TransitionHook, logger *zap.Logger) *stateMachine {
	return &stateMachine{url: url, state: StateIdle, hook: hook, logger: logger}
}

func (m *stateMachine) to(next State) error {
	allowed := false
	for _, s := range transitions[m.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid audit transition %s -> %s", m.state, next)
	}
	prev := m.state
	m.state = next
	m.logger.Debug("audit transition",
		zap.String("url", m.url),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	if m.hook != nil {
		m.hook(m.url, prev, next)
	}
	return nil
}
