package sniproxy

import "fmt"

// ConnState names one phase of a connection's lifecycle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateAwaitingClientHello
	StateClassified
	StateDialing
	StateStreaming
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingClientHello:
		return "awaiting_client_hello"
	case StateClassified:
		return "classified"
	case StateDialing:
		return "dialing"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// legal maps each state to the set of states it may transition into.
// Every state can reach Closed directly (error or shutdown); the
// happy path otherwise only ever moves forward one step at a time.
var legal = map[ConnState]map[ConnState]bool{
	StateIdle:                {StateAwaitingClientHello: true, StateClosed: true},
	StateAwaitingClientHello: {StateClassified: true, StateClosed: true},
	StateClassified:          {StateDialing: true, StateClosed: true},
	StateDialing:             {StateStreaming: true, StateClosed: true},
	StateStreaming:           {StateClosed: true},
	StateClosed:              {},
}

// ConnStateMachine tracks the lifecycle of a single connection:
// Idle -> AwaitingClientHello -> Classified -> Dialing -> Streaming ->
// Closed, with a direct transition to Closed legal from any
// non-terminal state.
type ConnStateMachine struct {
	current ConnState
}

// NewConnStateMachine starts a state machine in StateIdle.
func NewConnStateMachine() *ConnStateMachine {
	return &ConnStateMachine{current: StateIdle}
}

// Current returns the state last transitioned into.
func (m *ConnStateMachine) Current() ConnState { return m.current }

// Transition moves to next, returning an error if the edge isn't
// legal from the current state. A no-op attempt to leave Closed always
// fails.
func (m *ConnStateMachine) Transition(next ConnState) error {
	if !legal[m.current][next] {
		return fmt.Errorf("statemachine: illegal transition %s -> %s", m.current, next)
	}
	m.current = next
	return nil
}
