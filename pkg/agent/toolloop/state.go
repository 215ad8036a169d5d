package toolloop

import "fmt"

// State is the position of a run in its state machine.
type State int

// Run states.
const (
	StateAwaitingModel State = iota
	StateAwaitingToolExecution
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "AWAITING_MODEL"
	case StateAwaitingToolExecution:
		return "AWAITING_TOOL_EXECUTION"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// validTransitions lists the states reachable from each state.
//
//nolint:gochecknoglobals // static transition table
var validTransitions = map[State][]State{
	StateAwaitingModel:         {StateAwaitingToolExecution, StateTerminated},
	StateAwaitingToolExecution: {StateAwaitingModel, StateTerminated},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
