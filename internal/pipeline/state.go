package pipeline

import (
	"errors"
	"fmt"
)

// State enumerates the optimization job lifecycle. The flow is strictly
// started -> analyzing -> standardizing -> generating -> complete, with
// failed reachable from every non-terminal state.
type State string

const (
	StateStarted       State = "started"
	StateAnalyzing     State = "analyzing"
	StateStandardizing State = "standardizing"
	StateGenerating    State = "generating"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
)

// ErrInvalidTransition indicates a state change outside the lifecycle graph.
var ErrInvalidTransition = errors.New("pipeline: invalid state transition")

var stateProgress = map[State]int{
	StateStarted:       10,
	StateAnalyzing:     40,
	StateStandardizing: 60,
	StateGenerating:    80,
	StateComplete:      100,
	StateFailed:        0,
}

var stateLabels = map[State]string{
	StateStarted:       "Queued for optimization",
	StateAnalyzing:     "Analyzing content against the job description",
	StateStandardizing: "Restructuring into standard sections",
	StateGenerating:    "Generating the optimized document",
	StateComplete:      "Optimization complete",
	StateFailed:        "Optimization failed",
}

var successor = map[State]State{
	StateStarted:       StateAnalyzing,
	StateAnalyzing:     StateStandardizing,
	StateStandardizing: StateGenerating,
	StateGenerating:    StateComplete,
}

// Progress returns the canonical progress percentage for the state.
func (s State) Progress() int {
	return stateProgress[s]
}

// Label returns the human-readable status label for the state.
func (s State) Label() string {
	return stateLabels[s]
}

// Terminal reports whether no further transitions may occur.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Valid reports whether the value is a known lifecycle state.
func (s State) Valid() bool {
	_, ok := stateLabels[s]
	return ok
}

// ValidateTransition enforces the lifecycle graph exhaustively: forward one
// step at a time, failure from any non-terminal state, nothing after a
// terminal state.
func ValidateTransition(from, to State) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StateFailed {
		return nil
	}
	if successor[from] == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
