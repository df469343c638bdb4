package agent

import (
	"errors"
	"fmt"
)

// Phase is a step of the turn state machine.
type Phase string

const (
	PhaseBuilding      Phase = "building"
	PhaseInvoking      Phase = "invoking"
	PhaseResponding    Phase = "responding"
	PhaseToolRequested Phase = "tool_requested"
	PhaseToolRunning   Phase = "tool_running"
	PhaseToolCompleted Phase = "tool_completed"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// ErrInvalidTransition is wrapped by every rejected phase change.
var ErrInvalidTransition = errors.New("invalid turn phase transition")

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ToolRequested → Done is the front-end hand-off: the caller runs the
// tool and sends a follow-up turn. ToolCompleted → Done ends a backend
// tool turn without a confirmation call.
var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseBuilding: {
		PhaseInvoking: {},
		PhaseFailed:   {},
	},
	PhaseInvoking: {
		PhaseResponding:    {},
		PhaseToolRequested: {},
		PhaseFailed:        {},
	},
	PhaseResponding: {
		PhaseDone:   {},
		PhaseFailed: {},
	},
	PhaseToolRequested: {
		PhaseToolRunning: {},
		PhaseDone:        {},
		PhaseFailed:      {},
	},
	PhaseToolRunning: {
		PhaseToolCompleted: {},
		PhaseFailed:        {},
	},
	PhaseToolCompleted: {
		PhaseResponding: {},
		PhaseDone:       {},
		PhaseFailed:     {},
	},
	PhaseDone:   {},
	PhaseFailed: {},
}

func validateTransition(from, to Phase) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// tracker records the path a turn takes through the state machine.
type tracker struct {
	phase Phase
	path  []Phase
}

func newTracker() *tracker {
	return &tracker{phase: PhaseBuilding, path: []Phase{PhaseBuilding}}
}

func (t *tracker) advance(to Phase) error {
	if err := validateTransition(t.phase, to); err != nil {
		return err
	}
	t.phase = to
	t.path = append(t.path, to)
	return nil
}

// fail moves to PhaseFailed from any non-terminal phase.
func (t *tracker) fail() {
	if !t.phase.Terminal() {
		t.phase = PhaseFailed
		t.path = append(t.path, PhaseFailed)
	}
}
