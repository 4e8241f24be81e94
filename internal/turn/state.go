package turn

import "fmt"

// State is the lifecycle state of the current turn.
type State int

const (
	// StateIdle - no pending utterance, nothing dispatched yet.
	StateIdle State = iota
	// StateAccumulating - text is buffered. The silence timer is running, unless
	// silence already rejected the text; then it waits for more speech or the failsafe.
	StateAccumulating
	// StateDebouncing - the debounce timer is running or an evaluation is in flight.
	StateDebouncing
	// StateSemanticHold - the detector judged the turn complete; waiting out the grace period.
	StateSemanticHold
	// StateDispatched - the last utterance was handed downstream.
	StateDispatched
	// StateDiscarded - the pending utterance was dropped as echo.
	StateDiscarded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateDebouncing:
		return "DEBOUNCING"
	case StateSemanticHold:
		return "SEMANTIC_HOLD"
	case StateDispatched:
		return "DISPATCHED"
	case StateDiscarded:
		return "DISCARDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// HasPending returns true if the state carries a pending utterance.
func (s State) HasPending() bool {
	return s == StateAccumulating || s == StateDebouncing || s == StateSemanticHold
}

// timerKind tags the single active timer slot.
type timerKind int

const (
	timerNone timerKind = iota
	timerSilence
	timerDebounce
	timerHold
)

func (k timerKind) String() string {
	switch k {
	case timerSilence:
		return "silence"
	case timerDebounce:
		return "debounce"
	case timerHold:
		return "semantic_hold"
	default:
		return "none"
	}
}
