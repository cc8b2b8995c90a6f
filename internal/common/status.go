package common

// State is the lifecycle state of a download item.
type State string

const (
	StatePending     State = "pending"     // no save path assigned yet
	StateProgressing State = "progressing" // receiving bytes
	StateInterrupted State = "interrupted" // paused by the user or by a network failure
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProgressing, StateInterrupted, StateCompleted, StateCancelled:
		return true
	}
	return false
}
