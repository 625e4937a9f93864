package state

// State is one stage of the user matching lifecycle.
type State string

const (
	StateIdle          State = "IDLE"
	StateWaiting       State = "WAITING"
	StateConnecting    State = "CONNECTING"
	StateInCall        State = "IN_CALL"
	StateDisconnecting State = "DISCONNECTING"
)

// AllStates lists every state set, in lifecycle order.
var AllStates = []State{
	StateIdle,
	StateWaiting,
	StateConnecting,
	StateInCall,
	StateDisconnecting,
}

// validTransitions is the directed adjacency table. A user with no current
// state may enter any state (first-time entry) and is not checked here.
var validTransitions = map[State][]State{
	StateIdle:          {StateWaiting},
	StateWaiting:       {StateConnecting, StateIdle},
	StateConnecting:    {StateInCall, StateWaiting},
	StateInCall:        {StateDisconnecting},
	StateDisconnecting: {StateIdle, StateWaiting},
}

// CanTransition reports whether the directed edge from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Valid reports whether s names a known state.
func Valid(s State) bool {
	for _, known := range AllStates {
		if known == s {
			return true
		}
	}
	return false
}
