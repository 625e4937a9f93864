package state

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := map[State][]State{
		StateIdle:          {StateWaiting},
		StateWaiting:       {StateConnecting, StateIdle},
		StateConnecting:    {StateInCall, StateWaiting},
		StateInCall:        {StateDisconnecting},
		StateDisconnecting: {StateIdle, StateWaiting},
	}

	for _, from := range AllStates {
		for _, to := range AllStates {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s): expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestValid(t *testing.T) {
	for _, st := range AllStates {
		if !Valid(st) {
			t.Errorf("Expected %s to be a valid state", st)
		}
	}
	if Valid(State("MATCHED")) {
		t.Error("Expected unknown state to be invalid")
	}
	if Valid(State("")) {
		t.Error("Expected empty state to be invalid")
	}
}
