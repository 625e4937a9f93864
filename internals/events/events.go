package events

import "time"

const (
	TypeTransitioned     = "transitioned"
	TypeTransitionFailed = "transition_failed"
)

// Event is one state-machine lifecycle event.
type Event interface {
	EventType() string
}

// Transitioned is emitted after a state change was applied to the store.
type Transitioned struct {
	UserID    string    `json:"user_id"`
	From      string    `json:"from"` // empty on first-time entry
	To        string    `json:"to"`
	TxnID     string    `json:"txn_id"`
	Forced    bool      `json:"forced"`
	Rollback  bool      `json:"rollback"`
	Timestamp time.Time `json:"timestamp"`
}

func (Transitioned) EventType() string { return TypeTransitioned }

// TransitionFailed is emitted when a requested change was rejected by the
// validity table or failed against the store.
type TransitionFailed struct {
	UserID    string    `json:"user_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (TransitionFailed) EventType() string { return TypeTransitionFailed }
