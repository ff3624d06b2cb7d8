// Package delivery computes the display delivery state of a message from its
// raw remote fields and per-reader receipts.
package delivery

import (
	"fmt"
	"slices"
)

// State is the lifecycle label of a message.
type State string

const (
	Pending   State = "pending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
	Failed    State = "failed"
)

// Parse converts a raw field value into a State.
func Parse(s string) (State, error) {
	switch st := State(s); st {
	case Pending, Sent, Delivered, Read, Failed:
		return st, nil
	}
	return "", fmt.Errorf("unknown delivery state %q", s)
}

// validTransitions lists the explicit moves a local writer may make.
var validTransitions = map[State][]State{
	Pending:   {Sent, Failed},
	Sent:      {Delivered, Read, Failed},
	Delivered: {Read},
	Read:      {},
	Failed:    {Pending},
}

// CanTransition reports whether from → to is an allowed explicit transition.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// progress orders the remotely acknowledged states.
func progress(s State) int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	}
	return 0
}

// Acknowledged reports whether the remote store has accepted the message.
func Acknowledged(s State) bool {
	return progress(s) > 0
}

// Compute derives the display state for the observing user.
//
// Failed and pending are in-flight states owned by the sending device and are
// kept as-is. Any receipt from someone other than the sender means read.
// Otherwise a non-sender observer holds the message, so it is delivered.
func Compute(raw State, senderID string, receipts map[string]int64, observerID string) State {
	if raw == Failed || raw == Pending {
		return raw
	}
	for reader := range receipts {
		if reader != senderID {
			return Read
		}
	}
	if observerID != "" && observerID != senderID {
		return Delivered
	}
	if raw == "" {
		return Sent
	}
	return raw
}

// Merge folds an incoming computed state into the locally known one. Progress
// along sent → delivered → read never goes backwards; pending and failed only
// replace states they are allowed to follow.
func Merge(local, incoming State) State {
	switch {
	case local == "":
		return incoming
	case incoming == local:
		return local
	case incoming == Failed || incoming == Pending:
		if CanTransition(local, incoming) {
			return incoming
		}
		return local
	}
	// A remote acknowledgment reconciles a pending or failed local send.
	if progress(incoming) >= progress(local) {
		return incoming
	}
	return local
}
