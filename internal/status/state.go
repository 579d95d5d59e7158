package status

import (
	"fmt"
	"slices"
)

// Status is the delivery state of a single message.
type Status string

const (
	Pending   Status = "pending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions defines the forward edges of the delivery lattice.
// Receipts can overtake the send ack, so Pending may jump straight to
// Delivered or Read. Failed and Read have no outgoing edges.
var validTransitions = map[Status][]Status{
	Pending:   {Sent, Delivered, Read, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {},
}

// Parse converts a wire string into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no automatic transition can leave s.
func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// CanTransition reports whether moving from one status to another is a
// forward move. Re-applying the same status is not a transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Merge returns the status a record should hold after observing next while
// holding current. Backward or sideways moves leave current untouched.
func Merge(current, next Status) Status {
	if CanTransition(current, next) {
		return next
	}
	return current
}
