package task

import "fmt"

var transitions = map[Status][]Status{
	StatusQueued:         {StatusProcessing},
	StatusProcessing:     {StatusComplete, StatusFailed, StatusNeedsAttention, StatusQueued},
	StatusFailed:         {StatusQueued, StatusDeadLetter},
	StatusDeadLetter:     {StatusQueued},
	StatusNeedsAttention: {StatusQueued},
}

// CanTransition reports whether the state machine allows from -> to.
// processing -> queued is only taken by operator replay and stale-claim
// reclaim.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when u would move a record
// from status from to a status the state machine does not allow. An update
// that leaves the status unchanged is always valid.
func ValidateTransition(from Status, u Update) error {
	if u.Status == "" || u.Status == from || CanTransition(from, u.Status) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, u.Status)
}

// Replayable reports whether an operator may replay a task in status s.
func Replayable(s Status) bool {
	switch s {
	case StatusDeadLetter, StatusNeedsAttention, StatusProcessing:
		return true
	}
	return false
}
