package task

import "errors"

var (
	// ErrStatusMismatch is returned by CompareAndSwapStatus when the record no
	// longer satisfies the condition. During Dequeue it means another worker
	// won the claim.
	ErrStatusMismatch = errors.New("task status mismatch")

	// ErrAtomicUnsupported is returned by stores that cannot perform a
	// conditional update in a single statement.
	ErrAtomicUnsupported = errors.New("atomic conditional update not supported")

	// ErrNoTaskAvailable is returned by Dequeue when nothing is claimable.
	ErrNoTaskAvailable = errors.New("no task available")

	// ErrInvalidTransition is returned when an operation would move a task
	// along an edge the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrInvalidTask is returned for malformed task input.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNeedsAttention may be wrapped by handlers to park a task for an
	// operator instead of retrying it.
	ErrNeedsAttention = errors.New("task needs attention")
)
