package booking

import "errors"

var (
	// ErrNotFound reports an unknown task or staff id.
	ErrNotFound = errors.New("booking: not found")

	// ErrInvalidInterval reports an unparsable start time or a non-positive
	// duration.
	ErrInvalidInterval = errors.New("booking: invalid interval")

	// ErrConflict reports an overlap with another active booking for the same
	// staff member. A write that would conflict leaves prior state untouched.
	ErrConflict = errors.New("booking: slot conflict")

	// ErrInvalidTransition reports a transition that is not legal from the
	// task's current status, including losing a race with the expiry sweeper.
	ErrInvalidTransition = errors.New("booking: invalid transition")

	// ErrUnavailable reports a storage-layer failure that persisted through
	// internal retries. The caller should retry the operation.
	ErrUnavailable = errors.New("booking: storage unavailable")

	// ErrStaffInactive reports an assignment targeting a deactivated staff
	// member.
	ErrStaffInactive = errors.New("booking: staff inactive")
)
