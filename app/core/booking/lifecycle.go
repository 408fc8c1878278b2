package booking

import "fmt"

// Event names a requested lifecycle transition.
type Event string

const (
	EventRequestHold Event = "request_hold"
	EventConfirm     Event = "confirm"
	EventStart       Event = "start"
	EventComplete    Event = "complete"
	EventCancel      Event = "cancel"
	EventExpire      Event = "expire"
)

// NextStatus validates an event against the current status and returns the
// resulting status. Field preconditions (staff/interval set, hold deadline not
// passed) are enforced by the store, which sees the full record.
func NextStatus(current Status, event Event) (Status, error) {
	if !current.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
	switch event {
	case EventRequestHold:
		// Re-targeting an existing HOLD/CONFIRMED/IN_PROGRESS booking is
		// allowed; the old slot is released as part of the same transition.
		if current == StatusTODO || current.Booked() {
			return StatusHold, nil
		}
	case EventConfirm:
		if current == StatusHold {
			return StatusConfirmed, nil
		}
	case EventStart:
		if current == StatusConfirmed {
			return StatusInProgress, nil
		}
	case EventComplete:
		if current == StatusConfirmed || current == StatusInProgress {
			return StatusDone, nil
		}
	case EventCancel:
		if !current.Terminal() {
			return StatusCancelled, nil
		}
	case EventExpire:
		if current == StatusHold {
			return StatusExpired, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
}
