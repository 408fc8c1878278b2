package booking

import "time"

// Status is the closed set of task states. Tasks move between states only
// through the transition table in lifecycle.go.
type Status string

const (
	StatusTODO       Status = "TODO"
	StatusHold       Status = "HOLD"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTODO, StatusHold, StatusConfirmed, StatusInProgress, StatusDone, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Active reports whether the task currently counts against its conversation's
// one-active-task rule.
func (s Status) Active() bool {
	switch s {
	case StatusTODO, StatusHold, StatusConfirmed, StatusInProgress:
		return true
	}
	return false
}

// Booked reports whether the task occupies a staff/time slot.
func (s Status) Booked() bool {
	switch s {
	case StatusHold, StatusConfirmed, StatusInProgress:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Staff struct {
	ID     string
	Name   string
	Phone  string
	Active bool
}

type Task struct {
	ID             string
	ConversationID string
	Title          string
	Address        string
	ContactPhone   string
	Notes          string
	StartTime      time.Time // zero until assigned
	DurationMin    int
	StaffID        string
	Status         Status
	HoldExpiresAt  time.Time // set only while status = HOLD
	CreatedTime    time.Time
	UpdatedTime    time.Time
}

// Interval returns the half-open booking interval the task occupies, or
// ok=false when no start time is assigned.
func (t Task) Interval() (Interval, bool) {
	if t.StartTime.IsZero() {
		return Interval{}, false
	}
	minutes := t.DurationMin
	if minutes <= 0 {
		minutes = DefaultDurationMin
	}
	return Interval{Start: t.StartTime, End: t.StartTime.Add(time.Duration(minutes) * time.Minute)}, true
}

// ExtractedFields are the mutable task fields supplied by the upstream
// text-extraction collaborator. Booking fields are never set this way.
type ExtractedFields struct {
	Title        string
	Address      string
	ContactPhone string
	Notes        string
}

type StaffRequest struct {
	ID          string
	StaffID     string
	Type        string
	Content     string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	CreatedTime time.Time
	UpdatedTime time.Time
}

const (
	RequestTypeLeave = "leave"

	RequestStatusPending  = "PENDING"
	RequestStatusApproved = "APPROVED"
	RequestStatusRejected = "REJECTED"
)
