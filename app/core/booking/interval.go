package booking

import (
	"strings"
	"time"
)

// DefaultDurationMin is applied when a task carries no explicit duration.
const DefaultDurationMin = 60

// TimeLayout is the storage format for every timestamp column. It sorts
// lexicographically, which the date-prefix task listing relies on.
const TimeLayout = "2006-01-02T15:04:05"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect. Back-to-back
// intervals, where one ends exactly when the other starts, do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	start := iv.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := iv.End
	if other.End.Before(end) {
		end = other.End
	}
	return start.Before(end)
}

// NewInterval validates and builds the booking interval for a candidate
// assignment.
func NewInterval(start time.Time, durationMin int) (Interval, error) {
	if start.IsZero() || durationMin <= 0 {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{Start: start, End: start.Add(time.Duration(durationMin) * time.Minute)}, nil
}

// HasConflict is the conflict check run before any assignment: it reports
// whether the candidate interval overlaps any of the staff member's active
// bookings. Pure and deterministic; bookings without a start time are skipped.
func HasConflict(candidate Interval, activeBookings []Task) bool {
	for _, t := range activeBookings {
		iv, ok := t.Interval()
		if !ok {
			continue
		}
		if candidate.Overlaps(iv) {
			return true
		}
	}
	return false
}

// ParseStart accepts the time formats callers type: RFC3339-style
// "2006-01-02T15:04:05" as stored, or the friendlier "2006-01-02 15:04".
func ParseStart(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "/", "-"))
	if s == "" {
		return time.Time{}, ErrInvalidInterval
	}
	layouts := []string{TimeLayout, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidInterval
}

func formatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
