package attendance

import "time"

// Record is one employee's attendance for one calendar day of a daily
// engagement. Created lazily on first arrival, never deleted.
type Record struct {
	ID              string
	EngagementID    string
	EmployeeID      string
	WorkDate        time.Time
	TimeIn          *time.Time
	TimeOut         *time.Time
	ClientConfirmed bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transition names accepted by the gateway for the attendance sub-flow.
const (
	TransitionMarkArrival       = "mark_arrival"
	TransitionMarkCheckout      = "mark_checkout"
	TransitionConfirmAttendance = "confirm_attendance"
)

// dateOf truncates an instant to its UTC calendar day; attendance is keyed
// per UTC day across the fleet.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
