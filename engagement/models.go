package engagement

import "time"

// PaymentModel selects how an engagement bills.
type PaymentModel string

const (
	// PaymentModelProject is a fixed-price job with a single completion.
	PaymentModelProject PaymentModel = "project"
	// PaymentModelDaily bills per attendance day, per employee.
	PaymentModelDaily PaymentModel = "daily"
	// PaymentModelTeam splits one budget across skill slots; its allocation
	// arithmetic lives outside this core, the lifecycle is the same.
	PaymentModelTeam PaymentModel = "team"
)

// Status is the top-level lifecycle state of an engagement.
type Status string

const (
	StatusActive     Status = "active"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusClosed     Status = "closed"
)

// Engagement is the authoritative record of one client-worker job assignment
// and its completion lifecycle. Rows are never deleted; every mutation goes
// through the coordinator under the version guard.
type Engagement struct {
	ID                         string
	JobTitle                   string
	ClientID                   string
	WorkerID                   string
	PaymentModel               PaymentModel
	Status                     Status
	ClientConfirmedWorkStarted bool
	WorkerMarkedComplete       bool
	ClientMarkedComplete       bool
	WorkerReviewed             bool
	ClientReviewed             bool
	CompletionNotes            *string
	CompletionPhotoRefs        []string
	Version                    int64
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	CompletedAt                *time.Time
	ClosedAt                   *time.Time
}

// Transition names accepted by the gateway for the top-level lifecycle.
const (
	TransitionStartWork          = "start_work"
	TransitionConfirmWorkStarted = "confirm_work_started"
	TransitionMarkComplete       = "mark_complete"
	TransitionApproveCompletion  = "approve_completion"
	TransitionSubmitReview       = "submit_review"
)
