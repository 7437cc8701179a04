package backjob

import "time"

// Status represents the lifecycle of a backjob dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Dispute is a post-completion rework claim nested under a completed
// engagement. At most one dispute per engagement may be open or under
// review at a time; historical disputes are retained.
type Dispute struct {
	ID                   string
	EngagementID         string
	Status               Status
	Reason               string
	Description          string
	Priority             string
	EvidenceImages       []string
	BackjobStarted       bool
	WorkerMarkedComplete bool
	ClientConfirmed      bool
	Resolution           *string
	Version              int64
	OpenedAt             time.Time
	ResolvedAt           *time.Time
}

// Transition names accepted by the gateway for the dispute sub-flow.
const (
	TransitionConfirmBackjobStarted    = "confirm_backjob_started"
	TransitionMarkBackjobComplete      = "mark_backjob_complete"
	TransitionApproveBackjobCompletion = "approve_backjob_completion"
)
