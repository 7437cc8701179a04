package engagement

import (
	"time"

	"gigflow/review"
	"gigflow/transition"
)

// Guards are pure functions over a freshly read row. Each returns whether the
// transition applied new state (false means the row already reflects it and
// the call is an idempotent no-op) or a PreconditionError naming the exact
// blocking condition.

// requireActor rejects a transition invoked by anyone other than the
// engagement party it belongs to. The check runs before the guard so a
// foreign caller can never observe an idempotent no-op.
func requireActor(transitionName, actorID, partyID string) error {
	if actorID != partyID {
		return transition.Preconditionf(transitionName, "actor %s is not a party to this engagement", actorID)
	}
	return nil
}

func applyStartWork(e *Engagement, now time.Time) (bool, error) {
	switch e.Status {
	case StatusActive:
	case StatusInProgress:
		return false, nil
	default:
		return false, transition.Preconditionf(TransitionStartWork, "engagement is %s, not active", e.Status)
	}
	e.Status = StatusInProgress
	e.UpdatedAt = now
	return true, nil
}

func applyConfirmWorkStarted(e *Engagement, now time.Time) (bool, error) {
	if e.PaymentModel != PaymentModelProject {
		return false, transition.Preconditionf(TransitionConfirmWorkStarted, "work-start confirmation only applies to project engagements, not %s", e.PaymentModel)
	}
	if e.Status != StatusInProgress {
		return false, transition.Preconditionf(TransitionConfirmWorkStarted, "engagement is %s, not in_progress", e.Status)
	}
	if e.ClientConfirmedWorkStarted {
		return false, nil
	}
	e.ClientConfirmedWorkStarted = true
	e.UpdatedAt = now
	return true, nil
}

func applyMarkComplete(e *Engagement, notes string, photoRefs []string, now time.Time) (bool, error) {
	if e.WorkerMarkedComplete {
		return false, nil
	}
	if e.Status != StatusInProgress {
		return false, transition.Preconditionf(TransitionMarkComplete, "engagement is %s, not in_progress", e.Status)
	}
	if e.PaymentModel == PaymentModelProject && !e.ClientConfirmedWorkStarted {
		return false, transition.Preconditionf(TransitionMarkComplete, "client has not confirmed work started")
	}
	e.WorkerMarkedComplete = true
	if notes != "" {
		e.CompletionNotes = &notes
	}
	if len(photoRefs) > 0 {
		e.CompletionPhotoRefs = photoRefs
	}
	e.UpdatedAt = now
	return true, nil
}

func applyApproveCompletion(e *Engagement, now time.Time) (bool, error) {
	if e.ClientMarkedComplete {
		return false, nil
	}
	if !e.WorkerMarkedComplete {
		return false, transition.Preconditionf(TransitionApproveCompletion, "worker has not marked the job complete")
	}
	e.ClientMarkedComplete = true
	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.UpdatedAt = now
	return true, nil
}

func applySubmitReview(e *Engagement, author review.AuthorRole, now time.Time) (bool, error) {
	if !e.ClientMarkedComplete {
		return false, transition.Preconditionf(TransitionSubmitReview, "engagement completion has not been approved")
	}
	switch author {
	case review.AuthorClient:
		if e.ClientReviewed {
			return false, nil
		}
		e.ClientReviewed = true
	case review.AuthorWorker:
		if e.WorkerReviewed {
			return false, nil
		}
		e.WorkerReviewed = true
	default:
		return false, transition.Preconditionf(TransitionSubmitReview, "unknown author role %q", author)
	}
	if e.ClientReviewed && e.WorkerReviewed {
		e.Status = StatusClosed
		e.ClosedAt = &now
	}
	e.UpdatedAt = now
	return true, nil
}
