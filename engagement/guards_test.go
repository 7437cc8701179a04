package engagement

import (
	"testing"
	"time"

	"gigflow/review"
	"gigflow/transition"
)

var guardNow = time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)

func TestApplyStartWork(t *testing.T) {
	e := Engagement{Status: StatusActive, PaymentModel: PaymentModelProject}

	applied, err := applyStartWork(&e, guardNow)
	if err != nil || !applied {
		t.Fatalf("expected applied, got applied=%v err=%v", applied, err)
	}
	if e.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", e.Status)
	}

	applied, err = applyStartWork(&e, guardNow)
	if err != nil || applied {
		t.Fatalf("retry should be a no-op, got applied=%v err=%v", applied, err)
	}

	e.Status = StatusCompleted
	if _, err := applyStartWork(&e, guardNow); !isPrecondition(err, TransitionStartWork) {
		t.Fatalf("expected precondition violation on completed engagement, got %v", err)
	}
}

func TestApplyConfirmWorkStarted(t *testing.T) {
	e := Engagement{Status: StatusInProgress, PaymentModel: PaymentModelDaily}
	if _, err := applyConfirmWorkStarted(&e, guardNow); !isPrecondition(err, TransitionConfirmWorkStarted) {
		t.Fatalf("daily engagement should reject work-start confirmation, got %v", err)
	}

	e = Engagement{Status: StatusActive, PaymentModel: PaymentModelProject}
	if _, err := applyConfirmWorkStarted(&e, guardNow); !isPrecondition(err, TransitionConfirmWorkStarted) {
		t.Fatalf("active engagement should reject confirmation, got %v", err)
	}

	e = Engagement{Status: StatusInProgress, PaymentModel: PaymentModelProject}
	applied, err := applyConfirmWorkStarted(&e, guardNow)
	if err != nil || !applied {
		t.Fatalf("expected applied, got applied=%v err=%v", applied, err)
	}
	if !e.ClientConfirmedWorkStarted {
		t.Fatal("flag not set")
	}

	applied, err = applyConfirmWorkStarted(&e, guardNow)
	if err != nil || applied {
		t.Fatalf("retry should be a no-op, got applied=%v err=%v", applied, err)
	}
}

func TestApplyMarkComplete(t *testing.T) {
	e := Engagement{Status: StatusInProgress, PaymentModel: PaymentModelProject}
	if _, err := applyMarkComplete(&e, "", nil, guardNow); !isPrecondition(err, TransitionMarkComplete) {
		t.Fatalf("project engagement requires confirmed work start, got %v", err)
	}

	e.ClientConfirmedWorkStarted = true
	applied, err := applyMarkComplete(&e, "done", []string{"media/a.jpg"}, guardNow)
	if err != nil || !applied {
		t.Fatalf("expected applied, got applied=%v err=%v", applied, err)
	}
	if e.CompletionNotes == nil || *e.CompletionNotes != "done" {
		t.Fatalf("notes not recorded: %v", e.CompletionNotes)
	}
	if len(e.CompletionPhotoRefs) != 1 {
		t.Fatalf("photo refs not recorded: %v", e.CompletionPhotoRefs)
	}

	applied, err = applyMarkComplete(&e, "again", nil, guardNow)
	if err != nil || applied {
		t.Fatalf("retry should be a no-op, got applied=%v err=%v", applied, err)
	}
	if *e.CompletionNotes != "done" {
		t.Fatal("no-op retry must not overwrite completion notes")
	}

	// Daily engagements skip the work-start confirmation requirement.
	d := Engagement{Status: StatusInProgress, PaymentModel: PaymentModelDaily}
	if applied, err := applyMarkComplete(&d, "", nil, guardNow); err != nil || !applied {
		t.Fatalf("daily engagement should mark without confirmation, got applied=%v err=%v", applied, err)
	}
}

func TestApplyMarkComplete_NoopAfterApproval(t *testing.T) {
	// A worker retry after the client already approved must stay a no-op
	// even though the engagement left in_progress.
	e := Engagement{
		Status:               StatusCompleted,
		PaymentModel:         PaymentModelDaily,
		WorkerMarkedComplete: true,
		ClientMarkedComplete: true,
	}
	applied, err := applyMarkComplete(&e, "", nil, guardNow)
	if err != nil || applied {
		t.Fatalf("expected no-op, got applied=%v err=%v", applied, err)
	}
}

func TestApplyApproveCompletion(t *testing.T) {
	e := Engagement{Status: StatusInProgress, PaymentModel: PaymentModelDaily}
	if _, err := applyApproveCompletion(&e, guardNow); !isPrecondition(err, TransitionApproveCompletion) {
		t.Fatalf("approval before worker mark should be rejected, got %v", err)
	}

	e.WorkerMarkedComplete = true
	applied, err := applyApproveCompletion(&e, guardNow)
	if err != nil || !applied {
		t.Fatalf("expected applied, got applied=%v err=%v", applied, err)
	}
	if e.Status != StatusCompleted || e.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %s %v", e.Status, e.CompletedAt)
	}

	applied, err = applyApproveCompletion(&e, guardNow)
	if err != nil || applied {
		t.Fatalf("retry should be a no-op, got applied=%v err=%v", applied, err)
	}
}

func TestApplySubmitReview(t *testing.T) {
	e := Engagement{Status: StatusInProgress, PaymentModel: PaymentModelDaily, WorkerMarkedComplete: true}
	if _, err := applySubmitReview(&e, review.AuthorClient, guardNow); !isPrecondition(err, TransitionSubmitReview) {
		t.Fatalf("review before approval should be rejected, got %v", err)
	}

	e.ClientMarkedComplete = true
	e.Status = StatusCompleted

	applied, err := applySubmitReview(&e, review.AuthorClient, guardNow)
	if err != nil || !applied {
		t.Fatalf("client review: applied=%v err=%v", applied, err)
	}
	if e.Status != StatusCompleted {
		t.Fatalf("one-sided review must not close, got %s", e.Status)
	}

	applied, err = applySubmitReview(&e, review.AuthorClient, guardNow)
	if err != nil || applied {
		t.Fatalf("duplicate client review should be a no-op, got applied=%v err=%v", applied, err)
	}

	applied, err = applySubmitReview(&e, review.AuthorWorker, guardNow)
	if err != nil || !applied {
		t.Fatalf("worker review: applied=%v err=%v", applied, err)
	}
	if e.Status != StatusClosed || e.ClosedAt == nil {
		t.Fatalf("both reviews should close, got %s %v", e.Status, e.ClosedAt)
	}
}

func isPrecondition(err error, transitionName string) bool {
	pv, ok := transition.AsPrecondition(err)
	return ok && pv.Transition == transitionName
}
