package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/attendance"
	"gigflow/backjob"
	"gigflow/engagement"
	"gigflow/review"
)

// The actors deliberately fire transitions out of order and concurrently.
// Precondition rejections, duplicate reviews and retry exhaustion are all
// expected under contention, so errors are swallowed unless the context is
// gone. The oracles, not the actors, decide whether the run is healthy.

func interrupted(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Lifecycler hammers the core engagement transitions in random order.
func Lifecycler(ctx context.Context, coord *engagement.Coordinator, engagementID, workerID, clientID string, stop <-chan struct{}) error {
	for {
		if interrupted(ctx, stop) {
			return ctx.Err()
		}
		switch rand.Intn(4) {
		case 0:
			_, _ = coord.StartWork(ctx, engagementID, workerID)
		case 1:
			_, _ = coord.ConfirmWorkStarted(ctx, engagementID, clientID)
		case 2:
			_, _ = coord.MarkComplete(ctx, engagementID, workerID, "stress pass", nil)
		case 3:
			_, _ = coord.ApproveCompletion(ctx, engagementID, clientID)
		}
		pause(10, 30)
	}
}

// Reviewer races both sides' reviews against the approval transition.
func Reviewer(ctx context.Context, coord *engagement.Coordinator, engagementID, clientID, workerID string, stop <-chan struct{}) error {
	for {
		if interrupted(ctx, stop) {
			return ctx.Err()
		}
		ratings := review.Ratings{
			Quality:         1 + rand.Intn(5),
			Communication:   1 + rand.Intn(5),
			Punctuality:     1 + rand.Intn(5),
			Professionalism: 1 + rand.Intn(5),
		}
		if rand.Intn(2) == 0 {
			_, _ = coord.SubmitReview(ctx, engagementID, clientID, review.AuthorClient, ratings, "stress")
		} else {
			_, _ = coord.SubmitReview(ctx, engagementID, workerID, review.AuthorWorker, ratings, "stress")
		}
		pause(40, 60)
	}
}

// AttendanceKeeper marks arrivals, checkouts and confirmations for one
// employee, often in the wrong order on purpose.
func AttendanceKeeper(ctx context.Context, ledger *attendance.Ledger, engagementID, employeeID, clientID string, stop <-chan struct{}) error {
	for {
		if interrupted(ctx, stop) {
			return ctx.Err()
		}
		switch rand.Intn(3) {
		case 0:
			_, _ = ledger.MarkArrival(ctx, engagementID, employeeID, employeeID)
		case 1:
			_, _ = ledger.MarkCheckout(ctx, engagementID, employeeID, employeeID)
		case 2:
			_, _ = ledger.ConfirmAttendance(ctx, engagementID, employeeID, clientID)
		}
		pause(15, 35)
	}
}

// Disputer opens backjob disputes against a completed engagement and walks
// them through review, rework and closure. Competing opens must collapse to a
// single active dispute.
func Disputer(ctx context.Context, tracker *backjob.Tracker, engagementID, adminID, workerID, clientID string, stop <-chan struct{}) error {
	for {
		if interrupted(ctx, stop) {
			return ctx.Err()
		}
		d, err := tracker.Open(ctx, backjob.OpenParams{
			EngagementID: engagementID,
			Reason:       "quality",
			Description:  "stress rework request",
			Priority:     "normal",
		}, adminID)
		if err == nil {
			_, _ = tracker.StartReview(ctx, d.ID, adminID)
		}
		_, _ = tracker.ConfirmStarted(ctx, engagementID, clientID)
		_, _ = tracker.MarkComplete(ctx, engagementID, workerID, "redone")
		_, _ = tracker.ApproveCompletion(ctx, engagementID, clientID, "accepted")
		if rand.Intn(3) == 0 {
			disputes, err := tracker.ListByEngagement(ctx, engagementID)
			if err == nil && len(disputes) > 0 {
				_, _ = tracker.Close(ctx, backjob.CloseParams{
					DisputeID:  disputes[len(disputes)-1].ID,
					Resolution: "settled under stress",
					Refund:     rand.Intn(2) == 0,
				}, adminID)
			}
		}
		pause(120, 120)
	}
}

// Drainer consumes pending outbox rows with SKIP LOCKED, randomly failing an
// attempt to exercise the retry bookkeeping.
func Drainer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if interrupted(ctx, stop) {
			return ctx.Err()
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			pause(50, 50)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 50)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(100, 50)
	}
}
