package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gigflow/engagement"
	"gigflow/outbox"
	"gigflow/timeline"
	"gigflow/transition"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the ledger service needs.
type Store interface {
	GetEngagementState(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementState, error)
	Find(ctx context.Context, tx pgx.Tx, engagementID, employeeID string, day time.Time) (Record, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	UpdateVersioned(ctx context.Context, tx pgx.Tx, rec Record) error
	ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID, employeeID string) ([]Record, error)
}

// TimelineWriter appends audit events inside the transition transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, engagementID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues fire-and-forget notifications inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Ledger coordinates the per-employee, per-day attendance sub-flow of daily
// engagements. Employees' records are independent; contention only exists
// within one (employee, day) row.
type Ledger struct {
	pool        TxBeginner
	store       Store
	timeline    TimelineWriter
	outbox      OutboxWriter
	now         func() time.Time
	maxAttempts int
}

func NewLedger(pool TxBeginner, store Store) *Ledger {
	if store == nil {
		store = NewRepository()
	}
	return &Ledger{
		pool:        pool,
		store:       store,
		timeline:    timeline.Writer{},
		outbox:      outbox.Writer{},
		now:         time.Now,
		maxAttempts: 3,
	}
}

// Result is the outcome of one attendance transition.
type Result struct {
	Record     Record
	AppliedNow bool
}

// MarkArrival records the employee's arrival for today, creating the day's
// row on first call. Guard: daily engagement, in progress.
func (l *Ledger) MarkArrival(ctx context.Context, engagementID, employeeID, actorID string) (Result, error) {
	if employeeID == "" {
		return Result{}, fmt.Errorf("attendance: employee id required")
	}
	return l.run(ctx, func(ctx context.Context, tx pgx.Tx) (Result, error) {
		parent, err := l.store.GetEngagementState(ctx, tx, engagementID)
		if err != nil {
			return Result{}, err
		}
		if parent.PaymentModel != engagement.PaymentModelDaily {
			return Result{}, transition.Preconditionf(TransitionMarkArrival, "attendance only applies to daily engagements, not %s", parent.PaymentModel)
		}
		if parent.Status != engagement.StatusInProgress {
			return Result{}, transition.Preconditionf(TransitionMarkArrival, "engagement is %s, not in_progress", parent.Status)
		}
		if actorID != employeeID && actorID != parent.WorkerID {
			return Result{}, transition.Preconditionf(TransitionMarkArrival, "actor %s may not record attendance for employee %s", actorID, employeeID)
		}

		now := l.now()
		day := dateOf(now)
		rec, err := l.store.Find(ctx, tx, engagementID, employeeID, day)
		switch {
		case err == nil:
			if rec.TimeIn != nil {
				return Result{Record: rec, AppliedNow: false}, nil
			}
			rec.TimeIn = &now
			if err := l.store.UpdateVersioned(ctx, tx, rec); err != nil {
				return Result{}, err
			}
			rec.Version++
		case errors.Is(err, ErrNotFound):
			rec, err = l.store.Insert(ctx, tx, Record{
				EngagementID: engagementID,
				EmployeeID:   employeeID,
				WorkDate:     day,
				TimeIn:       &now,
			})
			if err != nil {
				return Result{}, err
			}
		default:
			return Result{}, err
		}

		if err := l.audit(ctx, tx, engagementID, "ATTENDANCE_ARRIVED", "attendance.arrived", actorID, employeeID, day); err != nil {
			return Result{}, err
		}
		return Result{Record: rec, AppliedNow: true}, nil
	})
}

// MarkCheckout records the employee's checkout for today.
func (l *Ledger) MarkCheckout(ctx context.Context, engagementID, employeeID, actorID string) (Result, error) {
	return l.run(ctx, func(ctx context.Context, tx pgx.Tx) (Result, error) {
		parent, err := l.store.GetEngagementState(ctx, tx, engagementID)
		if err != nil {
			return Result{}, err
		}
		if actorID != employeeID && actorID != parent.WorkerID {
			return Result{}, transition.Preconditionf(TransitionMarkCheckout, "actor %s may not record attendance for employee %s", actorID, employeeID)
		}

		now := l.now()
		day := dateOf(now)
		rec, err := l.store.Find(ctx, tx, engagementID, employeeID, day)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Result{}, transition.Preconditionf(TransitionMarkCheckout, "no arrival recorded for employee %s today", employeeID)
			}
			return Result{}, err
		}
		if rec.TimeIn == nil {
			return Result{}, transition.Preconditionf(TransitionMarkCheckout, "no arrival recorded for employee %s today", employeeID)
		}
		if rec.TimeOut != nil {
			return Result{Record: rec, AppliedNow: false}, nil
		}

		rec.TimeOut = &now
		if err := l.store.UpdateVersioned(ctx, tx, rec); err != nil {
			return Result{}, err
		}
		rec.Version++

		if err := l.audit(ctx, tx, engagementID, "ATTENDANCE_CHECKED_OUT", "attendance.checked_out", actorID, employeeID, day); err != nil {
			return Result{}, err
		}
		return Result{Record: rec, AppliedNow: true}, nil
	})
}

// ConfirmAttendance records the client's confirmation of a completed day.
func (l *Ledger) ConfirmAttendance(ctx context.Context, engagementID, employeeID, actorID string) (Result, error) {
	return l.run(ctx, func(ctx context.Context, tx pgx.Tx) (Result, error) {
		parent, err := l.store.GetEngagementState(ctx, tx, engagementID)
		if err != nil {
			return Result{}, err
		}
		if actorID != parent.ClientID {
			return Result{}, transition.Preconditionf(TransitionConfirmAttendance, "actor %s is not the engagement client", actorID)
		}

		day := dateOf(l.now())
		rec, err := l.store.Find(ctx, tx, engagementID, employeeID, day)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Result{}, transition.Preconditionf(TransitionConfirmAttendance, "no attendance recorded for employee %s today", employeeID)
			}
			return Result{}, err
		}
		if rec.TimeOut == nil {
			return Result{}, transition.Preconditionf(TransitionConfirmAttendance, "employee %s has not checked out", employeeID)
		}
		if rec.ClientConfirmed {
			return Result{Record: rec, AppliedNow: false}, nil
		}

		rec.ClientConfirmed = true
		if err := l.store.UpdateVersioned(ctx, tx, rec); err != nil {
			return Result{}, err
		}
		rec.Version++

		if err := l.audit(ctx, tx, engagementID, "ATTENDANCE_CONFIRMED", "attendance.confirmed", actorID, employeeID, day); err != nil {
			return Result{}, err
		}
		return Result{Record: rec, AppliedNow: true}, nil
	})
}

// List returns the attendance ledger for display and daily billing.
func (l *Ledger) List(ctx context.Context, engagementID, employeeID string) ([]Record, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("attendance: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return l.store.ListByEngagement(ctx, tx, engagementID, employeeID)
}

func (l *Ledger) run(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) (Result, error)) (Result, error) {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		res, err := l.attempt(ctx, fn)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateDay) || errors.Is(err, timeline.ErrSeqConflict) {
			continue
		}
		return res, err
	}
	return Result{}, transition.ErrConflictRetryExhausted
}

func (l *Ledger) attempt(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) (Result, error)) (Result, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("attendance: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := fn(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	if !res.AppliedNow {
		return res, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("attendance: commit transition: %w", err)
	}
	return res, nil
}

func (l *Ledger) audit(ctx context.Context, tx pgx.Tx, engagementID, eventType, topic, actorID, employeeID string, day time.Time) error {
	payload := map[string]any{
		"engagement_id": engagementID,
		"employee_id":   employeeID,
		"work_date":     day.Format("2006-01-02"),
	}
	if err := l.timeline.Append(ctx, tx, engagementID, eventType, actorID, payload); err != nil {
		return err
	}
	return l.outbox.Enqueue(ctx, tx, topic, payload)
}
