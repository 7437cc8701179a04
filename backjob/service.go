package backjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gigflow/outbox"
	"gigflow/timeline"
	"gigflow/transition"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the tracker needs.
type Store interface {
	GetActive(ctx context.Context, tx pgx.Tx, engagementID string) (Dispute, error)
	GetByID(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	GetEngagementParties(ctx context.Context, tx pgx.Tx, engagementID string) (Parties, error)
	Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Dispute, error)
	UpdateVersioned(ctx context.Context, tx pgx.Tx, d Dispute) error
	ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID string) ([]Dispute, error)
}

// EscrowGateway issues the refund when an administrator closes a dispute in
// the client's favour; the idempotency key deduplicates retried closes.
type EscrowGateway interface {
	Refund(ctx context.Context, engagementID, idempotencyKey string) (bool, error)
}

// TimelineWriter appends audit events inside the transition transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, engagementID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues fire-and-forget notifications inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Tracker owns the dispute sub-state-machine nested under a completed
// engagement. The worker/client rework hand-shake runs while the dispute is
// under review; opening and closing are administrator actions.
type Tracker struct {
	pool        TxBeginner
	store       Store
	escrow      EscrowGateway
	timeline    TimelineWriter
	outbox      OutboxWriter
	now         func() time.Time
	maxAttempts int
}

func NewTracker(pool TxBeginner, store Store, escrow EscrowGateway) *Tracker {
	if store == nil {
		store = NewRepository()
	}
	return &Tracker{
		pool:        pool,
		store:       store,
		escrow:      escrow,
		timeline:    timeline.Writer{},
		outbox:      outbox.Writer{},
		now:         time.Now,
		maxAttempts: 3,
	}
}

// Result is the outcome of one dispute transition.
type Result struct {
	Dispute    Dispute
	AppliedNow bool
}

// Open files a new dispute against a completed engagement (administrator
// boundary). A second active dispute is rejected.
func (t *Tracker) Open(ctx context.Context, params OpenParams, actorID string) (Dispute, error) {
	if params.EngagementID == "" {
		return Dispute{}, fmt.Errorf("backjob: engagement id required")
	}
	if params.Reason == "" {
		return Dispute{}, fmt.Errorf("backjob: reason required")
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("backjob: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := t.store.Insert(ctx, tx, params)
	if err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{
		"dispute_id": d.ID,
		"reason":     d.Reason,
		"priority":   d.Priority,
	}
	if err := t.audit(ctx, tx, d.EngagementID, "BACKJOB_OPENED", "backjob.opened", actorID, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("backjob: commit open: %w", err)
	}
	return d, nil
}

// StartReview moves an open dispute under review (administrator boundary),
// enabling the worker/client rework hand-shake.
func (t *Tracker) StartReview(ctx context.Context, disputeID, actorID string) (Result, error) {
	return t.runByID(ctx, disputeID, actorID, "BACKJOB_UNDER_REVIEW", "backjob.under_review", nil,
		func(d *Dispute) (bool, error) {
			switch d.Status {
			case StatusUnderReview:
				return false, nil
			case StatusOpen:
			default:
				return false, transition.Preconditionf("start_backjob_review", "dispute is %s, not open", d.Status)
			}
			d.Status = StatusUnderReview
			return true, nil
		})
}

// requireParty rejects a hand-shake transition invoked by anyone other than
// the engagement side it belongs to.
func requireParty(transitionName, actorID, partyID, side string) error {
	if actorID != partyID {
		return transition.Preconditionf(transitionName, "actor %s is not the engagement %s", actorID, side)
	}
	return nil
}

// ConfirmStarted records the client's confirmation that rework began.
func (t *Tracker) ConfirmStarted(ctx context.Context, engagementID, actorID string) (Result, error) {
	return t.runActive(ctx, engagementID, actorID, "BACKJOB_STARTED", "backjob.started", nil,
		func(p Parties) error {
			return requireParty(TransitionConfirmBackjobStarted, actorID, p.ClientID, "client")
		},
		func(d *Dispute) (bool, error) {
			if d.Status != StatusUnderReview {
				return false, transition.Preconditionf(TransitionConfirmBackjobStarted, "dispute is %s, not under_review", d.Status)
			}
			if d.BackjobStarted {
				return false, nil
			}
			d.BackjobStarted = true
			return true, nil
		})
}

// MarkComplete records the worker's claim that the rework is done.
func (t *Tracker) MarkComplete(ctx context.Context, engagementID, actorID, notes string) (Result, error) {
	payload := map[string]any{}
	if notes != "" {
		payload["notes"] = notes
	}
	return t.runActive(ctx, engagementID, actorID, "BACKJOB_MARKED_COMPLETE", "backjob.marked_complete", payload,
		func(p Parties) error {
			return requireParty(TransitionMarkBackjobComplete, actorID, p.WorkerID, "worker")
		},
		func(d *Dispute) (bool, error) {
			if d.WorkerMarkedComplete {
				return false, nil
			}
			if !d.BackjobStarted {
				return false, transition.Preconditionf(TransitionMarkBackjobComplete, "client has not confirmed the backjob started")
			}
			d.WorkerMarkedComplete = true
			return true, nil
		})
}

// ApproveCompletion is the client's sign-off on the rework; it resolves the
// dispute.
func (t *Tracker) ApproveCompletion(ctx context.Context, engagementID, actorID, notes string) (Result, error) {
	payload := map[string]any{}
	if notes != "" {
		payload["notes"] = notes
	}
	return t.runActive(ctx, engagementID, actorID, "BACKJOB_RESOLVED", "backjob.resolved", payload,
		func(p Parties) error {
			return requireParty(TransitionApproveBackjobCompletion, actorID, p.ClientID, "client")
		},
		func(d *Dispute) (bool, error) {
			if d.ClientConfirmed {
				return false, nil
			}
			if !d.WorkerMarkedComplete {
				return false, transition.Preconditionf(TransitionApproveBackjobCompletion, "worker has not marked the backjob complete")
			}
			now := t.now()
			resolution := "rework accepted by client"
			d.ClientConfirmed = true
			d.Status = StatusResolved
			d.Resolution = &resolution
			d.ResolvedAt = &now
			return true, nil
		})
}

// CloseParams describes the administrator verdict on a dispute.
type CloseParams struct {
	DisputeID  string
	Resolution string
	Refund     bool
}

// Close records the administrator's verdict, independent of the rework
// hand-shake. With Refund set, the escrow gateway is invoked with a stable
// idempotency key before the close commits.
func (t *Tracker) Close(ctx context.Context, params CloseParams, actorID string) (Result, error) {
	payload := map[string]any{"resolution": params.Resolution, "refund": params.Refund}
	return t.runByID(ctx, params.DisputeID, actorID, "BACKJOB_CLOSED", "backjob.closed", payload,
		func(d *Dispute) (bool, error) {
			if d.Status == StatusClosed {
				return false, nil
			}
			now := t.now()
			d.Status = StatusClosed
			if params.Resolution != "" {
				d.Resolution = &params.Resolution
			}
			if d.ResolvedAt == nil {
				d.ResolvedAt = &now
			}
			return true, nil
		},
		func(ctx context.Context, tx pgx.Tx, d *Dispute) error {
			if !params.Refund {
				return nil
			}
			key := fmt.Sprintf("%s:backjob:%s:refund", d.EngagementID, d.ID)
			refunded, err := t.escrow.Refund(ctx, d.EngagementID, key)
			if err != nil {
				if _, ok := transition.AsDownstream(err); ok {
					return err
				}
				return &transition.DownstreamError{Dependency: "escrow", Err: err}
			}
			payload["escrow_refunded"] = refunded
			return nil
		})
}

// ListByEngagement returns the dispute history for display.
func (t *Tracker) ListByEngagement(ctx context.Context, engagementID string) ([]Dispute, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("backjob: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return t.store.ListByEngagement(ctx, tx, engagementID)
}

// runActive applies a guarded transition to the engagement's single active
// dispute under optimistic concurrency. The bind check runs against the
// engagement's parties before the guard, so a foreign caller can never
// observe an idempotent no-op.
func (t *Tracker) runActive(ctx context.Context, engagementID, actorID, eventType, topic string, payload map[string]any, bind func(p Parties) error, guard func(d *Dispute) (bool, error)) (Result, error) {
	load := func(ctx context.Context, tx pgx.Tx) (Dispute, error) {
		return t.store.GetActive(ctx, tx, engagementID)
	}
	return t.run(ctx, actorID, eventType, topic, payload, load, bind, guard, nil)
}

// runByID applies a guarded transition to a dispute addressed directly
// (administrator surface).
func (t *Tracker) runByID(ctx context.Context, disputeID, actorID, eventType, topic string, payload map[string]any, guard func(d *Dispute) (bool, error), sideEffect ...func(ctx context.Context, tx pgx.Tx, d *Dispute) error) (Result, error) {
	load := func(ctx context.Context, tx pgx.Tx) (Dispute, error) {
		return t.store.GetByID(ctx, tx, disputeID)
	}
	var effect func(ctx context.Context, tx pgx.Tx, d *Dispute) error
	if len(sideEffect) > 0 {
		effect = sideEffect[0]
	}
	return t.run(ctx, actorID, eventType, topic, payload, load, nil, guard, effect)
}

func (t *Tracker) run(
	ctx context.Context,
	actorID, eventType, topic string,
	payload map[string]any,
	load func(ctx context.Context, tx pgx.Tx) (Dispute, error),
	bind func(p Parties) error,
	guard func(d *Dispute) (bool, error),
	sideEffect func(ctx context.Context, tx pgx.Tx, d *Dispute) error,
) (Result, error) {
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		res, err := t.attempt(ctx, actorID, eventType, topic, payload, load, bind, guard, sideEffect)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, timeline.ErrSeqConflict) {
			continue
		}
		return res, err
	}
	return Result{}, transition.ErrConflictRetryExhausted
}

func (t *Tracker) attempt(
	ctx context.Context,
	actorID, eventType, topic string,
	payload map[string]any,
	load func(ctx context.Context, tx pgx.Tx) (Dispute, error),
	bind func(p Parties) error,
	guard func(d *Dispute) (bool, error),
	sideEffect func(ctx context.Context, tx pgx.Tx, d *Dispute) error,
) (Result, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("backjob: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := load(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	if bind != nil {
		p, err := t.store.GetEngagementParties(ctx, tx, d.EngagementID)
		if err != nil {
			return Result{}, err
		}
		if err := bind(p); err != nil {
			return Result{}, err
		}
	}

	applied, err := guard(&d)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Dispute: d, AppliedNow: false}, nil
	}

	if err := t.store.UpdateVersioned(ctx, tx, d); err != nil {
		return Result{}, err
	}

	if sideEffect != nil {
		if err := sideEffect(ctx, tx, &d); err != nil {
			return Result{}, err
		}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["dispute_id"] = d.ID
	payload["dispute_status"] = string(d.Status)
	if err := t.audit(ctx, tx, d.EngagementID, eventType, topic, actorID, payload); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("backjob: commit transition: %w", err)
	}

	d.Version++
	return Result{Dispute: d, AppliedNow: true}, nil
}

func (t *Tracker) audit(ctx context.Context, tx pgx.Tx, engagementID, eventType, topic, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["engagement_id"] = engagementID
	if err := t.timeline.Append(ctx, tx, engagementID, eventType, actorID, payload); err != nil {
		return err
	}
	return t.outbox.Enqueue(ctx, tx, topic, payload)
}
