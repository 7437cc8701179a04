package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gigflow/outbox"
	"gigflow/review"
	"gigflow/timeline"
	"gigflow/transition"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the engagement data access required by the coordinator.
type Store interface {
	Get(ctx context.Context, tx pgx.Tx, id string) (Engagement, error)
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Engagement, error)
	UpdateVersioned(ctx context.Context, tx pgx.Tx, e Engagement) error
	RecordEscrowCall(ctx context.Context, tx pgx.Tx, key, engagementID string, released bool) error
	List(ctx context.Context, tx pgx.Tx, filters ListFilters) ([]Engagement, error)
}

// ReviewLedger is the slice of the review package the coordinator drives.
type ReviewLedger interface {
	Insert(ctx context.Context, tx pgx.Tx, rv review.Review) (review.Review, error)
	ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID string) ([]review.Review, error)
}

// EscrowGateway releases held client funds. The idempotency key makes the
// gateway the source of truth for "already released"; released=false means
// the key was already settled by an earlier call.
type EscrowGateway interface {
	Release(ctx context.Context, engagementID, idempotencyKey string) (bool, error)
}

// TimelineWriter appends audit events inside the transition transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, engagementID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues fire-and-forget notifications inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Coordinator owns the engagement lifecycle state machine. Every transition
// re-reads the row, evaluates its guard against fresh state, and commits a
// version-guarded write; a lost race re-reads and re-evaluates, so retries
// and double-taps collapse into idempotent no-ops.
type Coordinator struct {
	pool          TxBeginner
	store         Store
	reviews       ReviewLedger
	escrow        EscrowGateway
	timeline      TimelineWriter
	outbox        OutboxWriter
	now           func() time.Time
	maxAttempts   int
	escrowTimeout time.Duration
}

func NewCoordinator(pool TxBeginner, store Store, reviews ReviewLedger, escrow EscrowGateway) *Coordinator {
	if store == nil {
		store = NewRepository()
	}
	if reviews == nil {
		reviews = review.NewRepository()
	}
	return &Coordinator{
		pool:          pool,
		store:         store,
		reviews:       reviews,
		escrow:        escrow,
		timeline:      timeline.Writer{},
		outbox:        outbox.Writer{},
		now:           time.Now,
		maxAttempts:   3,
		escrowTimeout: 10 * time.Second,
	}
}

// Result is the outcome of one gateway transition call. AppliedNow=false
// marks the idempotent no-op case: state already reflected the request.
type Result struct {
	Engagement Engagement
	AppliedNow bool
}

// CreateParams describes a job award that materialises a new engagement.
type CreateParams struct {
	JobTitle     string
	ClientID     string
	WorkerID     string
	PaymentModel PaymentModel
	ActorID      string
}

// Create materialises an engagement in the active state when a worker or
// agency is assigned to a job.
func (c *Coordinator) Create(ctx context.Context, params CreateParams) (Engagement, error) {
	if params.ClientID == "" || params.WorkerID == "" {
		return Engagement{}, fmt.Errorf("engagement: client and worker ids required")
	}
	switch params.PaymentModel {
	case PaymentModelProject, PaymentModelDaily, PaymentModelTeam:
	default:
		return Engagement{}, fmt.Errorf("engagement: invalid payment model %q", params.PaymentModel)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := c.store.Insert(ctx, tx, InsertParams{
		JobTitle:     params.JobTitle,
		ClientID:     params.ClientID,
		WorkerID:     params.WorkerID,
		PaymentModel: params.PaymentModel,
	})
	if err != nil {
		return Engagement{}, err
	}

	payload := map[string]any{
		"engagement_id": e.ID,
		"payment_model": e.PaymentModel,
		"client_id":     e.ClientID,
		"worker_id":     e.WorkerID,
	}
	if err := c.timeline.Append(ctx, tx, e.ID, "ENGAGEMENT_CREATED", params.ActorID, payload); err != nil {
		return Engagement{}, err
	}
	if err := c.outbox.Enqueue(ctx, tx, "engagement.created", payload); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit create: %w", err)
	}
	return e, nil
}

// Get returns the current snapshot of one engagement.
func (c *Coordinator) Get(ctx context.Context, id string) (Engagement, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return c.store.Get(ctx, tx, id)
}

// List returns engagements for display surfaces.
func (c *Coordinator) List(ctx context.Context, filters ListFilters) ([]Engagement, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return c.store.List(ctx, tx, filters)
}

// Reviews returns the reviews recorded against one engagement.
func (c *Coordinator) Reviews(ctx context.Context, engagementID string) ([]review.Review, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return c.reviews.ListByEngagement(ctx, tx, engagementID)
}

// StartWork moves an active engagement into in_progress (worker/agency).
func (c *Coordinator) StartWork(ctx context.Context, engagementID, actorID string) (Result, error) {
	return c.run(ctx, engagementID, actorID,
		func(e *Engagement) (bool, error) {
			if err := requireActor(TransitionStartWork, actorID, e.WorkerID); err != nil {
				return false, err
			}
			return applyStartWork(e, c.now())
		},
		nil,
		"WORK_STARTED", "engagement.started", map[string]any{})
}

// ConfirmWorkStarted records the client's confirmation that on-site work
// began (project engagements only).
func (c *Coordinator) ConfirmWorkStarted(ctx context.Context, engagementID, actorID string) (Result, error) {
	return c.run(ctx, engagementID, actorID,
		func(e *Engagement) (bool, error) {
			if err := requireActor(TransitionConfirmWorkStarted, actorID, e.ClientID); err != nil {
				return false, err
			}
			return applyConfirmWorkStarted(e, c.now())
		},
		nil,
		"WORK_START_CONFIRMED", "engagement.work_start_confirmed", map[string]any{})
}

// MarkComplete records the worker's completion claim with notes and photo
// references already persisted to the media store.
func (c *Coordinator) MarkComplete(ctx context.Context, engagementID, actorID, notes string, photoRefs []string) (Result, error) {
	payload := map[string]any{"photo_count": len(photoRefs)}
	if notes != "" {
		payload["notes"] = notes
	}
	return c.run(ctx, engagementID, actorID,
		func(e *Engagement) (bool, error) {
			if err := requireActor(TransitionMarkComplete, actorID, e.WorkerID); err != nil {
				return false, err
			}
			return applyMarkComplete(e, notes, photoRefs, c.now())
		},
		nil,
		"MARKED_COMPLETE", "engagement.marked_complete", payload)
}

// ApproveCompletion is the client's terminal approval. The escrow release is
// invoked before commit with a stable idempotency key, so a retried approval
// after a gateway timeout can never double-release funds.
func (c *Coordinator) ApproveCompletion(ctx context.Context, engagementID, actorID string) (Result, error) {
	payload := map[string]any{}
	return c.run(ctx, engagementID, actorID,
		func(e *Engagement) (bool, error) {
			if err := requireActor(TransitionApproveCompletion, actorID, e.ClientID); err != nil {
				return false, err
			}
			return applyApproveCompletion(e, c.now())
		},
		func(ctx context.Context, tx pgx.Tx, e *Engagement) error {
			key := fmt.Sprintf("%s:release", e.ID)
			releaseCtx, cancel := context.WithTimeout(ctx, c.escrowTimeout)
			defer cancel()
			released, err := c.escrow.Release(releaseCtx, e.ID, key)
			if err != nil {
				if _, ok := transition.AsDownstream(err); ok {
					return err
				}
				return &transition.DownstreamError{Dependency: "escrow", Err: err}
			}
			payload["escrow_released"] = released
			return c.store.RecordEscrowCall(ctx, tx, key, e.ID, released)
		},
		"COMPLETION_APPROVED", "engagement.completed", payload)
}

// SubmitReview records one side's review and closes the engagement once both
// sides have reviewed. The review row and the engagement flags commit in the
// same transaction.
func (c *Coordinator) SubmitReview(ctx context.Context, engagementID, actorID string, author review.AuthorRole, ratings review.Ratings, comment string) (Result, error) {
	if err := ratings.Validate(); err != nil {
		return Result{}, err
	}
	payload := map[string]any{"author_role": string(author)}
	return c.run(ctx, engagementID, actorID,
		func(e *Engagement) (bool, error) {
			party := e.ClientID
			if author == review.AuthorWorker {
				party = e.WorkerID
			}
			if err := requireActor(TransitionSubmitReview, actorID, party); err != nil {
				return false, err
			}
			return applySubmitReview(e, author, c.now())
		},
		func(ctx context.Context, tx pgx.Tx, e *Engagement) error {
			if _, err := c.reviews.Insert(ctx, tx, review.Review{
				EngagementID: e.ID,
				AuthorRole:   author,
				AuthorID:     actorID,
				Ratings:      ratings,
				Comment:      comment,
			}); err != nil {
				return err
			}
			if e.Status == StatusClosed {
				payload["closed"] = true
				return c.outbox.Enqueue(ctx, tx, "engagement.closed", map[string]any{"engagement_id": e.ID})
			}
			return nil
		},
		"REVIEW_SUBMITTED", "engagement.reviewed", payload)
}

// run drives one guarded transition under optimistic concurrency: read,
// evaluate, version-guarded write, side effect, audit, commit. A lost race
// on the row version, the review insert or the timeline sequence re-reads
// and re-evaluates so the outcome always reflects the freshest state.
func (c *Coordinator) run(
	ctx context.Context,
	engagementID, actorID string,
	guard func(e *Engagement) (bool, error),
	sideEffect func(ctx context.Context, tx pgx.Tx, e *Engagement) error,
	eventType, topic string,
	payload map[string]any,
) (Result, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		res, err := c.attempt(ctx, engagementID, actorID, guard, sideEffect, eventType, topic, payload)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, review.ErrDuplicateReview) || errors.Is(err, timeline.ErrSeqConflict) {
			continue
		}
		return res, err
	}
	return Result{}, transition.ErrConflictRetryExhausted
}

func (c *Coordinator) attempt(
	ctx context.Context,
	engagementID, actorID string,
	guard func(e *Engagement) (bool, error),
	sideEffect func(ctx context.Context, tx pgx.Tx, e *Engagement) error,
	eventType, topic string,
	payload map[string]any,
) (Result, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := c.store.Get(ctx, tx, engagementID)
	if err != nil {
		return Result{}, err
	}

	applied, err := guard(&e)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Engagement: e, AppliedNow: false}, nil
	}

	if err := c.store.UpdateVersioned(ctx, tx, e); err != nil {
		return Result{}, err
	}

	if sideEffect != nil {
		if err := sideEffect(ctx, tx, &e); err != nil {
			return Result{}, err
		}
	}

	payload["engagement_id"] = e.ID
	payload["status"] = string(e.Status)
	if err := c.timeline.Append(ctx, tx, e.ID, eventType, actorID, payload); err != nil {
		return Result{}, err
	}
	if err := c.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("engagement: commit transition: %w", err)
	}

	e.Version++
	return Result{Engagement: e, AppliedNow: true}, nil
}
