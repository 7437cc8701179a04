package engagement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when no engagement row exists for the identifier.
	ErrNotFound = errors.New("engagement: not found")
	// ErrVersionConflict signals the versioned update lost to a concurrent
	// writer; the caller re-reads and re-evaluates its guard.
	ErrVersionConflict = errors.New("engagement: version conflict")
)

const engagementColumns = `id, job_title, client_id, worker_id, payment_model::text, status::text,
client_confirmed_work_started, worker_marked_complete, client_marked_complete,
worker_reviewed, client_reviewed, completion_notes, completion_photo_refs,
version, created_at, updated_at, completed_at, closed_at`

// Repository owns SQL access to the engagements table. Methods take the
// caller's transaction so the coordinator controls the commit boundary.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Get reads one engagement inside the transaction. No row lock is taken; the
// version guard on the subsequent update detects concurrent writers.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Engagement, error) {
	q := `SELECT ` + engagementColumns + ` FROM engagements WHERE id = $1`
	e, err := scanEngagement(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, fmt.Errorf("engagement: get: %w", err)
	}
	return e, nil
}

// InsertParams enumerates the fields required to materialise a new
// engagement when a worker or agency is assigned to a job.
type InsertParams struct {
	JobTitle     string
	ClientID     string
	WorkerID     string
	PaymentModel PaymentModel
}

// Insert creates a fresh engagement in the active state.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Engagement, error) {
	q := `
INSERT INTO engagements (job_title, client_id, worker_id, payment_model, status)
VALUES ($1, $2, $3, $4::engagement_payment_model, 'active')
RETURNING ` + engagementColumns
	e, err := scanEngagement(tx.QueryRow(ctx, q, params.JobTitle, params.ClientID, params.WorkerID, params.PaymentModel))
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: insert: %w", err)
	}
	return e, nil
}

// UpdateVersioned writes the mutated row, guarded by the version read at the
// start of the transition. Zero rows affected means a concurrent writer won.
func (r *Repository) UpdateVersioned(ctx context.Context, tx pgx.Tx, e Engagement) error {
	const q = `
UPDATE engagements
SET status = $2::engagement_status,
    client_confirmed_work_started = $3,
    worker_marked_complete = $4,
    client_marked_complete = $5,
    worker_reviewed = $6,
    client_reviewed = $7,
    completion_notes = $8,
    completion_photo_refs = $9,
    completed_at = $10,
    closed_at = $11,
    updated_at = NOW(),
    version = version + 1
WHERE id = $1 AND version = $12
`
	tag, err := tx.Exec(ctx, q,
		e.ID,
		e.Status,
		e.ClientConfirmedWorkStarted,
		e.WorkerMarkedComplete,
		e.ClientMarkedComplete,
		e.WorkerReviewed,
		e.ClientReviewed,
		e.CompletionNotes,
		e.CompletionPhotoRefs,
		e.CompletedAt,
		e.ClosedAt,
		e.Version,
	)
	if err != nil {
		return fmt.Errorf("engagement: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// RecordEscrowCall audits an escrow gateway invocation inside the transition
// transaction. The key is the gateway idempotency key; replays are absorbed
// by the primary key so the audit row stays singular.
func (r *Repository) RecordEscrowCall(ctx context.Context, tx pgx.Tx, key, engagementID string, released bool) error {
	const q = `
INSERT INTO escrow_calls (idempotency_key, engagement_id, released)
VALUES ($1, $2, $3)
ON CONFLICT (idempotency_key) DO NOTHING
`
	if _, err := tx.Exec(ctx, q, key, engagementID, released); err != nil {
		return fmt.Errorf("engagement: record escrow call: %w", err)
	}
	return nil
}

// ListFilters narrows List to one side of the marketplace.
type ListFilters struct {
	ClientID string
	WorkerID string
	Status   Status
	Limit    int
}

// List returns engagements for display surfaces, newest first.
func (r *Repository) List(ctx context.Context, tx pgx.Tx, filters ListFilters) ([]Engagement, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 50
	}
	q := `SELECT ` + engagementColumns + ` FROM engagements WHERE 1=1`
	args := make([]any, 0, 4)
	if filters.ClientID != "" {
		args = append(args, filters.ClientID)
		q += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	if filters.WorkerID != "" {
		args = append(args, filters.WorkerID)
		q += fmt.Sprintf(" AND worker_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		q += fmt.Sprintf(" AND status = $%d::engagement_status", len(args))
	}
	args = append(args, filters.Limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("engagement: list: %w", err)
	}
	defer rows.Close()

	out := make([]Engagement, 0, 16)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("engagement: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engagement: iterate: %w", err)
	}
	return out, nil
}

func scanEngagement(row pgx.Row) (Engagement, error) {
	var e Engagement
	err := row.Scan(
		&e.ID,
		&e.JobTitle,
		&e.ClientID,
		&e.WorkerID,
		&e.PaymentModel,
		&e.Status,
		&e.ClientConfirmedWorkStarted,
		&e.WorkerMarkedComplete,
		&e.ClientMarkedComplete,
		&e.WorkerReviewed,
		&e.ClientReviewed,
		&e.CompletionNotes,
		&e.CompletionPhotoRefs,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.CompletedAt,
		&e.ClosedAt,
	)
	if err != nil {
		return Engagement{}, err
	}
	return e, nil
}
