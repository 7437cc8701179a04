package backjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigflow/engagement"
)

var (
	// ErrNotFound is returned when no dispute row matches.
	ErrNotFound = errors.New("backjob: dispute not found")
	// ErrNoActiveDispute is returned when the engagement has no open or
	// under-review dispute.
	ErrNoActiveDispute = errors.New("backjob: no active dispute for engagement")
	// ErrActiveDisputeExists rejects opening a second dispute while one is
	// still open or under review.
	ErrActiveDisputeExists = errors.New("backjob: engagement already has an active dispute")
	// ErrEngagementNotCompleted rejects opening a dispute before the
	// engagement reached completed.
	ErrEngagementNotCompleted = errors.New("backjob: engagement is not completed")
	// ErrVersionConflict signals the versioned update lost to a concurrent writer.
	ErrVersionConflict = errors.New("backjob: version conflict")
)

const disputeColumns = `id, engagement_id, status::text, reason, description, priority, evidence_images,
backjob_started, worker_marked_complete, client_confirmed, resolution, version, opened_at, resolved_at`

// Repository owns SQL access to backjob_disputes. Methods take the caller's
// transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetActive returns the single open/under-review dispute for an engagement.
func (r *Repository) GetActive(ctx context.Context, tx pgx.Tx, engagementID string) (Dispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM backjob_disputes WHERE engagement_id = $1 AND status IN ('open','under_review')`
	d, err := scanDispute(tx.QueryRow(ctx, q, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNoActiveDispute
		}
		return Dispute{}, fmt.Errorf("backjob: get active: %w", err)
	}
	return d, nil
}

// GetByID returns one dispute row.
func (r *Repository) GetByID(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM backjob_disputes WHERE id = $1`
	d, err := scanDispute(tx.QueryRow(ctx, q, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("backjob: get: %w", err)
	}
	return d, nil
}

// Parties holds the engagement sides the rework hand-shake binds to.
type Parties struct {
	ClientID string
	WorkerID string
}

// GetEngagementParties reads the client and worker of the dispute's
// engagement for actor binding.
func (r *Repository) GetEngagementParties(ctx context.Context, tx pgx.Tx, engagementID string) (Parties, error) {
	const q = `SELECT client_id, worker_id FROM engagements WHERE id = $1`
	var p Parties
	if err := tx.QueryRow(ctx, q, engagementID).Scan(&p.ClientID, &p.WorkerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Parties{}, engagement.ErrNotFound
		}
		return Parties{}, fmt.Errorf("backjob: get engagement parties: %w", err)
	}
	return p, nil
}

// OpenParams describes a new dispute filed by an administrator.
type OpenParams struct {
	EngagementID   string
	Reason         string
	Description    string
	Priority       string
	EvidenceImages []string
}

// Insert opens a dispute against a completed engagement. The partial unique
// index on active disputes turns a competing open into ErrActiveDisputeExists.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Dispute, error) {
	var status engagement.Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM engagements WHERE id = $1`, params.EngagementID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, engagement.ErrNotFound
		}
		return Dispute{}, fmt.Errorf("backjob: check engagement: %w", err)
	}
	if status != engagement.StatusCompleted {
		return Dispute{}, ErrEngagementNotCompleted
	}

	q := `
INSERT INTO backjob_disputes (engagement_id, status, reason, description, priority, evidence_images)
VALUES ($1, 'open', $2, $3, $4, $5)
RETURNING ` + disputeColumns
	d, err := scanDispute(tx.QueryRow(ctx, q,
		params.EngagementID,
		params.Reason,
		params.Description,
		params.Priority,
		params.EvidenceImages,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrActiveDisputeExists
		}
		return Dispute{}, fmt.Errorf("backjob: insert: %w", err)
	}
	return d, nil
}

// UpdateVersioned writes the mutated dispute guarded by the version read at
// the start of the transition.
func (r *Repository) UpdateVersioned(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const q = `
UPDATE backjob_disputes
SET status = $2::backjob_status,
    backjob_started = $3,
    worker_marked_complete = $4,
    client_confirmed = $5,
    resolution = $6,
    resolved_at = $7,
    version = version + 1
WHERE id = $1 AND version = $8
`
	tag, err := tx.Exec(ctx, q,
		d.ID,
		d.Status,
		d.BackjobStarted,
		d.WorkerMarkedComplete,
		d.ClientConfirmed,
		d.Resolution,
		d.ResolvedAt,
		d.Version,
	)
	if err != nil {
		return fmt.Errorf("backjob: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListByEngagement returns the dispute history for one engagement, newest
// first.
func (r *Repository) ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID string) ([]Dispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM backjob_disputes WHERE engagement_id = $1 ORDER BY opened_at DESC`
	rows, err := tx.Query(ctx, q, engagementID)
	if err != nil {
		return nil, fmt.Errorf("backjob: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("backjob: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backjob: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.EngagementID,
		&d.Status,
		&d.Reason,
		&d.Description,
		&d.Priority,
		&d.EvidenceImages,
		&d.BackjobStarted,
		&d.WorkerMarkedComplete,
		&d.ClientConfirmed,
		&d.Resolution,
		&d.Version,
		&d.OpenedAt,
		&d.ResolvedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
