package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigflow/engagement"
)

var (
	// ErrNotFound is returned when no record exists for the employee/day.
	ErrNotFound = errors.New("attendance: record not found")
	// ErrEngagementNotFound is returned when the parent engagement is missing.
	ErrEngagementNotFound = errors.New("attendance: engagement not found")
	// ErrDuplicateDay signals a concurrent arrival already created the row.
	ErrDuplicateDay = errors.New("attendance: record for day already exists")
	// ErrVersionConflict signals the versioned update lost to a concurrent writer.
	ErrVersionConflict = errors.New("attendance: version conflict")
)

const recordColumns = `id, engagement_id, employee_id, work_date, time_in, time_out, client_confirmed, version, created_at, updated_at`

// EngagementState is the slice of the parent row the guards need: lifecycle
// fields for the arrival check and party ids for actor binding.
type EngagementState struct {
	Status       engagement.Status
	PaymentModel engagement.PaymentModel
	ClientID     string
	WorkerID     string
}

// Repository owns SQL access to attendance_records. Methods take the
// caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetEngagementState reads the parent engagement fields the guards check.
func (r *Repository) GetEngagementState(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementState, error) {
	const q = `SELECT status::text, payment_model::text, client_id, worker_id FROM engagements WHERE id = $1`
	var st EngagementState
	if err := tx.QueryRow(ctx, q, engagementID).Scan(&st.Status, &st.PaymentModel, &st.ClientID, &st.WorkerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EngagementState{}, ErrEngagementNotFound
		}
		return EngagementState{}, fmt.Errorf("attendance: get engagement state: %w", err)
	}
	return st, nil
}

// Find returns the record for (engagement, employee, day) if one exists.
func (r *Repository) Find(ctx context.Context, tx pgx.Tx, engagementID, employeeID string, day time.Time) (Record, error) {
	q := `SELECT ` + recordColumns + ` FROM attendance_records WHERE engagement_id = $1 AND employee_id = $2 AND work_date = $3`
	rec, err := scanRecord(tx.QueryRow(ctx, q, engagementID, employeeID, day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("attendance: find: %w", err)
	}
	return rec, nil
}

// Insert creates the lazily materialised row for a first arrival. The unique
// (engagement, employee, day) constraint absorbs double-taps.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	q := `
INSERT INTO attendance_records (engagement_id, employee_id, work_date, time_in)
VALUES ($1, $2, $3, $4)
RETURNING ` + recordColumns
	out, err := scanRecord(tx.QueryRow(ctx, q, rec.EngagementID, rec.EmployeeID, rec.WorkDate, rec.TimeIn))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateDay
		}
		return Record{}, fmt.Errorf("attendance: insert: %w", err)
	}
	return out, nil
}

// UpdateVersioned writes checkout/confirmation fields guarded by the version
// read at the start of the transition.
func (r *Repository) UpdateVersioned(ctx context.Context, tx pgx.Tx, rec Record) error {
	const q = `
UPDATE attendance_records
SET time_in = $2,
    time_out = $3,
    client_confirmed = $4,
    updated_at = NOW(),
    version = version + 1
WHERE id = $1 AND version = $5
`
	tag, err := tx.Exec(ctx, q, rec.ID, rec.TimeIn, rec.TimeOut, rec.ClientConfirmed, rec.Version)
	if err != nil {
		return fmt.Errorf("attendance: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListByEngagement returns the ledger for one engagement, optionally one
// employee, newest day first. Used by daily billing display.
func (r *Repository) ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID, employeeID string) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM attendance_records WHERE engagement_id = $1`
	args := []any{engagementID}
	if employeeID != "" {
		args = append(args, employeeID)
		q += ` AND employee_id = $2`
	}
	q += ` ORDER BY work_date DESC, employee_id ASC`

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("attendance: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("attendance: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attendance: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.EngagementID,
		&rec.EmployeeID,
		&rec.WorkDate,
		&rec.TimeIn,
		&rec.TimeOut,
		&rec.ClientConfirmed,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
