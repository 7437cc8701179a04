package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateReview signals this author already reviewed the engagement.
	ErrDuplicateReview = errors.New("review: author already reviewed engagement")
)

// Repository provides append-only access to the reviews ledger. Methods take
// the caller's transaction so review creation commits atomically with the
// engagement flag update.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert appends a review row. The unique (engagement_id, author_role)
// constraint enforces single submission per author.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rv Review) (Review, error) {
	if rv.EngagementID == "" {
		return Review{}, fmt.Errorf("review: missing engagement id")
	}
	if rv.AuthorRole != AuthorClient && rv.AuthorRole != AuthorWorker {
		return Review{}, fmt.Errorf("review: invalid author role %q", rv.AuthorRole)
	}
	if err := rv.Ratings.Validate(); err != nil {
		return Review{}, err
	}

	const q = `
INSERT INTO reviews (engagement_id, author_role, author_id, rating_quality, rating_communication, rating_punctuality, rating_professionalism, comment)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at
`
	err := tx.QueryRow(ctx, q,
		rv.EngagementID,
		rv.AuthorRole,
		rv.AuthorID,
		rv.Ratings.Quality,
		rv.Ratings.Communication,
		rv.Ratings.Punctuality,
		rv.Ratings.Professionalism,
		rv.Comment,
	).Scan(&rv.ID, &rv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Review{}, ErrDuplicateReview
		}
		return Review{}, fmt.Errorf("review: insert: %w", err)
	}
	return rv, nil
}

// ListByEngagement returns the reviews recorded for an engagement, client
// side first for stable display.
func (r *Repository) ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID string) ([]Review, error) {
	const q = `
SELECT id, engagement_id, author_role::text, author_id, rating_quality, rating_communication, rating_punctuality, rating_professionalism, comment, created_at
FROM reviews
WHERE engagement_id = $1
ORDER BY author_role ASC
`
	rows, err := tx.Query(ctx, q, engagementID)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := make([]Review, 0, 2)
	for rows.Next() {
		var rv Review
		if err := rows.Scan(
			&rv.ID,
			&rv.EngagementID,
			&rv.AuthorRole,
			&rv.AuthorID,
			&rv.Ratings.Quality,
			&rv.Ratings.Communication,
			&rv.Ratings.Punctuality,
			&rv.Ratings.Professionalism,
			&rv.Comment,
			&rv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}
