// Package timeline appends immutable audit events for an engagement. Every
// applied transition writes one event inside the same transaction as the
// state change.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSeqConflict signals that a concurrent writer claimed the same
// per-engagement sequence number. The caller's transaction is dead at this
// point and the whole transition must be retried.
var ErrSeqConflict = errors.New("timeline: sequence conflict")

// Append inserts a timeline event for the engagement inside the caller's
// transaction. The per-engagement sequence is derived from the current
// maximum under UNIQUE(engagement_id, seq); writers that race on the same
// engagement from independent rows (attendance of two employees, a dispute
// next to an attendance day) surface as ErrSeqConflict.
func Append(ctx context.Context, tx pgx.Tx, engagementID, eventType, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const q = `
INSERT INTO timeline_events (engagement_id, seq, type, actor_id, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
FROM timeline_events
WHERE engagement_id = $1
`
	if _, err := tx.Exec(ctx, q, engagementID, eventType, actor, body); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSeqConflict
		}
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// Writer adapts Append for services that inject their timeline dependency.
type Writer struct{}

func (Writer) Append(ctx context.Context, tx pgx.Tx, engagementID, eventType, actorID string, payload map[string]any) error {
	return Append(ctx, tx, engagementID, eventType, actorID, payload)
}

// Event mirrors a timeline_events row for read surfaces.
type Event struct {
	ID           int64
	EngagementID string
	Seq          int
	Type         string
	ActorID      *string
	Payload      []byte
}

// ListByEngagement returns the ordered audit trail for one engagement.
func ListByEngagement(ctx context.Context, tx pgx.Tx, engagementID string) ([]Event, error) {
	const q = `
SELECT id, engagement_id, seq, type, actor_id::text, payload
FROM timeline_events
WHERE engagement_id = $1
ORDER BY seq ASC
`
	rows, err := tx.Query(ctx, q, engagementID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EngagementID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Payload); err != nil {
			return nil, fmt.Errorf("timeline: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}
