package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries run against a live database under load.
// Each query must return zero rows on a healthy system.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_dispute",
			SQL: `SELECT engagement_id, COUNT(*) FROM backjob_disputes
                  WHERE status IN ('open','under_review')
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_approval_requires_mark",
			SQL: `SELECT id FROM engagements
                  WHERE client_marked_complete AND NOT worker_marked_complete`,
		},
		{
			Name: "O3_completed_requires_approval",
			SQL: `SELECT id FROM engagements
                  WHERE status IN ('completed','closed') AND NOT client_marked_complete`,
		},
		{
			Name: "O4_closed_requires_both_reviews",
			SQL: `SELECT id FROM engagements
                  WHERE status = 'closed' AND NOT (worker_reviewed AND client_reviewed)`,
		},
		{
			Name: "O5_single_escrow_release",
			SQL: `SELECT engagement_id, COUNT(*) FROM escrow_calls
                  WHERE idempotency_key LIKE '%:release'
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_attendance_ordering",
			SQL: `SELECT id FROM attendance_records
                  WHERE (time_out IS NOT NULL AND time_in IS NULL)
                     OR (client_confirmed AND time_out IS NULL)`,
		},
		{
			Name: "O7_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT engagement_id, seq,
                             LAG(seq) OVER (PARTITION BY engagement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_review_flags_backed_by_rows",
			SQL: `SELECT e.id FROM engagements e
                  WHERE (e.client_reviewed AND NOT EXISTS (
                            SELECT 1 FROM reviews r WHERE r.engagement_id = e.id AND r.author_role = 'client'))
                     OR (e.worker_reviewed AND NOT EXISTS (
                            SELECT 1 FROM reviews r WHERE r.engagement_id = e.id AND r.author_role = 'worker'))`,
		},
		{
			Name: "O10_resolved_dispute_handshake",
			SQL: `SELECT id FROM backjob_disputes
                  WHERE status = 'resolved'
                    AND NOT (backjob_started AND worker_marked_complete AND client_confirmed)`,
		},
		{
			Name: "O11_dispute_requires_completed_parent",
			SQL: `SELECT d.id FROM backjob_disputes d
                  JOIN engagements e ON e.id = d.engagement_id
                  WHERE e.status NOT IN ('completed','closed')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
