// Package outbox implements the transactional outbox used to notify external
// transports (chat banners, push) about applied transitions. Enqueue happens
// in the same transaction as the state change; delivery is fire-and-forget
// and never rolls a transition back.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Enqueue appends a pending message inside the caller's transaction.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Writer adapts Enqueue for services that inject their outbox dependency.
type Writer struct{}

func (Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return Enqueue(ctx, tx, topic, payload)
}
