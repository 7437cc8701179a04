package outbox

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier delivers one message to the external notification transport.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

// LogNotifier is the default transport: it logs deliveries. Real deployments
// swap in the chat/push adapter.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, topic string, payload []byte) error {
	log.Printf("notify %s: %s", topic, payload)
	return nil
}

// Worker drains pending outbox messages in batches using SKIP LOCKED so
// multiple instances can run side by side. A message that keeps failing is
// marked dead after maxAttempts.
type Worker struct {
	pool        *pgxpool.Pool
	notifier    Notifier
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

func NewWorker(pool *pgxpool.Pool, notifier Notifier) *Worker {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Worker{
		pool:        pool,
		notifier:    notifier,
		batchSize:   10,
		maxAttempts: 5,
		interval:    time.Second,
	}
}

// Run processes batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				log.Printf("outbox batch: %v", err)
			}
		}
	}
}

type pendingMessage struct {
	id       string
	topic    string
	payload  []byte
	attempts int
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`, w.batchSize)
	if err != nil {
		return err
	}
	msgs := make([]pendingMessage, 0, w.batchSize)
	for rows.Next() {
		var m pendingMessage
		if err := rows.Scan(&m.id, &m.topic, &m.payload, &m.attempts); err != nil {
			rows.Close()
			return err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range msgs {
		if err := w.notifier.Notify(ctx, m.topic, m.payload); err != nil {
			next := StatusPending
			if m.attempts+1 >= w.maxAttempts {
				next = StatusDead
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = NOW() WHERE id = $1`, m.id, next); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, m.id); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
