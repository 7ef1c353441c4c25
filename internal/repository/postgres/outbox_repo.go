package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/doc-attest/internal/model"
)

// Enqueue inserts an outbox message.
func (r queries) Enqueue(ctx context.Context, m *model.OutboxMessage) error {
	const q = `
INSERT INTO outbox (topic, payload, next_attempt_at)
VALUES ($1, $2, $3)
RETURNING id, created_at`
	return r.q.QueryRow(ctx, q, m.Topic, m.Payload, m.NextAttemptAt).Scan(&m.ID, &m.CreatedAt)
}

// ClaimDue locks due, undelivered messages.
func (r queries) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.OutboxMessage, error) {
	const q = `
SELECT id, topic, payload, attempts, next_attempt_at, last_error, created_at
FROM outbox
WHERE sent_at IS NULL AND next_attempt_at <= $1
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED`
	rows, err := r.q.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OutboxMessage
	for rows.Next() {
		var m model.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.NextAttemptAt, &m.LastError, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent records delivery.
func (r queries) MarkSent(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE outbox SET sent_at = $2 WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, at)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("outbox %d", id))
}

// MarkFailed records a failed attempt.
func (r queries) MarkFailed(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	const q = `UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, attempts, next, lastErr)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("outbox %d", id))
}
