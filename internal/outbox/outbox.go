// Package outbox records side effects inside the transaction that causes them
// and delivers them later, so a failed delivery never undoes a workflow action.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/repository"
)

// Topics.
const (
	TopicPaid      = "application.paid"
	TopicSubmitted = "application.submitted"
	TopicApproved  = "application.approved"
	TopicRejected  = "application.rejected"
	TopicSentBack  = "application.sent_back"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour
)

// Enqueue serializes payload and stores it through q, typically a transaction.
func Enqueue(ctx context.Context, q repository.OutboxRepository, topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", topic, err)
	}
	return q.Enqueue(ctx, &model.OutboxMessage{Topic: topic, Payload: b, NextAttemptAt: time.Now()})
}

// Notifier delivers one message.
type Notifier interface {
	Notify(ctx context.Context, m model.OutboxMessage) error
}

// Backoff is the delay before attempt number attempts+1.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Dispatcher polls due messages and hands them to a Notifier.
type Dispatcher struct {
	store    repository.Store
	notifier Notifier
	batch    int
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(store repository.Store, n Notifier, batch int, interval time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if batch <= 0 {
		batch = 50
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Dispatcher{store: store, notifier: n, batch: batch, interval: interval, log: log, now: time.Now}
}

// RunOnce delivers one batch and reports how many messages were sent.
// Claimed rows stay locked until the batch transaction ends, so concurrent
// dispatchers skip them.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	sent := 0
	err := d.store.WithinTx(ctx, func(q repository.Queries) error {
		sent = 0
		msgs, err := q.ClaimDue(ctx, d.now(), d.batch)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := d.notifier.Notify(ctx, m); err != nil {
				attempts := m.Attempts + 1
				next := d.now().Add(Backoff(attempts))
				d.log.Warn("outbox delivery failed",
					zap.Int64("id", m.ID), zap.String("topic", m.Topic),
					zap.Int("attempts", attempts), zap.Time("next_attempt", next), zap.Error(err))
				if err := q.MarkFailed(ctx, m.ID, attempts, next, err.Error()); err != nil {
					return err
				}
				continue
			}
			if err := q.MarkSent(ctx, m.ID, d.now()); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}

// Run calls RunOnce every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		if n, err := d.RunOnce(ctx); err != nil {
			d.log.Error("outbox batch", zap.Error(err))
		} else if n > 0 {
			d.log.Debug("outbox batch", zap.Int("sent", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
