package outbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/model"
)

// WebhookNotifier POSTs the message payload as JSON.
type WebhookNotifier struct {
	client *retryablehttp.Client
	url    string
}

// NewWebhookNotifier returns a notifier with bounded transport retries.
func NewWebhookNotifier(url string, log *zap.Logger) *WebhookNotifier {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	if log != nil {
		c.Logger = leveled{log.Sugar()}
	} else {
		c.Logger = nil
	}
	return &WebhookNotifier{client: c, url: url}
}

// Notify delivers m; any non-2xx response is an error.
func (w *WebhookNotifier) Notify(ctx context.Context, m model.OutboxMessage) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, m.Payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outbox-Topic", m.Topic)
	req.Header.Set("X-Outbox-Id", strconv.FormatInt(m.ID, 10))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", m.Topic, resp.StatusCode)
	}
	return nil
}

// leveled adapts zap to retryablehttp.LeveledLogger.
type leveled struct{ s *zap.SugaredLogger }

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

// LogNotifier only logs messages; used when no webhook is configured.
type LogNotifier struct{ Log *zap.Logger }

// Notify logs m.
func (n LogNotifier) Notify(_ context.Context, m model.OutboxMessage) error {
	n.Log.Info("outbox message", zap.Int64("id", m.ID), zap.String("topic", m.Topic), zap.ByteString("payload", m.Payload))
	return nil
}
