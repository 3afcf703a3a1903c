// Package notify is the coordinator's side of the push-notification channel.
// Delivery is strictly fire-and-forget: the coordinator enqueues at most once
// per state transition and never blocks on, retries, or fails because of the
// channel. Retries, device registries and transport signing belong to the
// channel itself.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Notification struct {
	UserID string         `json:"user_id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// Notifier accepts a notification for best-effort out-of-band delivery.
// Implementations must not block the caller.
type Notifier interface {
	Notify(n Notification)
}

// Nop discards all notifications; used when no push endpoint is configured.
type Nop struct{}

func (Nop) Notify(Notification) {}

// PushDispatcher posts notifications as JSON to an HTTP push endpoint from a
// single worker draining a bounded queue. A full queue drops the
// notification rather than backpressuring a ride transition.
type PushDispatcher struct {
	endpoint string
	client   *http.Client
	queue    chan Notification
	logger   *slog.Logger
}

func NewPushDispatcher(endpoint string, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 3 * time.Second},
		queue:    make(chan Notification, 256),
		logger:   logger,
	}
}

func (d *PushDispatcher) Notify(n Notification) {
	select {
	case d.queue <- n:
		observability.NotificationsEnqueued.Inc()
	default:
		observability.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping", "user_id", n.UserID, "title", n.Title)
	}
}

// Run drains the queue until ctx is cancelled. Delivery failures are logged
// and not retried.
func (d *PushDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.send(ctx, n)
		}
	}
}

func (d *PushDispatcher) send(ctx context.Context, n Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("notification marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(b))
	if err != nil {
		d.logger.Error("notification request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("push delivery failed", "user_id", n.UserID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Warn("push endpoint rejected notification", "user_id", n.UserID, "status", resp.StatusCode)
	}
}
