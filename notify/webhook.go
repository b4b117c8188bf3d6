package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultQueueCapacity = 256
	defaultQueueTTL      = 15 * time.Minute
	defaultSendTimeout   = 10 * time.Second
)

// WebhookOption adjusts the notifier's behaviour.
type WebhookOption func(*Webhook)

// WithQueueCapacity bounds the number of undelivered messages.
func WithQueueCapacity(n int) WebhookOption {
	return func(w *Webhook) {
		if n > 0 {
			w.queue = newRing[queued](n)
		}
	}
}

// WithQueueTTL sets how long a queued message stays deliverable.
func WithQueueTTL(ttl time.Duration) WebhookOption {
	return func(w *Webhook) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithSendTimeout bounds each delivery attempt.
func WithSendTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.client.Timeout = d
		}
	}
}

// WithClock overrides the clock used for TTL evaluation.
func WithClock(now func() time.Time) WebhookOption {
	return func(w *Webhook) {
		if now != nil {
			w.now = now
		}
	}
}

type queued struct {
	msg        Message
	enqueuedAt time.Time
}

// Webhook delivers messages to per-channel HTTP endpoints from a bounded
// in-memory queue. Overflow drops the oldest message; nothing here is
// durable, operator notifications are best effort.
type Webhook struct {
	routes *Routes
	logger *slog.Logger
	client *http.Client
	now    func() time.Time
	ttl    time.Duration

	mu    sync.Mutex
	queue ring[queued]

	dropped int64
}

// NewWebhook constructs a webhook notifier. Start must be called to begin
// delivery.
func NewWebhook(routes *Routes, logger *slog.Logger, opts ...WebhookOption) (*Webhook, error) {
	if routes == nil {
		return nil, fmt.Errorf("notify: routes required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		routes: routes,
		logger: logger,
		client: &http.Client{Timeout: defaultSendTimeout},
		now:    time.Now,
		queue:  newRing[queued](defaultQueueCapacity),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.ttl <= 0 {
		w.ttl = defaultQueueTTL
	}
	return w, nil
}

// Publish queues a message for delivery. Never blocks.
func (w *Webhook) Publish(ctx context.Context, msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = w.now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, overflowed := w.queue.push(queued{msg: msg, enqueuedAt: w.now()}); overflowed {
		w.dropped++
		w.logger.Warn("notification dropped, queue full", "channel", msg.Channel)
	}
}

// Dropped reports how many messages have been discarded by overflow or TTL.
func (w *Webhook) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Start runs the delivery loop until the context is cancelled.
func (w *Webhook) Start(ctx context.Context) {
	for {
		item, ok := w.dequeue(ctx)
		if !ok {
			return
		}
		w.deliver(ctx, item.msg)
	}
}

func (w *Webhook) dequeue(ctx context.Context) (queued, bool) {
	for {
		w.mu.Lock()
		item, ok := w.queue.pop()
		if ok && w.ttl > 0 && w.now().Sub(item.enqueuedAt) > w.ttl {
			w.dropped++
			w.mu.Unlock()
			continue
		}
		w.mu.Unlock()
		if ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return queued{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, msg Message) {
	endpoint, ok := w.routes.Endpoint(msg.Channel)
	if !ok {
		w.logger.Warn("no route for notification channel", "channel", msg.Channel)
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("notification encode failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		w.logger.Error("notification request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("notification delivery failed", "channel", msg.Channel, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("notification rejected by endpoint",
			"channel", msg.Channel, "status", resp.StatusCode)
	}
}

// Alert adapts the notifier to the alert-hook signature the settlement and
// reconciliation loops expect.
func (w *Webhook) Alert(channel string) func(ctx context.Context, subject, body string) {
	return func(ctx context.Context, subject, body string) {
		w.Publish(ctx, Message{Channel: channel, Subject: subject, Body: body})
	}
}

// ring is a fixed-size buffer that overwrites the oldest element when full.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}
