package notify

import (
	"context"
	"time"
)

// Message is one operator notification.
type Message struct {
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier publishes operator notifications. Delivery is fire-and-forget;
// implementations never block the caller on network IO.
type Notifier interface {
	Publish(ctx context.Context, msg Message)
}

// Nop discards every message. Used when no routes are configured.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(ctx context.Context, msg Message) {}
