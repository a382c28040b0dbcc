// Package notifier
package notifier

import "context"

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(msg string) error
	// SendWithRetry stops retrying once ctx is done. The first attempt is
	// always made.
	SendWithRetry(ctx context.Context, msg string) error
}

// Nop drops every message. Used when no notification channel is configured.
type Nop struct{}

func (Nop) Send(string) error                           { return nil }
func (Nop) SendWithRetry(context.Context, string) error { return nil }
