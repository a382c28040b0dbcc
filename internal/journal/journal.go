package journal

import (
	"context"
	"time"
)

// Event types
const (
	TypeOrder = "order"
)

// Event descriptions for TypeOrder
const (
	OrderCreated         = "order_created"
	OrderCancelled       = "order_cancelled"
	OrderTriggered       = "order_triggered"
	OrderPlaced          = "order_placed"
	OrderRejectedByVenue = "order_rejected_by_venue"
	OrderWatchFailed     = "order_watch_failed"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"` // e.g., "order"
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
