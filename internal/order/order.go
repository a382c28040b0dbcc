// Package order
package order

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Direction is the side of the stop order that will eventually be placed.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// ParseDirection accepts "buy"/"sell" in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) String() string { return string(d) }

// Request is an order submission as received from a client.
type Request struct {
	Instrument          string  `json:"instrument"`
	Direction           string  `json:"direction"`
	Units               int64   `json:"units"`
	StopEntry           float64 `json:"stopEntry"`
	StopLoss            float64 `json:"stopLoss"`
	TargetProfit        float64 `json:"targetProfit"`
	TriggerDistancePips int     `json:"triggerDistancePips"`
}

// Order is a pending conditional stop order.
type Order struct {
	ID                  int64     `json:"orderId"`
	Instrument          string    `json:"instrument"`
	Direction           Direction `json:"direction"`
	Units               int64     `json:"units"` // always positive, signed at placement
	StopEntry           float64   `json:"stopEntry"`
	StopLoss            float64   `json:"stopLoss"`
	TargetProfit        float64   `json:"targetProfit"`
	TriggerDistancePips int       `json:"triggerDistancePips"`
	CreatedAt           time.Time `json:"createdAt"`
}

func (o Order) String() string {
	return fmt.Sprintf("%d %s %s at %g", o.ID, o.Direction, o.Instrument, o.StopEntry)
}

// Store is the durable collection of pending orders.
type Store interface {
	// CreatePendingOrder inserts o unless another pending order already holds the
	// same instrument and direction, in which case it returns *DuplicateOrderError.
	CreatePendingOrder(ctx context.Context, o Order) (int64, error)
	// GetPendingOrder returns nil, nil when the id is unknown.
	GetPendingOrder(ctx context.Context, id int64) (*Order, error)
	GetPendingOrders(ctx context.Context) ([]Order, error)
	// DeletePendingOrder reports whether a record was removed.
	DeletePendingOrder(ctx context.Context, id int64) (bool, error)
}

// IDGenerator hands out time-derived ids that stay unique and increasing
// across goroutines even when the clock does not advance between calls.
type IDGenerator struct {
	last atomic.Int64
	now  func() time.Time
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

func (g *IDGenerator) Next() int64 {
	for {
		last := g.last.Load()
		next := g.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
