// Package exchange
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/stop-trigger/internal/order"
)

// GTDValidity is how long a placed stop order stays on the venue.
const GTDValidity = 7 * 24 * time.Hour

// PriceFeed returns the most recent price of an instrument.
type PriceFeed interface {
	Name() string
	LatestPrice(ctx context.Context, instrument string) (float64, error)
}

// ExecutionClient submits finalized stop orders to the venue.
type ExecutionClient interface {
	Name() string
	PlaceStopOrder(ctx context.Context, spec StopOrderSpec) (PlacementResult, error)
}

// StopOrderSpec is the order sent to the venue once the trigger fired.
type StopOrderSpec struct {
	Instrument  string
	Units       int64 // positive buys, negative sells
	Price       float64
	StopLoss    float64
	TakeProfit  float64
	TimeInForce string
	GTDTime     time.Time
}

// CancelTransaction is a venue side cancellation or rejection that came back
// with the placement, e.g. the order was rejected on fill.
type CancelTransaction struct {
	ID     string
	Reason string
}

// PlacementResult reports what the venue did with a StopOrderSpec.
type PlacementResult struct {
	CreateTransactionID string
	CancelTransaction   *CancelTransaction
}

// Rejected reports whether the venue cancelled or refused the order right
// away. CreateTransactionID is empty when the order was refused outright.
func (r PlacementResult) Rejected() bool {
	return r.CancelTransaction != nil
}

// NewStopOrder builds the venue order for a triggered pending order.
func NewStopOrder(o order.Order, now time.Time) StopOrderSpec {
	units := o.Units
	if o.Direction == order.Sell {
		units = -units
	}
	return StopOrderSpec{
		Instrument:  o.Instrument,
		Units:       units,
		Price:       o.StopEntry,
		StopLoss:    o.StopLoss,
		TakeProfit:  o.TargetProfit,
		TimeInForce: "GTD",
		GTDTime:     now.Add(GTDValidity),
	}
}

// FeedFault wraps a failure to read a price.
type FeedFault struct {
	Instrument string
	Err        error
}

func (f *FeedFault) Error() string {
	return fmt.Sprintf("price feed fault for %s: %v", f.Instrument, f.Err)
}

func (f *FeedFault) Unwrap() error { return f.Err }

// ExecutionFault wraps a placement call that did not complete. A venue
// rejection is not an ExecutionFault, see PlacementResult.Rejected.
type ExecutionFault struct {
	Instrument string
	Err        error
}

func (f *ExecutionFault) Error() string {
	return fmt.Sprintf("execution fault for %s: %v", f.Instrument, f.Err)
}

func (f *ExecutionFault) Unwrap() error { return f.Err }
