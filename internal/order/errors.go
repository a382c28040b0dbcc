package order

import "fmt"

// ValidationError reports the first malformed field of a Request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// DuplicateOrderError means a pending order already exists for the same
// instrument and direction.
type DuplicateOrderError struct {
	Instrument string
	Direction  Direction
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("a similar order already exists for %s %s", e.Direction, e.Instrument)
}

// OrderNotFoundError is returned when cancelling an id with no pending record.
type OrderNotFoundError struct {
	ID int64
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order not found %d", e.ID)
}
