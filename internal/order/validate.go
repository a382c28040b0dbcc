package order

import "strings"

// Validate checks a Request and returns the normalized Order for it. The
// returned Order has no ID or CreatedAt yet.
func Validate(req Request) (Order, error) {
	instrument := strings.ToUpper(strings.TrimSpace(req.Instrument))
	if instrument == "" {
		return Order{}, &ValidationError{Field: "instrument", Reason: "is required"}
	}
	if strings.TrimSpace(req.Direction) == "" {
		return Order{}, &ValidationError{Field: "direction", Reason: "is required"}
	}
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		return Order{}, &ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	}

	switch {
	case req.Units <= 0:
		return Order{}, &ValidationError{Field: "units", Reason: "must be positive"}
	case req.StopEntry <= 0:
		return Order{}, &ValidationError{Field: "stopEntry", Reason: "must be positive"}
	case req.StopLoss <= 0:
		return Order{}, &ValidationError{Field: "stopLoss", Reason: "must be positive"}
	case req.TargetProfit <= 0:
		return Order{}, &ValidationError{Field: "targetProfit", Reason: "must be positive"}
	case req.TriggerDistancePips <= 0:
		return Order{}, &ValidationError{Field: "triggerDistancePips", Reason: "must be positive"}
	}

	return Order{
		Instrument:          instrument,
		Direction:           dir,
		Units:               req.Units,
		StopEntry:           req.StopEntry,
		StopLoss:            req.StopLoss,
		TargetProfit:        req.TargetProfit,
		TriggerDistancePips: req.TriggerDistancePips,
	}, nil
}

// IsDuplicate reports whether any pending order shares the candidate's
// instrument and direction.
func IsDuplicate(candidate Order, pending []Order) bool {
	for _, existing := range pending {
		if existing.Instrument == candidate.Instrument && existing.Direction == candidate.Direction {
			return true
		}
	}
	return false
}
