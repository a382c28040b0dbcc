package order

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	jpyPip      = decimal.New(1, -2)
	standardPip = decimal.New(1, -4)
)

func pipValue(instrument string) decimal.Decimal {
	if strings.HasSuffix(strings.ToUpper(instrument), "_JPY") {
		return jpyPip
	}
	return standardPip
}

// PipValue is the price of one pip: 0.01 for JPY quoted pairs, 0.0001 otherwise.
func PipValue(instrument string) float64 {
	return pipValue(instrument).InexactFloat64()
}

// ConvertPip converts a pip distance into a price distance for the instrument.
func ConvertPip(pips int, instrument string) float64 {
	return convertPip(pips, instrument).InexactFloat64()
}

func convertPip(pips int, instrument string) decimal.Decimal {
	return decimal.NewFromInt(int64(pips)).Mul(pipValue(instrument))
}

func triggerPrice(o Order) decimal.Decimal {
	entry := decimal.NewFromFloat(o.StopEntry)
	distance := convertPip(o.TriggerDistancePips, o.Instrument)
	if o.Direction == Buy {
		return entry.Sub(distance)
	}
	return entry.Add(distance)
}

// TriggerPrice is the edge of the trigger zone: below the stop entry for a
// buy, above it for a sell.
func TriggerPrice(o Order) float64 {
	return triggerPrice(o).InexactFloat64()
}

// ConditionMet reports whether price has entered the trigger zone. The
// boundary itself counts as inside for both directions.
func ConditionMet(price float64, o Order) bool {
	p := decimal.NewFromFloat(price)
	if o.Direction == Buy {
		return p.LessThanOrEqual(triggerPrice(o))
	}
	return p.GreaterThanOrEqual(triggerPrice(o))
}
