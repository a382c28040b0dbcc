// Package tfutils knows the candle granularities of the price feeds.
package tfutils

import (
	"fmt"
	"time"
)

var granularities = map[string]time.Duration{
	"S5":  5 * time.Second,
	"S10": 10 * time.Second,
	"S15": 15 * time.Second,
	"S30": 30 * time.Second,
	"M1":  time.Minute,
	"M2":  2 * time.Minute,
	"M4":  4 * time.Minute,
	"M5":  5 * time.Minute,
	"M10": 10 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H2":  2 * time.Hour,
	"H3":  3 * time.Hour,
	"H4":  4 * time.Hour,
	"H6":  6 * time.Hour,
	"H8":  8 * time.Hour,
	"H12": 12 * time.Hour,
	"D":   24 * time.Hour,
}

// ParseGranularity parses an OANDA candle granularity (e.g., "S5", "M1") to
// its candle length.
func ParseGranularity(g string) (time.Duration, error) {
	d, ok := granularities[g]
	if !ok {
		return 0, fmt.Errorf("unsupported granularity %q", g)
	}
	return d, nil
}

// FinestGranularity is the shortest candle OANDA serves; its close is the
// freshest price a single candle request can return.
const FinestGranularity = "S5"

// WallexResolution maps a candle length to the nearest Wallex resolution not
// shorter than it. Wallex serves nothing below one minute.
func WallexResolution(d time.Duration) string {
	switch {
	case d <= time.Minute:
		return "1"
	case d <= 5*time.Minute:
		return "5"
	case d <= 15*time.Minute:
		return "15"
	case d <= 30*time.Minute:
		return "30"
	case d <= time.Hour:
		return "60"
	case d <= 4*time.Hour:
		return "240"
	default:
		return "1D"
	}
}
