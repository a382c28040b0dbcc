package order

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		Instrument:          "eur_usd",
		Direction:           "buy",
		Units:               1000,
		StopEntry:           1.0145,
		StopLoss:            1.0100,
		TargetProfit:        1.0250,
		TriggerDistancePips: 3,
	}
}

func TestValidate_FullyPopulated(t *testing.T) {
	o, err := Validate(validRequest())
	require.NoError(t, err)

	assert.Equal(t, "EUR_USD", o.Instrument)
	assert.Equal(t, Buy, o.Direction)
	assert.Equal(t, int64(1000), o.Units)
	assert.Equal(t, 1.0145, o.StopEntry)
	assert.Equal(t, 3, o.TriggerDistancePips)
	assert.Zero(t, o.ID)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"missing instrument", func(r *Request) { r.Instrument = "  " }, "instrument"},
		{"missing direction", func(r *Request) { r.Direction = "" }, "direction"},
		{"unknown direction", func(r *Request) { r.Direction = "hold" }, "direction"},
		{"zero units", func(r *Request) { r.Units = 0 }, "units"},
		{"negative units", func(r *Request) { r.Units = -5 }, "units"},
		{"zero stop entry", func(r *Request) { r.StopEntry = 0 }, "stopEntry"},
		{"negative stop loss", func(r *Request) { r.StopLoss = -1 }, "stopLoss"},
		{"zero target profit", func(r *Request) { r.TargetProfit = 0 }, "targetProfit"},
		{"zero trigger distance", func(r *Request) { r.TriggerDistancePips = 0 }, "triggerDistancePips"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := Validate(req)
			require.Error(t, err)

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestValidate_StopLossSideNotChecked(t *testing.T) {
	req := validRequest()
	req.StopLoss = 2.0 // above entry for a buy
	_, err := Validate(req)
	assert.NoError(t, err)
}

func TestIsDuplicate(t *testing.T) {
	pending := []Order{
		{ID: 1, Instrument: "EUR_USD", Direction: Buy, StopEntry: 1.1},
	}

	assert.True(t, IsDuplicate(Order{Instrument: "EUR_USD", Direction: Buy, StopEntry: 1.5}, pending))
	assert.False(t, IsDuplicate(Order{Instrument: "EUR_USD", Direction: Sell}, pending))
	assert.False(t, IsDuplicate(Order{Instrument: "USD_CAD", Direction: Buy}, pending))
	assert.False(t, IsDuplicate(Order{Instrument: "EUR_USD", Direction: Buy}, nil))
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(" Sell ")
	require.NoError(t, err)
	assert.Equal(t, Sell, d)

	_, err = ParseDirection("long")
	assert.Error(t, err)
}

func TestIDGenerator_UniqueUnderFrozenClock(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	g := &IDGenerator{now: func() time.Time { return frozen }}

	const workers, perWorker = 8, 200
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				id := g.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestIDGenerator_Increasing(t *testing.T) {
	g := NewIDGenerator()
	prev := g.Next()
	for range 50 {
		next := g.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}
