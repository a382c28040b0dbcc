package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/stop-trigger/internal/db"
	"github.com/amirphl/stop-trigger/internal/exchange"
	"github.com/amirphl/stop-trigger/internal/order"
)

// scriptedFeed returns the scripted quotes in order and repeats the last one.
type scriptedFeed struct {
	mu     sync.Mutex
	quotes []quote
	calls  int
	polled chan struct{}
}

type quote struct {
	price float64
	err   error
	panic bool
}

func newFeed(quotes ...quote) *scriptedFeed {
	return &scriptedFeed{quotes: quotes, polled: make(chan struct{}, 64)}
}

func prices(ps ...float64) *scriptedFeed {
	qs := make([]quote, len(ps))
	for i, p := range ps {
		qs[i] = quote{price: p}
	}
	return newFeed(qs...)
}

func (f *scriptedFeed) Name() string { return "scripted" }

func (f *scriptedFeed) LatestPrice(ctx context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	i := min(f.calls, len(f.quotes)-1)
	f.calls++
	q := f.quotes[i]
	f.mu.Unlock()

	select {
	case f.polled <- struct{}{}:
	default:
	}
	if q.panic {
		panic("feed exploded")
	}
	return q.price, q.err
}

func (f *scriptedFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingExec struct {
	mu     sync.Mutex
	specs  []exchange.StopOrderSpec
	result exchange.PlacementResult
	err    error
}

func (e *recordingExec) Name() string { return "recording" }

func (e *recordingExec) PlaceStopOrder(ctx context.Context, spec exchange.StopOrderSpec) (exchange.PlacementResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs = append(e.specs, spec)
	if e.err != nil {
		return exchange.PlacementResult{}, e.err
	}
	return e.result, nil
}

func (e *recordingExec) Specs() []exchange.StopOrderSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]exchange.StopOrderSpec(nil), e.specs...)
}

type failingDeleteStore struct {
	*db.MemoryStorage
}

func (failingDeleteStore) DeletePendingOrder(ctx context.Context, id int64) (bool, error) {
	return false, errors.New("connection reset")
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func eurUsdBuy() order.Order {
	return order.Order{
		ID:                  42,
		Instrument:          "EUR_USD",
		Direction:           order.Buy,
		Units:               1000,
		StopEntry:           1.0145,
		StopLoss:            1.0100,
		TargetProfit:        1.0250,
		TriggerDistancePips: 3,
		CreatedAt:           testNow,
	}
}

func setup(t *testing.T, o order.Order) *db.MemoryStorage {
	t.Helper()
	store := db.NewMemory()
	_, err := store.CreatePendingOrder(context.Background(), o)
	require.NoError(t, err)
	return store
}

func fastConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		Now:          func() time.Time { return testNow },
	}
}

func assertRemoved(t *testing.T, store order.Store, id int64) {
	t.Helper()
	got, err := store.GetPendingOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRun_TriggersAndPlacesOnce(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	feed := prices(1.0152, 1.0140)
	exec := &recordingExec{result: exchange.PlacementResult{CreateTransactionID: "6372"}}

	res := New(o, NewToken(), feed, exec, store, fastConfig()).Run(context.Background())

	require.Equal(t, Triggered, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, res.Polls)
	assert.Equal(t, 1.0140, res.LastPrice)
	require.NotNil(t, res.Placement)
	assert.Equal(t, "6372", res.Placement.CreateTransactionID)

	specs := exec.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "EUR_USD", specs[0].Instrument)
	assert.Equal(t, int64(1000), specs[0].Units)
	assert.Equal(t, 1.0145, specs[0].Price)
	assert.Equal(t, 1.0100, specs[0].StopLoss)
	assert.Equal(t, 1.0250, specs[0].TakeProfit)
	assert.Equal(t, "GTD", specs[0].TimeInForce)
	assert.Equal(t, testNow.Add(exchange.GTDValidity), specs[0].GTDTime)

	assertRemoved(t, store, o.ID)
}

func TestRun_SellTriggersAboveEntry(t *testing.T) {
	o := eurUsdBuy()
	o.Direction = order.Sell
	o.StopEntry = 1.0145
	o.StopLoss = 1.0200
	o.TargetProfit = 1.0050
	store := setup(t, o)
	exec := &recordingExec{}

	res := New(o, NewToken(), prices(1.0140, 1.0148), exec, store, fastConfig()).Run(context.Background())

	require.Equal(t, Triggered, res.State)
	assert.Equal(t, 2, res.Polls)
	require.Len(t, exec.Specs(), 1)
	assert.Equal(t, int64(-1000), exec.Specs()[0].Units)
}

func TestRun_VenueRejectionIsStillTriggered(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	exec := &recordingExec{result: exchange.PlacementResult{
		CreateTransactionID: "10",
		CancelTransaction:   &exchange.CancelTransaction{ID: "11", Reason: "STOP_LOSS_ON_FILL_LOSS"},
	}}

	res := New(o, NewToken(), prices(1.0140), exec, store, fastConfig()).Run(context.Background())

	require.Equal(t, Triggered, res.State)
	require.NotNil(t, res.Placement)
	assert.True(t, res.Placement.Rejected())
	assertRemoved(t, store, o.ID)
}

func TestRun_RefusedByVenueIsNotAFault(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	exec := &recordingExec{result: exchange.PlacementResult{
		CancelTransaction: &exchange.CancelTransaction{ID: "21", Reason: "TAKE_PROFIT_ON_FILL_PRICE_INVALID"},
	}}

	res := New(o, NewToken(), prices(1.0140), exec, store, fastConfig()).Run(context.Background())

	require.Equal(t, Triggered, res.State)
	assert.NoError(t, res.Err)
	require.NotNil(t, res.Placement)
	assert.True(t, res.Placement.Rejected())
	assertRemoved(t, store, o.ID)
}

func TestRun_CancelWhileWatching(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	feed := prices(1.0152)
	exec := &recordingExec{}
	token := NewToken()

	done := make(chan Result, 1)
	go func() {
		done <- New(o, token, feed, exec, store, Config{PollInterval: time.Hour}).Run(context.Background())
	}()

	<-feed.polled
	token.Cancel()

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res.State)
		assert.Equal(t, 1, res.Polls)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
	assert.Empty(t, exec.Specs())
	assertRemoved(t, store, o.ID)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	feed := prices(1.0140)
	exec := &recordingExec{}
	token := NewToken()
	token.Cancel()

	res := New(o, token, feed, exec, store, fastConfig()).Run(context.Background())

	assert.Equal(t, Cancelled, res.State)
	assert.Zero(t, res.Polls)
	assert.Zero(t, feed.Calls())
	assert.Empty(t, exec.Specs())
	assertRemoved(t, store, o.ID)
}

func TestRun_FeedFaultAbortsByDefault(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	cause := errors.New("503 service unavailable")
	feed := newFeed(quote{err: cause})
	exec := &recordingExec{}

	res := New(o, NewToken(), feed, exec, store, fastConfig()).Run(context.Background())

	require.Equal(t, Failed, res.State)
	var fault *exchange.FeedFault
	require.ErrorAs(t, res.Err, &fault)
	assert.Equal(t, "EUR_USD", fault.Instrument)
	assert.ErrorIs(t, res.Err, cause)
	assert.Equal(t, 1, feed.Calls())
	assert.Empty(t, exec.Specs())
	assertRemoved(t, store, o.ID)
}

func TestRun_RetryRecoversFromTransientFault(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	flaky := errors.New("timeout")
	feed := newFeed(quote{err: flaky}, quote{err: flaky}, quote{price: 1.0140})
	exec := &recordingExec{}

	cfg := fastConfig()
	cfg.Retry = RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	res := New(o, NewToken(), feed, exec, store, cfg).Run(context.Background())

	require.Equal(t, Triggered, res.State)
	assert.Equal(t, 3, feed.Calls())
	assert.Equal(t, 1, res.Polls)
	assert.Len(t, exec.Specs(), 1)
}

func TestRun_RetryIsBounded(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	feed := newFeed(quote{err: errors.New("down")})
	exec := &recordingExec{}

	cfg := fastConfig()
	cfg.Retry = RetryPolicy{Attempts: 2, Delay: time.Millisecond}
	res := New(o, NewToken(), feed, exec, store, cfg).Run(context.Background())

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 2, feed.Calls())
	assert.Empty(t, exec.Specs())
	assertRemoved(t, store, o.ID)
}

func TestRun_CancelDuringRetryWait(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	feed := newFeed(quote{err: errors.New("down")})
	token := NewToken()

	cfg := fastConfig()
	cfg.Retry = RetryPolicy{Attempts: 5, Delay: time.Hour}

	done := make(chan Result, 1)
	go func() {
		done <- New(o, token, feed, &recordingExec{}, store, cfg).Run(context.Background())
	}()

	<-feed.polled
	token.Cancel()

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res.State)
		assert.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
	assertRemoved(t, store, o.ID)
}

func TestRun_ExecutionFault(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	cause := errors.New("PRICE_INVALID")
	exec := &recordingExec{err: cause}

	res := New(o, NewToken(), prices(1.0140), exec, store, fastConfig()).Run(context.Background())

	require.Equal(t, Failed, res.State)
	var fault *exchange.ExecutionFault
	require.ErrorAs(t, res.Err, &fault)
	assert.ErrorIs(t, res.Err, cause)
	assert.Nil(t, res.Placement)
	assert.Len(t, exec.Specs(), 1)
	assertRemoved(t, store, o.ID)
}

func TestRun_ShutdownKeepsOrder(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	feed := prices(1.0152)
	exec := &recordingExec{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- New(o, NewToken(), feed, exec, store, Config{PollInterval: time.Hour}).Run(ctx)
	}()

	<-feed.polled
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, Interrupted, res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on shutdown")
	}
	assert.Empty(t, exec.Specs())

	got, err := store.GetPendingOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.ID, got.ID)
}

func TestRun_RemovalFailureIsSwallowed(t *testing.T) {
	o := eurUsdBuy()
	store := failingDeleteStore{setup(t, o)}
	exec := &recordingExec{result: exchange.PlacementResult{CreateTransactionID: "1"}}

	res := New(o, NewToken(), prices(1.0140), exec, store, fastConfig()).Run(context.Background())

	assert.Equal(t, Triggered, res.State)
	assert.NoError(t, res.Err)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	o := eurUsdBuy()
	store := setup(t, o)
	exec := &recordingExec{}

	var res Result
	require.NotPanics(t, func() {
		res = New(o, NewToken(), newFeed(quote{panic: true}), exec, store, fastConfig()).Run(context.Background())
	})

	assert.Equal(t, Failed, res.State)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "feed exploded")
	assert.Empty(t, exec.Specs())
	assertRemoved(t, store, o.ID)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{Retry: RetryPolicy{Attempts: 0}}.withDefaults()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, NoRetry(), cfg.Retry)
	assert.NotNil(t, cfg.Now)
}

func TestToken(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.Cancelled())

	select {
	case <-tok.Done():
		t.Fatal("done closed before cancel")
	default:
	}

	assert.True(t, tok.Cancel())
	assert.False(t, tok.Cancel())
	assert.True(t, tok.Cancelled())

	select {
	case <-tok.Done():
	default:
		t.Fatal("done not closed after cancel")
	}
}

func TestToken_ConcurrentCancel(t *testing.T) {
	tok := NewToken()
	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- tok.Cancel()
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	assert.Equal(t, 1, n)
}
