// Package watcher runs the price watch of one pending order: poll the feed
// until the price enters the trigger zone, then place the stop order.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/stop-trigger/internal/exchange"
	"github.com/amirphl/stop-trigger/internal/order"
	"github.com/amirphl/stop-trigger/internal/utils"
)

// State of a watch. Everything but Watching is terminal.
type State string

const (
	Watching  State = "WATCHING"
	Triggered State = "TRIGGERED"
	Cancelled State = "CANCELLED"
	Failed    State = "FAILED"
	// Interrupted means the process is shutting down. The pending order is
	// kept so the watch resumes after a restart.
	Interrupted State = "INTERRUPTED"
)

// DefaultPollInterval is the delay between two price checks.
const DefaultPollInterval = time.Second

// RetryPolicy bounds how often a failed price fetch is retried within one
// poll. Attempts counts the first try, so 1 disables retrying.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// NoRetry aborts the watch on the first feed fault.
func NoRetry() RetryPolicy {
	return RetryPolicy{Attempts: 1}
}

type Config struct {
	PollInterval time.Duration
	Retry        RetryPolicy
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Retry.Attempts < 1 {
		c.Retry = NoRetry()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Result is the outcome of a finished watch.
type Result struct {
	Order     order.Order
	State     State
	Err       error
	Placement *exchange.PlacementResult
	Polls     int
	LastPrice float64
}

var errWaitInterrupted = errors.New("wait interrupted")

type Watcher struct {
	order order.Order
	token *Token
	feed  exchange.PriceFeed
	exec  exchange.ExecutionClient
	store order.Store
	cfg   Config
	log   *logrus.Entry

	state State
}

func New(o order.Order, token *Token, feed exchange.PriceFeed, exec exchange.ExecutionClient, store order.Store, cfg Config) *Watcher {
	return &Watcher{
		order: o,
		token: token,
		feed:  feed,
		exec:  exec,
		store: store,
		cfg:   cfg.withDefaults(),
		log: utils.GetLogger().WithFields(logrus.Fields{
			"order_id":   o.ID,
			"instrument": o.Instrument,
			"direction":  o.Direction,
		}),
		state: Watching,
	}
}

// Run watches until the order triggers, is cancelled, fails or ctx ends. The
// pending order is removed from the store in every terminal state except
// Interrupted. Run never panics.
func (w *Watcher) Run(ctx context.Context) (res Result) {
	res = Result{Order: w.order, State: Watching}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("watch panicked: %v", r)
			w.transition(&res, Failed)
		}
		if res.State == Failed {
			w.log.WithError(res.Err).Errorf("Order %s %s at %g was dropped due to an error",
				w.order.Instrument, w.order.Direction, w.order.StopEntry)
		}
		if res.State != Interrupted {
			w.removeOrder(ctx)
		}
	}()

	w.log.Infof("Start checking the price for %s to %s at %g. Order will be placed when price reaches %g",
		w.order.Instrument, w.order.Direction, w.order.StopEntry, order.TriggerPrice(w.order))

	for {
		if w.token.Cancelled() {
			w.transition(&res, Cancelled)
			w.log.Infof("Stopped price watch for order %d %s %s as it was cancelled",
				w.order.ID, w.order.Direction, w.order.Instrument)
			return res
		}
		if ctx.Err() != nil {
			w.transition(&res, Interrupted)
			w.log.Info("Price watch interrupted by shutdown, order kept for recovery")
			return res
		}

		price, err := w.fetchPrice(ctx)
		if errors.Is(err, errWaitInterrupted) {
			continue
		}
		res.Polls++
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			res.Err = &exchange.FeedFault{Instrument: w.order.Instrument, Err: err}
			w.transition(&res, Failed)
			return res
		}
		res.LastPrice = price

		if order.ConditionMet(price, w.order) {
			w.log.Infof("%s reached %g. It's time to place %s stop order at %g",
				w.order.Instrument, price, w.order.Direction, w.order.StopEntry)
			break
		}
		w.log.Debugf("%s at %g, trigger %g not reached", w.order.Instrument, price, order.TriggerPrice(w.order))
		w.wait(ctx, w.cfg.PollInterval)
	}

	// a cancel that landed while the last price was fetched still wins
	if w.token.Cancelled() {
		w.transition(&res, Cancelled)
		w.log.Info("Order cancelled right after the trigger, not placing it")
		return res
	}
	w.transition(&res, Triggered)

	placement, err := w.place(ctx)
	if err != nil {
		res.Err = &exchange.ExecutionFault{Instrument: w.order.Instrument, Err: err}
		w.transition(&res, Failed)
		return res
	}
	res.Placement = &placement
	return res
}

// place submits the stop order. Shutdown does not abort an order that is
// already on its way to the venue.
func (w *Watcher) place(ctx context.Context) (exchange.PlacementResult, error) {
	spec := exchange.NewStopOrder(w.order, w.cfg.Now())
	placement, err := w.exec.PlaceStopOrder(context.WithoutCancel(ctx), spec)
	if err != nil {
		return exchange.PlacementResult{}, err
	}

	if placement.CreateTransactionID != "" {
		w.log.Infof("Created %s %s order with transaction ID %s", w.order.Instrument, w.order.Direction, placement.CreateTransactionID)
	}
	if placement.Rejected() {
		w.log.Errorf("%s %s order immediately cancelled due to %s", w.order.Instrument, w.order.Direction, placement.CancelTransaction.Reason)
	}
	return placement, nil
}

// fetchPrice asks the feed for the latest price, retrying per the policy.
// It returns errWaitInterrupted when a retry wait was cut short.
func (w *Watcher) fetchPrice(ctx context.Context) (float64, error) {
	b := &backoff.Backoff{Min: w.cfg.Retry.Delay, Max: w.cfg.Retry.Delay, Factor: 1}
	for attempt := 1; ; attempt++ {
		price, err := w.feed.LatestPrice(ctx, w.order.Instrument)
		if err == nil {
			return price, nil
		}
		if attempt >= w.cfg.Retry.Attempts || ctx.Err() != nil {
			return 0, err
		}

		delay := b.Duration()
		w.log.WithError(err).Warnf("Price fetch attempt %d/%d failed, retrying in %v", attempt, w.cfg.Retry.Attempts, delay)
		if !w.wait(ctx, delay) {
			return 0, errWaitInterrupted
		}
	}
}

// wait sleeps for d. It returns false when woken early by a cancel or ctx.
func (w *Watcher) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.token.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// removeOrder deletes the pending order. Errors are logged and swallowed.
func (w *Watcher) removeOrder(ctx context.Context) {
	removed, err := w.store.DeletePendingOrder(context.WithoutCancel(ctx), w.order.ID)
	if err != nil {
		w.log.WithError(err).Error("Failed to remove pending order")
		return
	}
	if !removed {
		w.log.Debug("Pending order already removed")
	}
}

func (w *Watcher) transition(res *Result, to State) {
	w.log.Debugf("%s -> %s", w.state, to)
	w.state = to
	res.State = to
}
