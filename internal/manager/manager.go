// Package manager is the entry point for stop orders: it validates and stores
// them, runs one watcher per pending order and cancels watches on request.
package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirphl/stop-trigger/internal/exchange"
	"github.com/amirphl/stop-trigger/internal/journal"
	"github.com/amirphl/stop-trigger/internal/notifier"
	"github.com/amirphl/stop-trigger/internal/order"
	"github.com/amirphl/stop-trigger/internal/utils"
	"github.com/amirphl/stop-trigger/internal/watcher"
)

// ErrShuttingDown is returned for new orders once Shutdown was called.
var ErrShuttingDown = errors.New("manager is shutting down")

// Options carries everything a Manager talks to. Journal and Notifier are
// optional.
type Options struct {
	Store    order.Store
	Journal  journal.Journaler
	Feed     exchange.PriceFeed
	Exec     exchange.ExecutionClient
	Notifier notifier.Notifier
	Watch    watcher.Config

	// OnResult, when set, receives the result of every finished watch.
	OnResult func(watcher.Result)
}

type Manager struct {
	opts Options
	ids  *order.IDGenerator
	now  func() time.Time
	log  *logrus.Entry

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tokens map[int64]*watcher.Token
	closed bool
}

func New(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("manager: store is required")
	case opts.Feed == nil:
		return nil, errors.New("manager: price feed is required")
	case opts.Exec == nil:
		return nil, errors.New("manager: execution client is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notifier.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		ids:    order.NewIDGenerator(),
		now:    time.Now,
		log:    utils.GetLogger().WithField("component", "manager"),
		runCtx: ctx,
		stop:   cancel,
		tokens: make(map[int64]*watcher.Token),
	}, nil
}

// CreateStopOrder accepts a new pending stop order and starts watching it.
func (m *Manager) CreateStopOrder(ctx context.Context, req order.Request) (int64, error) {
	if m.isClosed() {
		return 0, ErrShuttingDown
	}

	o, err := order.Validate(req)
	if err != nil {
		return 0, err
	}

	pending, err := m.opts.Store.GetPendingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending orders: %w", err)
	}
	if order.IsDuplicate(o, pending) {
		return 0, &order.DuplicateOrderError{Instrument: o.Instrument, Direction: o.Direction}
	}

	o.ID = m.ids.Next()
	o.CreatedAt = m.now().UTC()

	// the token is registered before the insert so a cancel racing the
	// watcher start always finds it
	token, err := m.register(o.ID)
	if err != nil {
		return 0, err
	}
	id, err := m.opts.Store.CreatePendingOrder(ctx, o)
	if err != nil {
		m.unregister(o.ID)
		var dup *order.DuplicateOrderError
		if errors.As(err, &dup) {
			return 0, err
		}
		return 0, fmt.Errorf("storing pending order: %w", err)
	}

	m.log.WithFields(logrus.Fields{"order_id": id, "instrument": o.Instrument, "direction": o.Direction}).
		Infof("Accepted %s stop order for %d units of %s at %g", o.Direction, o.Units, o.Instrument, o.StopEntry)
	m.record(ctx, journal.OrderCreated, o, nil)

	m.spawn(o, token)
	return id, nil
}

// CancelPendingOrder removes a pending order and stops its watch. Unknown ids
// yield *order.OrderNotFoundError.
func (m *Manager) CancelPendingOrder(ctx context.Context, id int64) error {
	o, err := m.opts.Store.GetPendingOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("loading pending order %d: %w", id, err)
	}

	removed, err := m.opts.Store.DeletePendingOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("removing pending order %d: %w", id, err)
	}
	if !removed {
		return &order.OrderNotFoundError{ID: id}
	}

	m.mu.Lock()
	token := m.tokens[id]
	m.mu.Unlock()
	if token != nil {
		token.Cancel()
	}

	if o == nil {
		o = &order.Order{ID: id}
	}
	m.log.WithFields(logrus.Fields{"order_id": id, "instrument": o.Instrument, "direction": o.Direction}).
		Info("Pending order cancelled")
	m.record(ctx, journal.OrderCancelled, *o, nil)
	return nil
}

// ListPendingOrders returns the pending orders, oldest first.
func (m *Manager) ListPendingOrders(ctx context.Context) ([]order.Order, error) {
	orders, err := m.opts.Store.GetPendingOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	slices.SortStableFunc(orders, func(a, b order.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return orders, nil
}

// Recover starts a watch for every stored order that is not watched yet. It
// is meant to run once at startup and returns how many watches it started.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	orders, err := m.ListPendingOrders(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, o := range orders {
		token, err := m.register(o.ID)
		if errors.Is(err, errAlreadyWatched) {
			continue
		}
		if err != nil {
			return started, err
		}
		m.spawn(o, token)
		started++
	}
	if started > 0 {
		m.log.Infof("Recovered %d pending orders", started)
	}
	return started, nil
}

// Watching reports how many watches are running.
func (m *Manager) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// Shutdown stops accepting orders and interrupts every running watch. Stored
// orders are kept. Use Wait to block until the watches have exited.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

var errAlreadyWatched = errors.New("order already watched")

func (m *Manager) register(id int64) (*watcher.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	if _, ok := m.tokens[id]; ok {
		return nil, errAlreadyWatched
	}
	token := watcher.NewToken()
	m.tokens[id] = token
	// counted here so Wait never races a late Add
	m.wg.Add(1)
	return token, nil
}

func (m *Manager) unregister(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; ok {
		delete(m.tokens, id)
		m.wg.Done()
	}
}

func (m *Manager) spawn(o order.Order, token *watcher.Token) {
	w := watcher.New(o, token, m.opts.Feed, m.opts.Exec, m.opts.Store, m.opts.Watch)
	go func() {
		res := w.Run(m.runCtx)
		m.report(res)
		m.unregister(o.ID)
	}()
}

func (m *Manager) report(res watcher.Result) {
	ctx := context.Background()
	o := res.Order

	switch res.State {
	case watcher.Triggered:
		m.record(ctx, journal.OrderTriggered, o, map[string]any{"price": res.LastPrice, "polls": res.Polls})
		if res.Placement == nil {
			break
		}
		if res.Placement.Rejected() {
			m.record(ctx, journal.OrderRejectedByVenue, o, map[string]any{
				"transaction_id":        res.Placement.CreateTransactionID,
				"cancel_transaction_id": res.Placement.CancelTransaction.ID,
				"reason":                res.Placement.CancelTransaction.Reason,
			})
			m.notify(fmt.Sprintf("%s %s stop order at %g was cancelled by the venue: %s",
				o.Instrument, o.Direction, o.StopEntry, res.Placement.CancelTransaction.Reason))
		} else {
			m.record(ctx, journal.OrderPlaced, o, map[string]any{"transaction_id": res.Placement.CreateTransactionID})
			m.notify(fmt.Sprintf("Placed %s stop order for %d units of %s at %g (tx %s)",
				o.Direction, o.Units, o.Instrument, o.StopEntry, res.Placement.CreateTransactionID))
		}
	case watcher.Failed:
		m.record(ctx, journal.OrderWatchFailed, o, map[string]any{"error": res.Err.Error()})
		m.notify(fmt.Sprintf("Dropped %s stop order for %s at %g: %v", o.Direction, o.Instrument, o.StopEntry, res.Err))
	}

	if m.opts.OnResult != nil {
		m.opts.OnResult(res)
	}
}

func (m *Manager) record(ctx context.Context, description string, o order.Order, extra map[string]any) {
	if m.opts.Journal == nil {
		return
	}
	data := map[string]any{
		"order_id":   o.ID,
		"instrument": o.Instrument,
		"direction":  o.Direction.String(),
	}
	if description == journal.OrderCreated {
		data["units"] = o.Units
		data["stop_entry"] = o.StopEntry
		data["stop_loss"] = o.StopLoss
		data["target_profit"] = o.TargetProfit
		data["trigger_distance_pips"] = o.TriggerDistancePips
	}
	for k, v := range extra {
		data[k] = v
	}

	ev := journal.Event{
		Time:        m.now().UTC(),
		Type:        journal.TypeOrder,
		Description: description,
		Data:        data,
	}
	if err := m.opts.Journal.LogEvent(ctx, ev); err != nil {
		m.log.WithError(err).Warnf("Failed to journal %s for order %d", description, o.ID)
	}
}

// notify runs on the watch goroutine, so retries end with the run context
// to keep Wait from blocking on a slow notification channel.
func (m *Manager) notify(msg string) {
	if err := m.opts.Notifier.SendWithRetry(m.runCtx, msg); err != nil {
		m.log.WithError(err).Warn("Failed to send notification")
	}
}
