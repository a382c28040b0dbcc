package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/stop-trigger/internal/db/conf"
	"github.com/amirphl/stop-trigger/internal/journal"
	"github.com/amirphl/stop-trigger/internal/order"
	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	// Check if transaction exists in context
	if tx := GetTransaction(ctx); tx != nil {
		// Use existing transaction
		return fn(tx)
	}

	// Create new transaction
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Execute the function
	if fnErr := fn(tx); fnErr != nil {
		// Rollback on error
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	// Commit on success
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("db config has no connection")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

const pendingOrderColumns = `order_id, instrument, direction, units, stop_entry, stop_loss, target_profit, trigger_distance_pips, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingOrder(r rowScanner) (order.Order, error) {
	var (
		o   order.Order
		dir string
	)
	if err := r.Scan(&o.ID, &o.Instrument, &dir, &o.Units, &o.StopEntry, &o.StopLoss, &o.TargetProfit, &o.TriggerDistancePips, &o.CreatedAt); err != nil {
		return order.Order{}, err
	}
	o.Direction = order.Direction(dir)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

// CreatePendingOrder relies on the (instrument, direction) unique constraint so
// that two concurrent submissions cannot both land.
func (p *Default) CreatePendingOrder(ctx context.Context, o order.Order) (int64, error) {
	var id int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `INSERT INTO pending_orders (`+pendingOrderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (instrument, direction) DO NOTHING
			RETURNING order_id`,
			o.ID, o.Instrument, string(o.Direction), o.Units, o.StopEntry, o.StopLoss, o.TargetProfit, o.TriggerDistancePips, o.CreatedAt.UTC(),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return &order.DuplicateOrderError{Instrument: o.Instrument, Direction: o.Direction}
		}
		if err != nil {
			return fmt.Errorf("failed to save pending order %s: %w", o, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Default) GetPendingOrder(ctx context.Context, id int64) (*order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+pendingOrderColumns+` FROM pending_orders WHERE order_id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending order: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		o, err := scanPendingOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending order: %w", err)
		}
		return &o, nil
	}

	return nil, rows.Err()
}

func (p *Default) GetPendingOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+pendingOrderColumns+` FROM pending_orders ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		o, err := scanPendingOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Default) DeletePendingOrder(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_orders WHERE order_id=$1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete pending order %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		removed = n >= 1
		return nil
	})
	return removed, err
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO order_events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM order_events
		WHERE ($1 = '' OR type = $1) AND time >= $2 AND time <= $3 ORDER BY time, id`, eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var (
			e    journal.Event
			data []byte
		)
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
