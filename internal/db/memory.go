package db

import (
	"context"
	"database/sql"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/stop-trigger/internal/journal"
	"github.com/amirphl/stop-trigger/internal/order"
)

type MemoryStorage struct {
	mu sync.RWMutex

	// Pending orders by id
	orders map[int64]order.Order

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[int64]order.Order),
		events: make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- OrderStore --------

func (m *MemoryStorage) CreatePendingOrder(ctx context.Context, o order.Order) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.IsDuplicate(o, slices.Collect(maps.Values(m.orders))) {
		return 0, &order.DuplicateOrderError{Instrument: o.Instrument, Direction: o.Direction}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	m.orders[o.ID] = o
	return o.ID, nil
}

func (m *MemoryStorage) GetPendingOrder(ctx context.Context, id int64) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[id]; ok {
		oo := o
		return &oo, nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetPendingOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStorage) DeletePendingOrder(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return false, nil
	}
	delete(m.orders, id)
	return true, nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
