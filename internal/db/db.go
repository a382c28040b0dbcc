// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/stop-trigger/internal/journal"
	"github.com/amirphl/stop-trigger/internal/order"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	order.Store
	journal.Journaler
}

var (
	_ Storage = (*Default)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
