package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetention is how many deliveries a store keeps before pruning the oldest.
const DefaultRetention = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   int           // 0 means DefaultRetention
}

// Delivery is one journal record: what happened to an admitted message.
// Keep it compact and schema-stable.
type Delivery struct {
	ID    string        `json:"id"`
	At    time.Time     `json:"at"`
	Kind  string        `json:"kind"` // rendered, render_failed, dropped
	Text  string        `json:"text"`
	Took  time.Duration `json:"took,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Store is the persistence API used by the journal.
type Store interface {
	AppendDelivery(ctx context.Context, d Delivery) error
	// RecentDeliveries returns up to n records, oldest first.
	RecentDeliveries(ctx context.Context, n int) ([]Delivery, error)
	Close() error
}
