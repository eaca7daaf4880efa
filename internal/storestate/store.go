// Package storestate implements the persistent key-value store beneath the
// replication engine (spec §6.2): a durable map from path to
// VersionedValue, with prefix scans for anti-entropy's full-range sync.
package storestate

import (
	"context"

	"github.com/knirvcorp/meshgraph/internal/model"
)

// Entry pairs a path with the VersionedValue stored at it, as returned by
// Scan.
type Entry struct {
	Path  model.Path
	Value model.VersionedValue
}

// Store is the adapter contract every persistence backend implements.
// Each operation is durable before it returns; Scan ordering is
// unspecified.
type Store interface {
	// Get returns the VersionedValue at path, or ok=false if absent.
	Get(ctx context.Context, path model.Path) (model.VersionedValue, bool, error)
	// Put durably records value at path, replacing any existing entry.
	Put(ctx context.Context, path model.Path, value model.VersionedValue) error
	// Del removes path entirely (used only by maintenance, not by the
	// engine's logical-delete path, which stores a tombstone via Put).
	Del(ctx context.Context, path model.Path) error
	// Scan returns every entry whose path is prefix or a descendant of
	// prefix. An empty prefix scans the entire store.
	Scan(ctx context.Context, prefix model.Path) ([]Entry, error)
	// Close flushes and releases any underlying resources.
	Close() error
}
