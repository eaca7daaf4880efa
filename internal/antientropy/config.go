package antientropy

import (
	"time"

	"github.com/knirvcorp/meshgraph/internal/engine"
	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/monitoring"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/transport"
)

// Config wires a Task to the engine and adapters it reconciles, plus the
// interval/batch knobs spec.md §6.3 lists under anti_entropy_interval_ms,
// clock_sync_interval_ms, batch_size and batch_pause_ms.
type Config struct {
	Engine    *engine.Engine
	Store     storestate.Store
	Transport transport.Transport

	// ClockSyncInterval paces the fast vector-clock exchange. Default 2s.
	ClockSyncInterval time.Duration
	// AntiEntropyInterval paces the slow pull-based data reconciliation.
	// Spec.md marks this optional; zero disables the slow loop entirely,
	// leaving only vector-clock sync running.
	AntiEntropyInterval time.Duration
	// BatchSize bounds entries per DataResponse batch. Default 50.
	BatchSize int
	// BatchPause is the delay inserted between batches. Default 50ms.
	BatchPause time.Duration

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

const (
	defaultClockSyncInterval = 2 * time.Second
	defaultBatchSize         = 50
	defaultBatchPause        = 50 * time.Millisecond
)

func (c *Config) setDefaults() {
	if c.ClockSyncInterval <= 0 {
		c.ClockSyncInterval = defaultClockSyncInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = defaultBatchPause
	}
}
