package engine

import (
	"context"
	"time"

	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/monitoring"
	"github.com/knirvcorp/meshgraph/internal/resolver"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/transport"
)

// Config collects the engine-side options. Peer addresses, anti-entropy
// intervals and batching live in antientropy.Config (and pkg/meshgraph's
// Config). Zero values resolve to the stated defaults in New.
type Config struct {
	// NodeIDOverride pins self_id instead of generating a random one.
	NodeIDOverride model.NodeID

	Store     storestate.Store
	Transport transport.Transport

	DefaultStrategy resolver.Strategy
	PathStrategies  map[string]resolver.Strategy
	CustomResolvers map[string]resolver.CustomFunc

	// MaxMessageAge bounds how long a msg_id is retained in the
	// de-duplication set. Default 300s.
	MaxMessageAge time.Duration
	// MaxVersions bounds the per-path version history retained for
	// diagnostics. Default 10.
	MaxVersions int

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	// Tracing enables per-put/per-ingress spans when non-nil.
	Tracing Tracer
}

// Tracer is the subset of internal/tracing's surface the engine needs,
// narrowed to an interface so tests can run without a live exporter.
// tracing.StartSpan satisfies this when wrapped: see pkg/meshgraph.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, func())
}

const (
	defaultMaxMessageAge = 300 * time.Second
	defaultMaxVersions   = 10
)

func (c *Config) setDefaults() {
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = defaultMaxMessageAge
	}
	if c.MaxVersions <= 0 {
		c.MaxVersions = defaultMaxVersions
	}
}
