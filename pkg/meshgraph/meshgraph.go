// Package meshgraph is the public entry point to the mesh: construct a
// Node, point it at peers, and Put/Get/Delete/Subscribe against it. It
// wires internal/engine, internal/antientropy, internal/storestate and
// internal/transport the way pkg/knirvbase wires the teacher's
// DistributedDatabase, trading that package's collection/network-manager
// split for a single always-on replica.
package meshgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/knirvcorp/meshgraph/internal/antientropy"
	"github.com/knirvcorp/meshgraph/internal/engine"
	"github.com/knirvcorp/meshgraph/internal/ids"
	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/monitoring"
	"github.com/knirvcorp/meshgraph/internal/resolver"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/tracing"
	"github.com/knirvcorp/meshgraph/internal/transport"
	"github.com/knirvcorp/meshgraph/internal/value"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config collects every option a caller can set on a Node. Zero values
// resolve to the defaults spec.md §6.3 lists; see internal/engine.Config
// and internal/antientropy.Config for the exact numbers.
type Config struct {
	// NodeIDOverride pins this replica's id instead of generating one.
	NodeIDOverride string

	// ListenAddr is the TCP address this replica accepts connections on,
	// e.g. "127.0.0.1:0" for an ephemeral port. Required.
	ListenAddr string
	// Peers is dialed once at startup; a failed dial is logged and does
	// not fail New, since anti-entropy-less-peering heals via later
	// manual Connect calls or operator retry.
	Peers []string

	// DataDir, if set, persists through storestate.FileStore instead of
	// an in-memory store. Empty means MemoryStore.
	DataDir string
	// Passphrase, if set alongside DataDir, wraps the file store in
	// storestate.EncryptedFileStore.
	Passphrase string

	DefaultStrategy resolver.Strategy
	PathStrategies  map[string]resolver.Strategy
	CustomResolvers map[string]resolver.CustomFunc

	MaxMessageAge time.Duration
	MaxVersions   int

	ClockSyncInterval   time.Duration
	AntiEntropyInterval time.Duration
	BatchSize           int
	BatchPause          time.Duration

	// LogLevel/LogFormat configure the shared zap logger. Defaults
	// "info"/"json".
	LogLevel  string
	LogFormat string

	// TracingEndpoint, if set, starts a Jaeger exporter under
	// TracingServiceName (default "meshgraph").
	TracingEndpoint    string
	TracingServiceName string
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.TracingServiceName == "" {
		c.TracingServiceName = "meshgraph"
	}
}

// Node is one running mesh replica: a store, a transport, a replication
// engine and its anti-entropy task, bundled behind the operations a
// caller needs.
type Node struct {
	id        model.NodeID
	engine    *engine.Engine
	task      *antientropy.Task
	transport transport.Transport
	store     storestate.Store
	tp        *sdktrace.TracerProvider
	cancel    context.CancelFunc
}

// Subscriber is notified after a commit at a matching path; see
// internal/engine's Subscriber for the matching rule.
type Subscriber func(subscribedPath, changedPath string, val interface{})

// Unsubscribe removes a previously registered subscription.
type Unsubscribe func()

// New constructs and starts a Node: opens the store, binds the listener,
// dials any configured peers, and starts the anti-entropy task. The
// returned Node is immediately usable for Put/Get/Delete/Subscribe.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if ctx == nil {
		return nil, fmt.Errorf("meshgraph: context cannot be nil")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("meshgraph: ListenAddr cannot be empty")
	}
	cfg.setDefaults()

	nodeID := model.NodeID(cfg.NodeIDOverride)
	if nodeID == "" {
		nodeID = ids.NewNodeID()
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("meshgraph: new logger: %w", err)
	}
	metrics := monitoring.NewMetrics()

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewTCPTransport(nodeID, cfg.ListenAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("meshgraph: new transport: %w", err)
	}

	var tp *sdktrace.TracerProvider
	var tracer engine.Tracer
	if cfg.TracingEndpoint != "" {
		tp, err = tracing.InitTracer(cfg.TracingServiceName, cfg.TracingEndpoint)
		if err != nil {
			return nil, fmt.Errorf("meshgraph: init tracer: %w", err)
		}
		tracer = spanTracer{}
	}

	eng, err := engine.New(engine.Config{
		NodeIDOverride:  nodeID,
		Store:           store,
		Transport:       tr,
		DefaultStrategy: cfg.DefaultStrategy,
		PathStrategies:  cfg.PathStrategies,
		CustomResolvers: cfg.CustomResolvers,
		MaxMessageAge:   cfg.MaxMessageAge,
		MaxVersions:     cfg.MaxVersions,
		Logger:          logger,
		Metrics:         metrics,
		Tracing:         tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("meshgraph: new engine: %w", err)
	}

	task := antientropy.New(antientropy.Config{
		Engine:              eng,
		Store:               store,
		Transport:           tr,
		ClockSyncInterval:   cfg.ClockSyncInterval,
		AntiEntropyInterval: cfg.AntiEntropyInterval,
		BatchSize:           cfg.BatchSize,
		BatchPause:          cfg.BatchPause,
		Logger:              logger,
		Metrics:             metrics,
	})

	runCtx, cancel := context.WithCancel(ctx)
	task.Start(runCtx)

	for _, peer := range cfg.Peers {
		if err := tr.Connect(peer); err != nil {
			logger.WithError(err).Warn(fmt.Sprintf("meshgraph: failed to dial peer %s", peer))
		}
	}

	return &Node{
		id:        nodeID,
		engine:    eng,
		task:      task,
		transport: tr,
		store:     store,
		tp:        tp,
		cancel:    cancel,
	}, nil
}

func buildStore(cfg Config) (storestate.Store, error) {
	if cfg.DataDir == "" {
		return storestate.NewMemoryStore(), nil
	}
	fileStore, err := storestate.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("meshgraph: new file store: %w", err)
	}
	if cfg.Passphrase == "" {
		return fileStore, nil
	}
	return storestate.NewEncryptedFileStore(fileStore, cfg.Passphrase), nil
}

// ID returns this replica's node id.
func (n *Node) ID() string { return string(n.id) }

// Addr returns the TCP address this replica is listening on.
func (n *Node) Addr() string {
	if tcp, ok := n.transport.(*transport.TCPTransport); ok {
		return tcp.Addr().String()
	}
	return ""
}

// Connect dials an additional peer after startup.
func (n *Node) Connect(addr string) error {
	tcp, ok := n.transport.(*transport.TCPTransport)
	if !ok {
		return fmt.Errorf("meshgraph: underlying transport does not support dialing")
	}
	return tcp.Connect(addr)
}

// Put writes val at path and replicates it to every connected peer.
func (n *Node) Put(ctx context.Context, path string, val interface{}) error {
	return n.engine.Put(ctx, path, val)
}

// Get reads the current value at path, or nil if absent or deleted.
func (n *Node) Get(ctx context.Context, path string) (interface{}, error) {
	return n.engine.Get(ctx, path)
}

// Delete commits a tombstone at path.
func (n *Node) Delete(ctx context.Context, path string) error {
	return n.engine.Delete(ctx, path)
}

// Subscribe registers fn for every commit at path or one of its
// ancestors/descendants.
func (n *Node) Subscribe(path string, fn Subscriber) (Unsubscribe, error) {
	u, err := n.engine.Subscribe(path, func(subscribedPath, changedPath model.Path, v value.Value) {
		fn(subscribedPath.String(), changedPath.String(), v.ToInterface())
	})
	if err != nil {
		return nil, err
	}
	return Unsubscribe(u), nil
}

// Shutdown drains the engine, stops anti-entropy, and closes the store
// and transport. Safe to call once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.engine.PrepareShutdown()
	n.task.Stop()
	n.cancel()
	if n.tp != nil {
		if err := n.tp.Shutdown(ctx); err != nil && err != context.Canceled {
			return fmt.Errorf("meshgraph: shutdown tracer: %w", err)
		}
	}
	return n.engine.Close()
}

// spanTracer adapts internal/tracing's package-level StartSpan to
// engine.Tracer.
type spanTracer struct{}

func (spanTracer) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	spanCtx, span := tracing.StartSpan(ctx, name)
	return spanCtx, func() { span.End() }
}
