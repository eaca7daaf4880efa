// Package engine implements the ReplicationEngine: the orchestrator that
// ingests local and remote writes, consults the conflict resolver, updates
// the store and the node's own vector clock, forwards puts with loop
// suppression, and notifies subscribers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knirvcorp/meshgraph/internal/ids"
	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/monitoring"
	"github.com/knirvcorp/meshgraph/internal/resolver"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/transport"
	"github.com/knirvcorp/meshgraph/internal/value"
	"github.com/knirvcorp/meshgraph/internal/vclock"
)

// Engine is a single replica's replication and conflict-resolution
// orchestrator. All exported methods are safe for concurrent use.
type Engine struct {
	selfID model.NodeID

	store     storestate.Store
	transport transport.Transport
	resolver  *resolver.Resolver
	subs      *subscriptionRegistry

	maxMessageAge time.Duration
	maxVersions   int

	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  Tracer

	// commitMu serializes the read-resolve-write sequence of commit end
	// to end, so two concurrent writes to the same path can never race
	// a stale existing-value read against each other's store.Put.
	commitMu sync.Mutex

	mu             sync.Mutex
	state          State
	clock          vclock.VectorClock
	knownIDs       map[model.NodeID]struct{}
	processed      map[model.MessageID]time.Time
	versionHistory map[string][]model.VersionedValue

	controlMu      sync.RWMutex
	controlHandler transport.Handler
}

// New constructs an Engine bound to cfg.Store and cfg.Transport, assigns
// self_id (cfg.NodeIDOverride or a fresh random id), and wires the
// transport's message handler. The returned engine is in the Running
// state: per spec, Starting -> Running happens once the store is open and
// the transport is attached, which by construction time it already is.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: Config.Store is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("engine: Config.Transport is required")
	}
	cfg.setDefaults()

	selfID := cfg.NodeIDOverride
	if selfID == "" {
		selfID = ids.NewNodeID()
	}

	res := resolver.New(resolver.Config{
		DefaultStrategy: cfg.DefaultStrategy,
		PathStrategies:  cfg.PathStrategies,
		CustomResolvers: cfg.CustomResolvers,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})

	e := &Engine{
		selfID:         selfID,
		store:          cfg.Store,
		transport:      cfg.Transport,
		resolver:       res,
		subs:           newSubscriptionRegistry(),
		maxMessageAge:  cfg.MaxMessageAge,
		maxVersions:    cfg.MaxVersions,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracing,
		state:          Running,
		clock:          vclock.VectorClock{string(selfID): 0},
		knownIDs:       map[model.NodeID]struct{}{selfID: {}},
		processed:      make(map[model.MessageID]time.Time),
		versionHistory: make(map[string][]model.VersionedValue),
	}

	cfg.Transport.OnMessage(e.dispatch)
	return e, nil
}

// ID returns this replica's node id.
func (e *Engine) ID() model.NodeID { return e.selfID }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Clock returns an independent snapshot of the engine's current causal
// summary.
func (e *Engine) Clock() vclock.VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return vclock.Clone(e.clock)
}

// SetControlHandler installs the handler invoked for every inbound message
// that is not a put (identify, vector-clock-sync, anti-entropy-*); the
// anti-entropy task wires itself in here so it shares the engine's single
// transport handler registration.
func (e *Engine) SetControlHandler(h transport.Handler) {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	e.controlHandler = h
}

func (e *Engine) dispatch(peer model.NodeID, msg transport.Message) {
	if msg.Type == transport.KindPut {
		e.HandleIncoming(msg)
		return
	}
	e.controlMu.RLock()
	h := e.controlHandler
	e.controlMu.RUnlock()
	if h != nil {
		h(peer, msg)
	}
}

// Put performs a local write at path: validates and stores value,
// advances the engine's causal clock for self, then broadcasts the
// result to every connected peer. During Draining or Closed it is a
// silent no-op, per the shutdown error-handling design.
func (e *Engine) Put(ctx context.Context, pathStr string, val interface{}) error {
	path, err := model.ParsePath(pathStr)
	if err != nil {
		return fmt.Errorf("engine: invalid path: %w", err)
	}
	v, err := value.FromInterface(val)
	if err != nil {
		return fmt.Errorf("engine: invalid value: %w", err)
	}
	return e.putValue(ctx, path, v)
}

// Delete is equivalent to Put(path, null): it commits a tombstone.
func (e *Engine) Delete(ctx context.Context, pathStr string) error {
	path, err := model.ParsePath(pathStr)
	if err != nil {
		return fmt.Errorf("engine: invalid path: %w", err)
	}
	return e.putValue(ctx, path, value.Null)
}

func (e *Engine) putValue(ctx context.Context, path model.Path, v value.Value) error {
	if e.tracer != nil {
		var end func()
		ctx, end = e.tracer.StartSpan(ctx, "engine.put")
		defer end()
	}

	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return nil
	}
	msgID, err := ids.NewMessageID()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: generate message id: %w", err)
	}
	incoming := model.VersionedValue{
		Value:     v,
		Origin:    e.selfID,
		Clock:     vclock.Clone(e.clock),
		Timestamp: time.Now().UnixMilli(),
	}
	e.mu.Unlock()

	start := time.Now()
	final, err := e.commit(ctx, path, incoming)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PutDuration.Observe(time.Since(start).Seconds())
		e.metrics.PutsCommitted.Inc()
	}

	// The outgoing broadcast is step 12 of the ingress algorithm applied to
	// a local write: visited_servers starts as the empty set ∪ {self_id},
	// not empty, so a forwarded echo of this same message that later loops
	// back to self is loop-suppressed rather than re-committed.
	e.propagate(transport.Message{
		Type:           transport.KindPut,
		Path:           path,
		Value:          final.Value,
		Timestamp:      final.Timestamp,
		Origin:         final.Origin,
		MsgID:          msgID,
		Clock:          final.Clock,
		VisitedServers: []model.NodeID{e.selfID},
		Forwarded:      false,
		AntiEntropy:    false,
	})
	return nil
}

// Get reads the current value at path. A missing path or a tombstone both
// read as nil, never exposing replication metadata.
func (e *Engine) Get(ctx context.Context, pathStr string) (interface{}, error) {
	path, err := model.ParsePath(pathStr)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid path: %w", err)
	}

	vv, ok, err := e.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("engine: store get: %w", err)
	}
	if !ok || vv.IsTombstone() {
		return nil, nil
	}
	return vv.Value.ToInterface(), nil
}

// Subscribe registers fn to be notified after every commit at a path equal
// to, an ancestor of, or a descendant of path. It returns a handle to
// remove the subscription. Subscriptions are rejected while Draining or
// Closed.
func (e *Engine) Subscribe(pathStr string, fn Subscriber) (Unsubscribe, error) {
	path, err := model.ParsePath(pathStr)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid path: %w", err)
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != Running {
		return nil, fmt.Errorf("engine: rejecting subscription, engine is %s", state)
	}

	return e.subs.subscribe(path, fn), nil
}

// HandleIncoming ingests a remote put message per the twelve-step ingress
// algorithm (spec §4.3.1).
func (e *Engine) HandleIncoming(msg transport.Message) {
	ctx := context.Background()
	if e.tracer != nil {
		var end func()
		ctx, end = e.tracer.StartSpan(ctx, "engine.handle_incoming")
		defer end()
	}

	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return
	}

	e.evictExpiredProcessed()
	if _, seen := e.processed[msg.MsgID]; seen {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.MessagesDeduplicated.Inc()
		}
		return
	}
	for _, v := range msg.VisitedServers {
		if v == e.selfID {
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.MessagesLoopSuppressed.Inc()
			}
			return
		}
	}

	e.processed[msg.MsgID] = time.Now()
	e.knownIDs[msg.Origin] = struct{}{}
	e.mu.Unlock()

	incoming := model.VersionedValue{
		Value:     msg.Value,
		Origin:    msg.Origin,
		Clock:     msg.Clock,
		Timestamp: msg.Timestamp,
	}

	final, err := e.commit(ctx, msg.Path, incoming)
	if err != nil {
		if e.logger != nil {
			e.logger.WithError(err).Warn("engine: failed to commit remote put")
		}
		if e.metrics != nil {
			e.metrics.MessagesDropped.WithLabelValues("commit_error").Inc()
		}
		return
	}

	if e.metrics != nil {
		e.metrics.RemotePutsIngested.Inc()
	}

	if msg.AntiEntropy {
		return
	}

	e.mu.Lock()
	draining := e.state != Running
	e.mu.Unlock()
	if draining {
		return
	}

	visited := append(append([]model.NodeID{}, msg.VisitedServers...), e.selfID)
	e.propagate(transport.Message{
		Type:           transport.KindPut,
		Path:           msg.Path,
		Value:          final.Value,
		Timestamp:      final.Timestamp,
		Origin:         final.Origin,
		MsgID:          msg.MsgID,
		Clock:          final.Clock,
		VisitedServers: visited,
		Forwarded:      true,
		AntiEntropy:    msg.AntiEntropy,
	})
	if e.metrics != nil {
		e.metrics.MessagesForwarded.Inc()
	}
}

// commit implements steps 7-11 shared by local writes and remote ingress:
// resolve against any existing version, merge the engine clock, persist,
// and notify subscribers. The whole read-resolve-write sequence runs under
// commitMu so two concurrent commits to the same path can never interleave
// a stale existing-value read against each other's store.Put.
func (e *Engine) commit(ctx context.Context, path model.Path, incoming model.VersionedValue) (model.VersionedValue, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	existing, hasExisting, err := e.store.Get(ctx, path)
	if err != nil {
		return model.VersionedValue{}, fmt.Errorf("engine: store get: %w", err)
	}

	var final model.VersionedValue
	if !hasExisting {
		final = incoming
	} else {
		final = e.resolver.Resolve(path, existing, incoming)
		e.recordHistory(path, existing)
	}

	e.mu.Lock()
	e.clock = vclock.Merge(e.clock, incoming.Clock)
	if incoming.Origin == e.selfID {
		e.clock = vclock.Increment(e.clock, string(e.selfID))
	}
	e.completeClockLocked()
	final.Clock = vclock.Clone(e.clock)
	if e.metrics != nil {
		e.metrics.EngineClockSize.Set(float64(len(e.clock)))
	}
	e.mu.Unlock()

	if err := e.store.Put(ctx, path, final); err != nil {
		return model.VersionedValue{}, fmt.Errorf("engine: store put: %w", err)
	}

	e.notify(path, final.Value)
	return final, nil
}

func (e *Engine) recordHistory(path model.Path, vv model.VersionedValue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := path.String()
	hist := append(e.versionHistory[key], vv.Clone())
	if len(hist) > e.maxVersions {
		hist = hist[len(hist)-e.maxVersions:]
	}
	e.versionHistory[key] = hist
	if e.metrics != nil {
		total := 0
		for _, h := range e.versionHistory {
			total += len(h)
		}
		e.metrics.VersionHistoryEntries.Set(float64(total))
	}
}

func (e *Engine) notify(path model.Path, v value.Value) {
	count := e.subs.notify(path, v, func(subscribedPath model.Path, recovered interface{}) {
		if e.logger != nil {
			e.logger.WithPath(subscribedPath.String()).Warn(fmt.Sprintf("engine: subscriber panicked: %v", recovered))
		}
		if e.metrics != nil {
			e.metrics.SubscriberErrors.Inc()
		}
	})
	if e.metrics != nil && count > 0 {
		e.metrics.SubscriberNotifications.Add(float64(count))
	}
}

func (e *Engine) propagate(msg transport.Message) {
	if err := e.transport.Broadcast(msg); err != nil && e.logger != nil {
		e.logger.WithError(err).Warn("engine: broadcast failed, relying on anti-entropy")
	}
}

// evictExpiredProcessed drops de-duplication entries older than
// maxMessageAge. Called with e.mu held.
func (e *Engine) evictExpiredProcessed() {
	cutoff := time.Now().Add(-e.maxMessageAge)
	for id, seenAt := range e.processed {
		if seenAt.Before(cutoff) {
			delete(e.processed, id)
		}
	}
}

// MergeClock merges remote into the engine's causal clock, per the
// vector-clock-sync exchange (spec §4.4): no store or subscriber
// involvement, just the clock itself.
func (e *Engine) MergeClock(remote vclock.VectorClock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = vclock.Merge(e.clock, remote)
	e.completeClockLocked()
	if e.metrics != nil {
		e.metrics.EngineClockSize.Set(float64(len(e.clock)))
	}
}

// AddKnownPeer records id as known to this replica, widening the clock
// with an explicit zero entry so later dominance comparisons see a
// complete map rather than an implicit zero.
func (e *Engine) AddKnownPeer(id model.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.knownIDs[id] = struct{}{}
	e.completeClockLocked()
}

// completeClockLocked fills in a zero entry for every known id missing
// from the clock. Called with e.mu held.
func (e *Engine) completeClockLocked() {
	for id := range e.knownIDs {
		if _, ok := e.clock[string(id)]; !ok {
			e.clock[string(id)] = 0
		}
	}
}

// PrepareShutdown moves Running -> Draining: halts acceptance of new
// subscriptions and incoming puts, without erroring in-flight callers.
func (e *Engine) PrepareShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		e.state = Draining
	}
}

// Close moves Draining -> Closed: flushes and closes the store and
// transport. Safe to call without a prior PrepareShutdown.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.state = Closed
	e.mu.Unlock()

	storeErr := e.store.Close()
	transportErr := e.transport.Close()
	if storeErr != nil {
		return fmt.Errorf("engine: close store: %w", storeErr)
	}
	if transportErr != nil {
		return fmt.Errorf("engine: close transport: %w", transportErr)
	}
	return nil
}
