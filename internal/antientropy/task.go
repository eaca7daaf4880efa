// Package antientropy implements the background reconciliation task that
// recovers from partitions and lost messages (spec.md §4.4): a fast
// vector-clock sync that keeps known_ids and causal summaries converged,
// and a slower pull-based data reconciliation that streams a peer's store
// back in paced batches.
package antientropy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knirvcorp/meshgraph/internal/engine"
	"github.com/knirvcorp/meshgraph/internal/ids"
	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/monitoring"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/transport"
)

// Task runs the clock-sync and data-reconciliation loops for one engine.
// Start registers it as the engine's control-message handler, so exactly
// one Task may be attached to a given engine at a time.
type Task struct {
	engine    *engine.Engine
	store     storestate.Store
	transport transport.Transport
	cfg       Config
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Task. Call Start to begin running it.
func New(cfg Config) *Task {
	cfg.setDefaults()
	return &Task{
		engine:    cfg.Engine,
		store:     cfg.Store,
		transport: cfg.Transport,
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Start wires the task into the engine's transport handler and launches
// the clock-sync loop, plus the data-reconciliation loop when
// Config.AntiEntropyInterval is positive.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.engine.SetControlHandler(t.handleControl)

	t.wg.Add(1)
	go t.clockSyncLoop(runCtx)

	if t.cfg.AntiEntropyInterval > 0 {
		t.wg.Add(1)
		go t.dataReconLoop(runCtx)
	}
}

// Stop cancels both loops and waits for them to exit.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *Task) clockSyncLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.ClockSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.broadcastClockSync()
		}
	}
}

func (t *Task) broadcastClockSync() {
	syncID, err := ids.NewMessageID()
	if err != nil {
		t.warn(err, "anti-entropy: generate sync id")
		return
	}
	msg := transport.Message{
		Type:      transport.KindVectorClockSync,
		NodeID:    t.engine.ID(),
		Clock:     t.engine.Clock(),
		SyncID:    string(syncID),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := t.transport.Broadcast(msg); err != nil {
		t.warn(err, "anti-entropy: clock sync broadcast failed")
	}
}

func (t *Task) dataReconLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.AntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runReconciliationCycle()
		}
	}
}

func (t *Task) runReconciliationCycle() {
	peers := t.transport.Peers()
	for _, peer := range peers {
		requestID, err := ids.NewMessageID()
		if err != nil {
			t.warn(err, "anti-entropy: generate request id")
			continue
		}
		msg := transport.Message{
			Type:      transport.KindAntiEntropyRequest,
			NodeID:    t.engine.ID(),
			RequestID: string(requestID),
			Clock:     t.engine.Clock(),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := t.transport.Send(peer, msg); err != nil {
			t.warn(err, fmt.Sprintf("anti-entropy: request to %s failed", peer))
		}
	}
	if t.metrics != nil {
		t.metrics.AntiEntropyCycles.Inc()
	}
}

// handleControl is installed as the engine's control-message handler: it
// receives every inbound message the engine itself does not own (every
// Kind except put).
func (t *Task) handleControl(peer model.NodeID, msg transport.Message) {
	switch msg.Type {
	case transport.KindVectorClockSync:
		t.handleClockSync(peer, msg)
	case transport.KindVectorClockSyncResponse:
		t.handleClockSyncResponse(msg)
	case transport.KindAntiEntropyRequest:
		t.handleDataRequest(peer, msg)
	case transport.KindAntiEntropyResponse:
		t.handleDataResponse(msg)
	case transport.KindIdentify:
		t.engine.AddKnownPeer(msg.NodeID)
	}
}

func (t *Task) handleClockSync(peer model.NodeID, msg transport.Message) {
	t.engine.AddKnownPeer(msg.NodeID)
	t.engine.MergeClock(msg.Clock)

	resp := transport.Message{
		Type:         transport.KindVectorClockSyncResponse,
		NodeID:       t.engine.ID(),
		Clock:        t.engine.Clock(),
		InResponseTo: msg.SyncID,
		Timestamp:    time.Now().UnixMilli(),
	}
	if err := t.transport.Send(peer, resp); err != nil {
		t.warn(err, "anti-entropy: clock sync response failed")
	}
}

func (t *Task) handleClockSyncResponse(msg transport.Message) {
	t.engine.AddKnownPeer(msg.NodeID)
	t.engine.MergeClock(msg.Clock)
	if t.metrics != nil {
		t.metrics.ClockSyncRoundtrips.Inc()
	}
}

// handleDataRequest streams this replica's entire store back to the
// requester in paced batches. Entries are not filtered by the requester's
// clock: clock sync merges peers' clocks without transferring data, so a
// requester's clock can cover entries it has never received.
func (t *Task) handleDataRequest(peer model.NodeID, msg transport.Message) {
	entries, err := t.store.Scan(context.Background(), nil)
	if err != nil {
		t.warn(err, "anti-entropy: scan failed")
		return
	}

	changes := make([]transport.Change, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, transport.Change{
			Path:      e.Path,
			Value:     e.Value.Value,
			Timestamp: e.Value.Timestamp,
			Origin:    e.Value.Origin,
			Clock:     e.Value.Clock,
		})
	}

	responseID, err := ids.NewMessageID()
	if err != nil {
		t.warn(err, "anti-entropy: generate response id")
		return
	}

	batches := batchChanges(changes, t.cfg.BatchSize)
	total := len(batches)
	if total == 0 {
		total = 1
		batches = [][]transport.Change{nil}
	}

	for i, batch := range batches {
		if t.engine.State() != engine.Running {
			return
		}
		resp := transport.Message{
			Type:         transport.KindAntiEntropyResponse,
			NodeID:       t.engine.ID(),
			ResponseID:   string(responseID),
			Clock:        t.engine.Clock(),
			BatchIndex:   i,
			TotalBatches: total,
			Changes:      batch,
		}
		if err := t.transport.Send(peer, resp); err != nil {
			t.warn(err, "anti-entropy: batch send failed")
			return
		}
		if t.metrics != nil {
			t.metrics.AntiEntropyBatchesSent.Inc()
		}
		if i < len(batches)-1 {
			time.Sleep(t.cfg.BatchPause)
		}
	}
}

func batchChanges(changes []transport.Change, size int) [][]transport.Change {
	if len(changes) == 0 {
		return nil
	}
	var batches [][]transport.Change
	for start := 0; start < len(changes); start += size {
		end := start + size
		if end > len(changes) {
			end = len(changes)
		}
		batches = append(batches, changes[start:end])
	}
	return batches
}

// handleDataResponse re-ingests each change through the engine's normal
// ingress path with anti_entropy set, so it resolves against the local
// store but is never re-broadcast.
func (t *Task) handleDataResponse(msg transport.Message) {
	for _, change := range msg.Changes {
		msgID, err := ids.NewMessageID()
		if err != nil {
			t.warn(err, "anti-entropy: generate message id")
			continue
		}
		t.engine.HandleIncoming(transport.Message{
			Type:        transport.KindPut,
			Path:        change.Path,
			Value:       change.Value,
			Timestamp:   change.Timestamp,
			Origin:      change.Origin,
			MsgID:       msgID,
			Clock:       change.Clock,
			Forwarded:   true,
			AntiEntropy: true,
		})
	}
	if t.metrics != nil {
		t.metrics.AntiEntropyBatchesApplied.Inc()
	}
}

func (t *Task) warn(err error, msg string) {
	if t.logger != nil {
		t.logger.WithError(err).Warn(msg)
	}
}
