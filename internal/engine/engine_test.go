package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/resolver"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/transport"
	"github.com/knirvcorp/meshgraph/internal/value"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, hub *transport.MemoryHub, nodeID model.NodeID, strategy resolver.Strategy) *Engine {
	t.Helper()
	tr := transport.NewMemoryTransport(hub, nodeID)
	e, err := New(Config{
		NodeIDOverride:  nodeID,
		Store:           storestate.NewMemoryStore(),
		Transport:       tr,
		DefaultStrategy: strategy,
	})
	require.NoError(t, err, "new engine %s", nodeID)
	return e
}

func connectAll(t *testing.T, transports map[model.NodeID]transport.Transport) {
	t.Helper()
	ids := make([]model.NodeID, 0, len(transports))
	for id := range transports {
		ids = append(ids, id)
	}
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			mt := transports[a].(*transport.MemoryTransport)
			if err := mt.Connect(b); err != nil {
				t.Fatalf("connect %s->%s: %v", a, b, err)
			}
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

// TestPutPropagatesAcrossMesh exercises causal last-writer replication
// (seed scenario 1): a single write on node A reaches B and C untouched.
func TestPutPropagatesAcrossMesh(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)
	b := newTestEngine(t, hub, "b", resolver.VectorDominance)
	c := newTestEngine(t, hub, "c", resolver.VectorDominance)
	connectAll(t, map[model.NodeID]transport.Transport{"a": a.transport, "b": b.transport, "c": c.transport})

	if err := a.Put(context.Background(), "users/alice/name", "Alice"); err != nil {
		t.Fatalf("put: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		v, _ := b.Get(context.Background(), "users/alice/name")
		return v == "Alice"
	})
	waitFor(t, time.Second, func() bool {
		v, _ := c.Get(context.Background(), "users/alice/name")
		return v == "Alice"
	})
}

// TestOriginatorAppliesOwnWriteExactlyOnce exercises seed scenario 6 in a
// 3-peer clique: A broadcasts to B and C, both of whom forward the message
// back into the full mesh (including to A). The echo reaching A must be
// loop-suppressed, not re-committed — otherwise A's own clock would
// advance twice and its subscribers would fire twice for one Put.
func TestOriginatorAppliesOwnWriteExactlyOnce(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)
	b := newTestEngine(t, hub, "b", resolver.VectorDominance)
	c := newTestEngine(t, hub, "c", resolver.VectorDominance)
	connectAll(t, map[model.NodeID]transport.Transport{"a": a.transport, "b": b.transport, "c": c.transport})

	var notifications int32
	if _, err := a.Subscribe("doc", func(model.Path, model.Path, value.Value) {
		atomic.AddInt32(&notifications, 1)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := a.Put(context.Background(), "doc", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		bv, _ := b.Get(context.Background(), "doc")
		cv, _ := c.Get(context.Background(), "doc")
		return bv == "v1" && cv == "v1"
	})
	// Give any spurious echo time to arrive and be (mis)applied before asserting.
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&notifications); got != 1 {
		t.Errorf("expected exactly one subscriber notification on the originator, got %d", got)
	}
	if got := a.Clock()["a"]; got != 1 {
		t.Errorf("expected originator's own clock entry to advance exactly once, got %d", got)
	}
}

// TestSequentialWritesConvergeOnLaterWrite: two connected nodes write the
// same path one after the other. MemoryTransport delivers synchronously, so
// node-a's write has reached node-b before node-b writes, and node-b's
// write dominates it; both replicas converge on node-b's value. The
// concurrent tiebreak (seed scenario 2) is covered by
// TestSeedScenario2ConcurrentDeterministicTiebreak in harness_test.go.
func TestSequentialWritesConvergeOnLaterWrite(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "node-a", resolver.VectorDominance)
	b := newTestEngine(t, hub, "node-b", resolver.VectorDominance)
	connectAll(t, map[model.NodeID]transport.Transport{"node-a": a.transport, "node-b": b.transport})

	if err := a.Put(context.Background(), "x", "from-a"); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := b.Put(context.Background(), "x", "from-b"); err != nil {
		t.Fatalf("put b: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		av, _ := a.Get(context.Background(), "x")
		bv, _ := b.Get(context.Background(), "x")
		return av != nil && av == bv
	})

	av, _ := a.Get(context.Background(), "x")
	if av != "from-b" {
		t.Errorf("expected node-b's later, dominating write to win, got %v", av)
	}
}

// TestMergeFieldsUnionsObjectFields exercises merge-fields: writes to
// disjoint fields of the same object both survive. Over the synchronous
// MemoryTransport b's write already dominates a's second write; merge-fields
// still takes the union of both objects' keys.
func TestMergeFieldsUnionsObjectFields(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.MergeFields)
	b := newTestEngine(t, hub, "b", resolver.MergeFields)
	connectAll(t, map[model.NodeID]transport.Transport{"a": a.transport, "b": b.transport})

	if err := a.Put(context.Background(), "users/alice", map[string]interface{}{"name": "Alice"}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		v, _ := b.Get(context.Background(), "users/alice")
		return v != nil
	})

	if err := a.Put(context.Background(), "users/alice", map[string]interface{}{"name": "Alice", "age": float64(30)}); err != nil {
		t.Fatalf("put a2: %v", err)
	}
	if err := b.Put(context.Background(), "users/alice", map[string]interface{}{"name": "Alice", "city": "Berlin"}); err != nil {
		t.Fatalf("put b2: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		av, _ := a.Get(context.Background(), "users/alice")
		m, ok := av.(map[string]interface{})
		return ok && m["city"] == "Berlin" && m["age"] == float64(30)
	})
}

// TestDeleteTombstonePropagates: a delete committed on one node reaches its
// peer as a tombstone, so Get returns nil there too. The tombstone-versus-
// concurrent-update case (seed scenario 4) is covered by
// TestSeedScenario4TombstoneVsConcurrentUpdate in harness_test.go.
func TestDeleteTombstonePropagates(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)
	b := newTestEngine(t, hub, "b", resolver.VectorDominance)
	connectAll(t, map[model.NodeID]transport.Transport{"a": a.transport, "b": b.transport})

	if err := a.Put(context.Background(), "doc", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		v, _ := b.Get(context.Background(), "doc")
		return v == "v1"
	})

	if err := a.Delete(context.Background(), "doc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		v, _ := b.Get(context.Background(), "doc")
		return v == nil
	})
}

// TestDuplicateMessageIsNotReapplied exercises de-duplication (seed
// scenario 6): delivering the identical message twice to the same node
// records its msg_id in the processed set only once.
func TestDuplicateMessageIsNotReapplied(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)

	msg := transport.Message{
		Type:      transport.KindPut,
		Path:      model.Path{"doc"},
		Origin:    "remote",
		MsgID:     "deadbeefdeadbeefdeadbeefdeadbeef",
		Timestamp: 1,
	}
	a.HandleIncoming(msg)
	a.HandleIncoming(msg)

	a.mu.Lock()
	count := len(a.processed)
	a.mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly one processed entry after duplicate delivery, got %d", count)
	}
}

// TestLoopSuppressionDropsSelfVisited verifies step 3 of the ingress
// algorithm: a message that already lists this node in visited_servers is
// dropped outright, never committed.
func TestLoopSuppressionDropsSelfVisited(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)

	msg := transport.Message{
		Type:           transport.KindPut,
		Path:           model.Path{"doc"},
		Origin:         "remote",
		MsgID:          "cafebabecafebabecafebabecafebabe",
		Timestamp:      1,
		VisitedServers: []model.NodeID{"a"},
	}
	a.HandleIncoming(msg)

	v, err := a.Get(context.Background(), "doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != nil {
		t.Errorf("expected loop-suppressed message to never be committed, got %v", v)
	}
}

// TestPrepareShutdownStopsMutations verifies the Draining state silently
// rejects new puts and subscriptions without erroring.
func TestPrepareShutdownStopsMutations(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)

	a.PrepareShutdown()

	if err := a.Put(context.Background(), "doc", "v1"); err != nil {
		t.Fatalf("put during draining should not error: %v", err)
	}
	v, _ := a.Get(context.Background(), "doc")
	if v != nil {
		t.Errorf("expected put during draining to be a no-op, got %v", v)
	}

	if _, err := a.Subscribe("doc", func(model.Path, model.Path, value.Value) {}); err == nil {
		t.Error("expected subscribe during draining to fail")
	}
}

// TestCloseClosesStoreAndTransport verifies the Draining -> Closed
// transition releases underlying resources.
func TestCloseClosesStoreAndTransport(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)
	a.PrepareShutdown()
	require.NoError(t, a.Close())
	require.Equal(t, Closed, a.State())
}

// TestSubscriberNotifiedOnAncestorPath verifies ancestor-relation matching
// for subscriptions registered above the changed path.
func TestSubscriberNotifiedOnAncestorPath(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestEngine(t, hub, "a", resolver.VectorDominance)

	notified := make(chan string, 1)
	if _, err := a.Subscribe("users", func(_, changed model.Path, v value.Value) {
		notified <- changed.String()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := a.Put(context.Background(), "users/alice/name", "Alice"); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case got := <-notified:
		if got != "users/alice/name" {
			t.Errorf("expected notification for users/alice/name, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was never notified")
	}
}
