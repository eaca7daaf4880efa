// Command meshgraph-demo boots a small in-process mesh of replicas over
// MemoryTransport, performs writes from two of them, and shows
// the mesh converging on a single value along with a subscription
// callback firing on commit.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/knirvcorp/meshgraph/internal/antientropy"
	"github.com/knirvcorp/meshgraph/internal/engine"
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/resolver"
	"github.com/knirvcorp/meshgraph/internal/storestate"
	"github.com/knirvcorp/meshgraph/internal/transport"
	"github.com/knirvcorp/meshgraph/internal/value"
)

type replica struct {
	id        model.NodeID
	engine    *engine.Engine
	task      *antientropy.Task
	transport *transport.MemoryTransport
}

func newReplica(hub *transport.MemoryHub, id model.NodeID) *replica {
	tr := transport.NewMemoryTransport(hub, id)
	store := storestate.NewMemoryStore()

	eng, err := engine.New(engine.Config{
		NodeIDOverride:  id,
		Store:           store,
		Transport:       tr,
		DefaultStrategy: resolver.VectorDominance,
		PathStrategies: map[string]resolver.Strategy{
			"users": resolver.MergeFields,
		},
	})
	if err != nil {
		log.Fatalf("replica %s: new engine: %v", id, err)
	}

	task := antientropy.New(antientropy.Config{
		Engine:              eng,
		Store:               store,
		Transport:           tr,
		ClockSyncInterval:   200 * time.Millisecond,
		AntiEntropyInterval: 500 * time.Millisecond,
	})

	return &replica{id: id, engine: eng, task: task, transport: tr}
}

func main() {
	fmt.Println("meshgraph local mesh demo")

	hub := transport.NewMemoryHub()
	alice := newReplica(hub, "alice")
	bob := newReplica(hub, "bob")
	carol := newReplica(hub, "carol")

	connect(alice, bob)
	connect(bob, carol)
	connect(alice, carol)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.task.Start(ctx)
	bob.task.Start(ctx)
	carol.task.Start(ctx)
	defer alice.task.Stop()
	defer bob.task.Stop()
	defer carol.task.Stop()

	unsub, err := carol.engine.Subscribe("users/alice", func(subscribed, changed model.Path, v value.Value) {
		fmt.Printf("carol observed a commit under %q at %q: %v\n", subscribed.String(), changed.String(), v.ToInterface())
	})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	fmt.Println("alice and bob write disjoint fields of users/alice...")
	if err := alice.engine.Put(ctx, "users/alice", map[string]interface{}{"name": "Alice"}); err != nil {
		log.Fatalf("alice put: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := alice.engine.Put(ctx, "users/alice", map[string]interface{}{"name": "Alice", "age": float64(30)}); err != nil {
		log.Fatalf("alice put: %v", err)
	}
	if err := bob.engine.Put(ctx, "users/alice", map[string]interface{}{"name": "Alice", "city": "Berlin"}); err != nil {
		log.Fatalf("bob put: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	for _, r := range []*replica{alice, bob, carol} {
		v, err := r.engine.Get(ctx, "users/alice")
		if err != nil {
			log.Fatalf("%s get: %v", r.id, err)
		}
		fmt.Printf("%s sees users/alice = %v\n", r.id, v)
	}

	fmt.Println("bob writes while everyone is still connected; anti-entropy keeps the mesh quiescent-consistent...")
	if err := bob.engine.Put(ctx, "users/carol-note", "hello from bob"); err != nil {
		log.Fatalf("bob put: %v", err)
	}

	time.Sleep(1200 * time.Millisecond)
	v, err := carol.engine.Get(ctx, "users/carol-note")
	if err != nil {
		log.Fatalf("carol get: %v", err)
	}
	fmt.Printf("carol converged on users/carol-note = %v\n", v)

	fmt.Println("shutting down")
	for _, r := range []*replica{alice, bob, carol} {
		r.engine.PrepareShutdown()
		if err := r.engine.Close(); err != nil {
			log.Printf("%s close: %v", r.id, err)
		}
	}
}

func connect(a, b *replica) {
	if err := a.transport.Connect(b.id); err != nil {
		log.Fatalf("connect %s->%s: %v", a.id, b.id, err)
	}
}
