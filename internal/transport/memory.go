package transport

import (
	"fmt"
	"sync"

	"github.com/knirvcorp/meshgraph/internal/model"
)

// MemoryHub is the shared registry a set of MemoryTransports dial into, so
// tests and the local demo can run a multi-node mesh inside one process
// without sockets.
type MemoryHub struct {
	mu    sync.Mutex
	nodes map[model.NodeID]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[model.NodeID]*MemoryTransport)}
}

// MemoryTransport is an in-process Transport bound to a MemoryHub. Two
// MemoryTransports registered on the same hub and Connect()-ed to each
// other deliver messages synchronously via direct Go calls.
type MemoryTransport struct {
	hub    *MemoryHub
	nodeID model.NodeID

	mu      sync.RWMutex
	peers   map[model.NodeID]*MemoryTransport
	handler Handler
}

// NewMemoryTransport registers a transport for nodeID on hub.
func NewMemoryTransport(hub *MemoryHub, nodeID model.NodeID) *MemoryTransport {
	t := &MemoryTransport{hub: hub, nodeID: nodeID, peers: make(map[model.NodeID]*MemoryTransport)}
	hub.mu.Lock()
	hub.nodes[nodeID] = t
	hub.mu.Unlock()
	return t
}

// Connect wires this transport and the peer's transport together
// bidirectionally, as if they had exchanged an identify handshake.
func (t *MemoryTransport) Connect(peerID model.NodeID) error {
	t.hub.mu.Lock()
	peer, ok := t.hub.nodes[peerID]
	t.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no such node registered on hub: %s", peerID)
	}

	t.mu.Lock()
	t.peers[peerID] = peer
	t.mu.Unlock()

	peer.mu.Lock()
	peer.peers[t.nodeID] = t
	peer.mu.Unlock()

	return nil
}

func (t *MemoryTransport) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) Broadcast(msg Message) error {
	t.mu.RLock()
	peers := make([]*MemoryTransport, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		p.deliver(t.nodeID, msg)
	}
	return nil
}

func (t *MemoryTransport) Send(peerID model.NodeID, msg Message) error {
	t.mu.RLock()
	peer, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: peer not connected: %s", peerID)
	}
	peer.deliver(t.nodeID, msg)
	return nil
}

func (t *MemoryTransport) Peers() []model.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.NodeID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		p.mu.Lock()
		delete(p.peers, t.nodeID)
		p.mu.Unlock()
		delete(t.peers, id)
	}
	t.handler = nil
	return nil
}

func (t *MemoryTransport) deliver(from model.NodeID, msg Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h(from, msg)
	}
}
