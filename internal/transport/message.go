// Package transport implements the wire-agnostic messaging adapter the
// replication engine sends puts and anti-entropy traffic through (spec
// §6.1): an in-process MemoryTransport for tests and the local demo, and a
// TCPTransport for a real mesh.
package transport

import (
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/value"
	"github.com/knirvcorp/meshgraph/internal/vclock"
)

// Kind discriminates the six message types the mesh exchanges.
type Kind string

const (
	KindIdentify                Kind = "identify"
	KindPut                     Kind = "put"
	KindVectorClockSync         Kind = "vector-clock-sync"
	KindVectorClockSyncResponse Kind = "vector-clock-sync-response"
	KindAntiEntropyRequest      Kind = "anti-entropy-request"
	KindAntiEntropyResponse     Kind = "anti-entropy-response"
)

// Change is one entry of an anti-entropy DataResponse batch.
type Change struct {
	Path      model.Path         `json:"path"`
	Value     value.Value        `json:"value"`
	Timestamp int64              `json:"timestamp"`
	Origin    model.NodeID       `json:"origin"`
	Clock     vclock.VectorClock `json:"clock"`
}

// Message is the single envelope every message kind is carried in. Fields
// unused by a given Kind are left zero.
type Message struct {
	Type Kind `json:"type"`

	// identify
	NodeID model.NodeID `json:"node_id,omitempty"`
	URL    string       `json:"url,omitempty"`

	// put
	Path           model.Path         `json:"path,omitempty"`
	Value          value.Value        `json:"value,omitempty"`
	Timestamp      int64              `json:"timestamp,omitempty"`
	Origin         model.NodeID       `json:"origin,omitempty"`
	MsgID          model.MessageID    `json:"msg_id,omitempty"`
	Clock          vclock.VectorClock `json:"clock,omitempty"`
	VisitedServers []model.NodeID     `json:"visited_servers,omitempty"`
	Forwarded      bool               `json:"forwarded,omitempty"`
	AntiEntropy    bool               `json:"anti_entropy,omitempty"`

	// vector-clock-sync / vector-clock-sync-response
	SyncID        string `json:"sync_id,omitempty"`
	InResponseTo  string `json:"in_response_to,omitempty"`

	// anti-entropy-request / anti-entropy-response
	RequestID    string   `json:"request_id,omitempty"`
	ResponseID   string   `json:"response_id,omitempty"`
	BatchIndex   int      `json:"batch_index,omitempty"`
	TotalBatches int      `json:"total_batches,omitempty"`
	Changes      []Change `json:"changes,omitempty"`
}

// Handler processes one inbound message from peer. Transport
// implementations MUST serialize calls into a single engine's ingress
// path per spec §5's shared-resource policy; they may still invoke
// Handler concurrently for messages from *different* peers.
type Handler func(peer model.NodeID, msg Message)

// Transport is the adapter contract the engine and anti-entropy task send
// and receive messages through.
type Transport interface {
	// OnMessage registers the handler invoked for every inbound message,
	// of any Kind, from any peer.
	OnMessage(h Handler)
	// Broadcast sends msg to every currently connected peer.
	Broadcast(msg Message) error
	// Send delivers msg to a single named peer. Returns an error if the
	// peer is not currently connected.
	Send(peer model.NodeID, msg Message) error
	// Peers lists the node ids currently connected.
	Peers() []model.NodeID
	// Close disconnects every peer and releases adapter resources.
	Close() error
}
