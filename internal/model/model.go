package model

import (
	"github.com/knirvcorp/meshgraph/internal/value"
	"github.com/knirvcorp/meshgraph/internal/vclock"
)

// NodeID is an opaque identifier for a replica, stable for its lifetime.
type NodeID string

// MessageID uniquely tags one PUT in flight, for de-duplication.
type MessageID string

// VersionedValue is the stored unit at each path: a value bundled with its
// origin, causal clock and wall-clock timestamp. Timestamp is carried
// along with the value; conflict resolution never consults it, and version
// history is kept in commit order.
type VersionedValue struct {
	Value     value.Value
	Origin    NodeID
	Clock     vclock.VectorClock
	Timestamp int64
}

// IsTombstone reports whether this version represents a logical delete.
func (v VersionedValue) IsTombstone() bool { return v.Value.IsNull() }

// Clone returns an independent copy.
func (v VersionedValue) Clone() VersionedValue {
	return VersionedValue{
		Value:     v.Value.Clone(),
		Origin:    v.Origin,
		Clock:     vclock.Clone(v.Clock),
		Timestamp: v.Timestamp,
	}
}
