// Package ids generates the two identifier types the replication engine
// hands out: NodeId, assigned once per replica at startup, and MessageId,
// assigned once per put as it enters the mesh.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/knirvcorp/meshgraph/internal/model"
)

// NewNodeID returns a fresh, random NodeId. Callers that need a stable
// identity across restarts should persist it and pass it through
// Config.NodeIDOverride instead of calling this on every boot.
func NewNodeID() model.NodeID {
	return model.NodeID(uuid.NewString())
}

// NewMessageID returns a fresh MessageId: 16 random bytes, hex-encoded, per
// the wire format every put is tagged with as it enters the mesh.
func NewMessageID() (model.MessageID, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ids: generate message id: %w", err)
	}
	return model.MessageID(hex.EncodeToString(buf)), nil
}
