package corpc

import (
	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/topology"
)

// RequestID identifies one collective invocation across every rank it visits.
type RequestID string

// NewRequestID returns a fresh process-unique id.
func NewRequestID() RequestID { return RequestID(uuid.NewString()) }

// Request travels down the tree. Every hop forwards the same id, opcode and
// tree; only From changes.
type Request struct {
	ID      RequestID     `json:"id"`
	Group   string        `json:"group"`
	Opcode  string        `json:"opcode"`
	Kind    Kind          `json:"kind"`
	From    gossip.Rank   `json:"from"`
	Tree    topology.Spec `json:"tree"`
	Payload []byte        `json:"payload,omitempty"`
	// Cancel asks the receiver to abandon the operation with this id.
	Cancel bool `json:"cancel,omitempty"`
}

// Reply carries the merged partial result of the receiver's subtree.
type Reply struct {
	ID      RequestID `json:"id"`
	Partial Partial   `json:"partial"`
}
