package model

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies one observable mutation.
type ChangeType string

const (
	ChangeNodeCreated     ChangeType = "node-created"
	ChangeNodeUpdated     ChangeType = "node-updated"
	ChangeNodeDisappeared ChangeType = "node-disappeared"
	ChangeNodeReappeared  ChangeType = "node-reappeared"
	ChangeEdgeCreated     ChangeType = "edge-created"
	ChangeEdgeRemoved     ChangeType = "edge-removed"
	ChangeNodeDrifted     ChangeType = "node-drifted"
)

// InitiatorType distinguishes who caused a mutation, when known.
type InitiatorType string

const (
	InitiatorHuman  InitiatorType = "human"
	InitiatorAgent  InitiatorType = "agent"
	InitiatorSystem InitiatorType = "system"
)

// Change is an immutable record of one observable mutation. Records are
// append-only; nothing in the system updates or deletes them.
type Change struct {
	ID            string        `json:"id"`
	TargetID      string        `json:"targetId"`
	Type          ChangeType    `json:"type"`
	Field         string        `json:"field,omitempty"`
	Previous      any           `json:"previous,omitempty"`
	New           any           `json:"new,omitempty"`
	DetectedAt    time.Time     `json:"detectedAt"`
	Source        string        `json:"source,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Initiator     InitiatorType `json:"initiator,omitempty"`
}

// NewChange builds a change record with a fresh id. Detection timestamp and
// remaining fields are the caller's to fill; the store's writer assigns
// monotonic timestamps when absent.
func NewChange(targetID string, t ChangeType) Change {
	return Change{
		ID:       uuid.NewString(),
		TargetID: targetID,
		Type:     t,
	}
}
