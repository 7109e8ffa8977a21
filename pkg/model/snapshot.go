package model

import "time"

// Trigger records why a snapshot was taken.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerSync       Trigger = "sync"
	TriggerScheduled  Trigger = "scheduled"
	TriggerGovernance Trigger = "governance"
)

// ValidTrigger reports membership in the trigger set.
func ValidTrigger(t Trigger) bool {
	switch t {
	case TriggerManual, TriggerSync, TriggerScheduled, TriggerGovernance:
		return true
	}
	return false
}

// Snapshot is the immutable metadata of one graph revision. The revision
// content (node and edge states) lives behind the temporal store, addressed
// by snapshot id.
type Snapshot struct {
	ID               string    `json:"id" yaml:"id"`
	Trigger          Trigger   `json:"trigger" yaml:"trigger"`
	Label            string    `json:"label,omitempty" yaml:"label,omitempty"`
	CreatedAt        time.Time `json:"createdAt" yaml:"createdAt"`
	ProviderScope    string    `json:"providerScope,omitempty" yaml:"providerScope,omitempty"`
	NodeCount        int       `json:"nodeCount" yaml:"nodeCount"`
	EdgeCount        int       `json:"edgeCount" yaml:"edgeCount"`
	TotalCostMonthly float64   `json:"totalCostMonthly" yaml:"totalCostMonthly"`
}
