package model

import (
	"reflect"
	"time"
)

// RelationType is the closed vocabulary of relationship kinds.
type RelationType string

const (
	RelationDependsOn    RelationType = "depends-on"
	RelationRoutesTo     RelationType = "routes-to"
	RelationStoresIn     RelationType = "stores-in"
	RelationEncryptsWith RelationType = "encrypts-with"
	RelationPublishesTo  RelationType = "publishes-to"
	RelationTriggers     RelationType = "triggers"
	RelationBacksUp      RelationType = "backs-up"
	RelationReplicatesTo RelationType = "replicates-to"
	RelationPeersWith    RelationType = "peers-with"
	RelationUses         RelationType = "uses"
	RelationContains     RelationType = "contains"
	RelationSecures      RelationType = "secures"
)

// ValidRelation reports vocabulary membership.
func ValidRelation(t RelationType) bool {
	switch t {
	case RelationDependsOn, RelationRoutesTo, RelationStoresIn, RelationEncryptsWith,
		RelationPublishesTo, RelationTriggers, RelationBacksUp, RelationReplicatesTo,
		RelationPeersWith, RelationUses, RelationContains, RelationSecures:
		return true
	}
	return false
}

// Provenance records how an edge was discovered.
type Provenance string

const (
	ProvenanceAPIField     Provenance = "api-field"
	ProvenanceConfigScan   Provenance = "config-scan"
	ProvenanceARNReference Provenance = "arn-reference"
	ProvenanceHeuristic    Provenance = "heuristic"
	ProvenanceUserAsserted Provenance = "user-asserted"
)

// ValidProvenance reports label membership.
func ValidProvenance(p Provenance) bool {
	switch p {
	case ProvenanceAPIField, ProvenanceConfigScan, ProvenanceARNReference, ProvenanceHeuristic, ProvenanceUserAsserted:
		return true
	}
	return false
}

// Edge is a typed, confidence-scored relationship between two nodes. Edges
// share the node lifecycle: discovered, re-confirmed, removed.
type Edge struct {
	ID            string         `json:"id" yaml:"id"`
	SourceID      string         `json:"sourceId" yaml:"sourceId"`
	TargetID      string         `json:"targetId" yaml:"targetId"`
	Type          RelationType   `json:"type" yaml:"type"`
	Confidence    float64        `json:"confidence" yaml:"confidence"`
	DiscoveredVia Provenance     `json:"discoveredVia" yaml:"discoveredVia"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	DiscoveredAt time.Time `json:"discoveredAt" yaml:"discoveredAt"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"updatedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt" yaml:"lastSeenAt"`
	Version      int64     `json:"version" yaml:"version"`
}

// Identity recomputes the stable id from (source, type, target).
func (e *Edge) Identity() string {
	return EdgeID(e.SourceID, e.Type, e.TargetID)
}

// Validate checks endpoint presence, vocabulary membership and confidence
// bounds. Endpoint existence in the store is checked at upsert time, not
// here.
func (e *Edge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return NewError(KindInvalidInput, "edge-endpoints", "edge requires sourceId and targetId")
	}
	if !ValidRelation(e.Type) {
		return NewError(KindInvalidInput, "edge-type", "unknown relationship type %q", e.Type)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return NewError(KindInvalidInput, "edge-confidence", "confidence %v outside [0,1]", e.Confidence)
	}
	if e.DiscoveredVia != "" && !ValidProvenance(e.DiscoveredVia) {
		return NewError(KindInvalidInput, "edge-provenance", "unknown provenance %q", e.DiscoveredVia)
	}
	return nil
}

// Clone returns a deep copy.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata != nil {
		c.Metadata = cloneAnyMap(e.Metadata)
	}
	return &c
}

// MergeEdge applies insert-or-merge semantics for a re-observed edge:
// confidence and provenance replace, metadata deep-merges.
func MergeEdge(existing, incoming *Edge) *Edge {
	merged := existing.Clone()
	merged.Confidence = incoming.Confidence
	if incoming.DiscoveredVia != "" {
		merged.DiscoveredVia = incoming.DiscoveredVia
	}
	if len(incoming.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any, len(incoming.Metadata))
		}
		for k, v := range incoming.Metadata {
			merged.Metadata[k] = mergeValue(merged.Metadata[k], v)
		}
	}
	return merged
}

// DiffEdges returns one FieldChange per observable edge field that differs:
// confidence, discoveredVia, and metadata entries.
func DiffEdges(before, after *Edge) []FieldChange {
	var changes []FieldChange
	if before.Confidence != after.Confidence {
		changes = append(changes, FieldChange{Field: "confidence", Previous: before.Confidence, New: after.Confidence})
	}
	if before.DiscoveredVia != after.DiscoveredVia {
		changes = append(changes, FieldChange{Field: "discoveredVia", Previous: string(before.DiscoveredVia), New: string(after.DiscoveredVia)})
	}
	changes = append(changes, diffAnyMap("metadata", before.Metadata, after.Metadata)...)
	return changes
}

// EdgesEquivalent reports whether two edge states carry identical
// observable fields.
func EdgesEquivalent(a, b *Edge) bool {
	return a.Confidence == b.Confidence &&
		a.DiscoveredVia == b.DiscoveredVia &&
		reflect.DeepEqual(a.Metadata, b.Metadata)
}
