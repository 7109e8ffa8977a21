package model

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Status is the lifecycle state of a resource node.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusPending    Status = "pending"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
	StatusUnknown    Status = "unknown"
)

// ValidStatus reports whether s is a member of the closed status set.
func ValidStatus(s Status) bool {
	switch s {
	case StatusRunning, StatusStopped, StatusPending, StatusTerminated, StatusError, StatusUnknown:
		return true
	}
	return false
}

// Node is one cloud resource in the knowledge graph. Identity is the
// (provider, account, region, resourceType, nativeId) tuple hashed into ID;
// everything else is attribute state maintained by the sync engine.
type Node struct {
	ID           string            `json:"id" yaml:"id"`
	Provider     string            `json:"provider" yaml:"provider"`
	Account      string            `json:"account" yaml:"account"`
	Region       string            `json:"region" yaml:"region"`
	ResourceType string            `json:"resourceType" yaml:"resourceType"`
	NativeID     string            `json:"nativeId" yaml:"nativeId"`
	Name         string            `json:"name" yaml:"name"`
	Status       Status            `json:"status" yaml:"status"`
	Tags         map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CostMonthly  *float64          `json:"costMonthly,omitempty" yaml:"costMonthly,omitempty"`
	Owner        *string           `json:"owner,omitempty" yaml:"owner,omitempty"`
	CreatedAt    *time.Time        `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`

	// System timestamps. DiscoveredAt is set on first observation and only
	// resets when a terminated resource reappears (a fresh lifecycle).
	DiscoveredAt time.Time `json:"discoveredAt" yaml:"discoveredAt"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"updatedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt" yaml:"lastSeenAt"`

	// Version increments on every observable-field mutation.
	Version int64 `json:"version" yaml:"version"`
}

// Identity recomputes the stable id from the identity tuple.
func (n *Node) Identity() string {
	return NodeID(n.Provider, n.Account, n.Region, n.ResourceType, n.NativeID)
}

// Validate checks the fields the store refuses to persist unchecked.
func (n *Node) Validate() error {
	if n.Provider == "" || n.ResourceType == "" || n.NativeID == "" {
		return NewError(KindInvalidInput, "node-identity", "node requires provider, resourceType and nativeId")
	}
	if n.Status != "" && !ValidStatus(n.Status) {
		return NewError(KindInvalidInput, "node-status", "unknown status %q", n.Status)
	}
	if n.CostMonthly != nil && *n.CostMonthly < 0 {
		return NewError(KindInvalidInput, "node-cost", "costMonthly must be non-negative")
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so readers can never
// alias writer-owned state.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Tags != nil {
		c.Tags = make(map[string]string, len(n.Tags))
		for k, v := range n.Tags {
			c.Tags[k] = v
		}
	}
	if n.Metadata != nil {
		c.Metadata = cloneAnyMap(n.Metadata)
	}
	if n.CostMonthly != nil {
		v := *n.CostMonthly
		c.CostMonthly = &v
	}
	if n.Owner != nil {
		v := *n.Owner
		c.Owner = &v
	}
	if n.CreatedAt != nil {
		v := *n.CreatedAt
		c.CreatedAt = &v
	}
	return &c
}

// MergeNode applies insert-or-merge semantics: scalar fields from incoming
// replace the stored values, tags and metadata are deep-merged with incoming
// keys winning. System timestamps and version are left for the store to
// manage. Returns a new node; neither input is mutated.
func MergeNode(existing, incoming *Node) *Node {
	merged := existing.Clone()
	merged.Name = incoming.Name
	merged.Status = incoming.Status
	if incoming.CostMonthly != nil {
		v := *incoming.CostMonthly
		merged.CostMonthly = &v
	} else {
		merged.CostMonthly = nil
	}
	if incoming.Owner != nil {
		v := *incoming.Owner
		merged.Owner = &v
	} else {
		merged.Owner = nil
	}
	if incoming.CreatedAt != nil {
		v := *incoming.CreatedAt
		merged.CreatedAt = &v
	}
	if len(incoming.Tags) > 0 {
		if merged.Tags == nil {
			merged.Tags = make(map[string]string, len(incoming.Tags))
		}
		for k, v := range incoming.Tags {
			merged.Tags[k] = v
		}
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

// mergeValue deep-merges nested maps; any other incoming value replaces.
func mergeValue(existing, incoming any) any {
	em, eok := existing.(map[string]any)
	im, iok := incoming.(map[string]any)
	if !eok || !iok {
		return incoming
	}
	out := make(map[string]any, len(em)+len(im))
	for k, v := range em {
		out[k] = v
	}
	for k, v := range im {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

// FieldChange is one observable-field difference, with dotted paths for
// map entries (tags.Environment, metadata.instanceType).
type FieldChange struct {
	Field    string `json:"field"`
	Previous any    `json:"previous,omitempty"`
	New      any    `json:"new,omitempty"`
}

// DiffNodes returns one FieldChange per observable field that differs
// between two states of the same node. Observable fields are name, status,
// costMonthly, owner, and the tags/metadata entries. Output order is
// deterministic: scalars first, then sorted tag keys, then sorted metadata
// keys.
func DiffNodes(before, after *Node) []FieldChange {
	var changes []FieldChange
	if before.Name != after.Name {
		changes = append(changes, FieldChange{Field: "name", Previous: before.Name, New: after.Name})
	}
	if before.Status != after.Status {
		changes = append(changes, FieldChange{Field: "status", Previous: string(before.Status), New: string(after.Status)})
	}
	if !floatPtrEqual(before.CostMonthly, after.CostMonthly) {
		changes = append(changes, FieldChange{Field: "costMonthly", Previous: floatPtrValue(before.CostMonthly), New: floatPtrValue(after.CostMonthly)})
	}
	if !strPtrEqual(before.Owner, after.Owner) {
		changes = append(changes, FieldChange{Field: "owner", Previous: strPtrValue(before.Owner), New: strPtrValue(after.Owner)})
	}
	changes = append(changes, diffStringMap("tags", before.Tags, after.Tags)...)
	changes = append(changes, diffAnyMap("metadata", before.Metadata, after.Metadata)...)
	return changes
}

func diffStringMap(prefix string, before, after map[string]string) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []FieldChange
	for _, k := range sorted {
		bv, bok := before[k]
		av, aok := after[k]
		if bok && aok && bv == av {
			continue
		}
		fc := FieldChange{Field: prefix + "." + k}
		if bok {
			fc.Previous = bv
		}
		if aok {
			fc.New = av
		}
		changes = append(changes, fc)
	}
	return changes
}

func diffAnyMap(prefix string, before, after map[string]any) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []FieldChange
	for _, k := range sorted {
		bv, bok := before[k]
		av, aok := after[k]
		if bok && aok && reflect.DeepEqual(bv, av) {
			continue
		}
		changes = append(changes, FieldChange{Field: prefix + "." + k, Previous: bv, New: av})
	}
	return changes
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrValue(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrValue(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// Float64Ptr is a convenience for literal cost values.
func Float64Ptr(v float64) *float64 { return &v }

// StringPtr is a convenience for literal owner values.
func StringPtr(v string) *string { return &v }

func (n *Node) String() string {
	return fmt.Sprintf("%s/%s/%s %s (%s)", n.Provider, n.Region, n.ResourceType, n.NativeID, n.Status)
}
