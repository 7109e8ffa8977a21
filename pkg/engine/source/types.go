// Package source defines the discovery contract the sync engine consumes.
// A source owns one provider scope and returns candidate nodes and edges;
// the engine supplies system timestamps and reconciles the rest.
package source

import (
	"context"
	"time"

	"github.com/stratoform/cartograph/pkg/model"
)

// Scope bounds the accounts and regions a source is authoritative for.
// Empty slices mean the source covers every account or region of its
// provider. Disappearance decisions never reach outside this scope.
type Scope struct {
	Accounts []string `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	Regions  []string `json:"regions,omitempty" yaml:"regions,omitempty"`
}

// Covers reports whether the scope claims the (account, region) pair.
func (s Scope) Covers(account, region string) bool {
	if len(s.Accounts) > 0 && !member(s.Accounts, account) {
		return false
	}
	if len(s.Regions) > 0 && !member(s.Regions, region) {
		return false
	}
	return true
}

func member(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Error is one non-fatal discovery failure. A source reports these instead
// of aborting; the cycle records them against the source.
type Error struct {
	ResourceType string `json:"resourceType,omitempty"`
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
}

// Batch is the result of one discovery pass. Nodes and edges are
// candidates: identity and attribute fields are meaningful, system
// timestamps and versions are ignored and overwritten by the sync engine.
type Batch struct {
	SourceID     string
	Provider     string
	Scope        Scope
	Nodes        []*model.Node
	Edges        []*model.Edge
	Errors       []Error
	DiscoveredAt time.Time
}

// Source is the discovery capability set. Implementations own their
// internal concurrency; Discover returns an error only for failures that
// invalidate the whole batch.
type Source interface {
	Name() string
	Provider() string
	Scope() Scope
	Discover(ctx context.Context) (*Batch, error)
	HealthCheck(ctx context.Context) error
}
