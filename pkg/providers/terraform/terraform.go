// Package terraform discovers declared infrastructure by scanning HCL
// configuration trees. Each resource block becomes a candidate node whose
// native id is its configuration address; depends_on meta-arguments and
// inter-resource expression references become edges. Everything emitted
// carries config-scan provenance and sub-certain confidence, because a
// declaration is an intent, not an observation.
package terraform

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
)

// Confidence assigned to scanned relationships. An explicit depends_on is
// the author saying so; an expression reference is inferred from usage.
const (
	dependsOnConfidence = 0.9
	referenceConfidence = 0.75
)

// providerAliases maps a terraform type prefix to the canonical provider
// label used across the graph. Unlisted prefixes pass through as-is.
var providerAliases = map[string]string{
	"aws":     "aws",
	"google":  "gcp",
	"azurerm": "azure",
	"azuread": "azure",
}

// Source scans one or more configuration roots for a single canonical
// provider. A mixed tree is covered by registering one Source per
// provider over the same roots; the sync engine requires batch and node
// provider to agree.
type Source struct {
	name     string
	provider string
	dirs     []string
}

// Option customizes a Source.
type Option func(*Source)

// WithProvider selects the canonical provider this source emits.
func WithProvider(provider string) Option {
	return func(s *Source) {
		if provider != "" {
			s.provider = provider
		}
	}
}

// WithName overrides the registry name.
func WithName(name string) Option {
	return func(s *Source) {
		if name != "" {
			s.name = name
		}
	}
}

// New builds a config-scan source over the given roots. The default
// provider is aws.
func New(dirs []string, opts ...Option) *Source {
	s := &Source{provider: "aws", dirs: dirs}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = "terraform-" + s.provider
	}
	return s
}

func (s *Source) Name() string     { return s.name }
func (s *Source) Provider() string { return s.provider }

// Scope claims the empty account only. Config candidates carry no account
// until applied, so disappearance authority stays pinned to declared
// resources and never reaches nodes observed through provider APIs.
func (s *Source) Scope() source.Scope {
	return source.Scope{Accounts: []string{""}}
}

// HealthCheck verifies at least one configuration root is readable.
func (s *Source) HealthCheck(ctx context.Context) error {
	for _, dir := range s.dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return nil
		}
	}
	return model.NewError(model.KindInvalidInput, "tf-roots", "no readable configuration root in %v", s.dirs)
}

// Discover scans the roots and assembles the candidate batch. Per-file
// parse failures are reported in the batch, not fatal; only an unreadable
// root set or a failed walk aborts the call.
func (s *Source) Discover(ctx context.Context) (*source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, "tf-cancelled", err, "discovery cancelled")
	}

	sc, err := scanRoots(s.dirs)
	if err != nil {
		return nil, err
	}

	batch := &source.Batch{
		SourceID:     s.name,
		Provider:     s.provider,
		Scope:        s.Scope(),
		Errors:       sc.errors,
		DiscoveredAt: time.Now().UTC(),
	}

	identity := make(map[string]string, len(sc.resources))
	for _, rb := range sc.resources {
		if canonicalProvider(rb.Type) != s.provider {
			continue
		}
		n := s.node(rb, sc.regions)
		identity[rb.Address()] = n.Identity()
		batch.Nodes = append(batch.Nodes, n)
	}

	// Edges stay inside the batch: both endpoints must be resources this
	// source emits, or the upsert would dangle.
	for _, rb := range sc.resources {
		src, ok := identity[rb.Address()]
		if !ok {
			continue
		}
		for _, dep := range rb.DependsOn {
			if dst, ok := identity[dep]; ok && dst != src {
				batch.Edges = append(batch.Edges, configEdge(src, dst, model.RelationDependsOn, dependsOnConfidence))
			}
		}
		for _, ref := range rb.Refs {
			if dst, ok := identity[ref]; ok && dst != src {
				batch.Edges = append(batch.Edges, configEdge(src, dst, model.RelationUses, referenceConfidence))
			}
		}
	}
	return batch, nil
}

func (s *Source) node(rb resourceBlock, regions map[string]string) *model.Node {
	region := regions[rb.ProviderRef]
	if region == "" {
		region = regions[typePrefix(rb.Type)]
	}
	name := rb.Tags["Name"]
	if name == "" {
		name = rb.AttrName
	}
	if name == "" {
		name = rb.Name
	}
	return &model.Node{
		Provider:     s.provider,
		Region:       region,
		ResourceType: shortType(rb.Type),
		NativeID:     rb.Address(),
		Name:         name,
		Status:       model.StatusUnknown,
		Tags:         rb.Tags,
		Metadata: map[string]any{
			"terraformType": rb.Type,
			"sourceFile":    rb.File,
		},
	}
}

func configEdge(src, dst string, t model.RelationType, confidence float64) *model.Edge {
	return &model.Edge{
		SourceID:      src,
		TargetID:      dst,
		Type:          t,
		Confidence:    confidence,
		DiscoveredVia: model.ProvenanceConfigScan,
	}
}

// canonicalProvider infers the graph provider label from a terraform
// resource type, "google_storage_bucket" to "gcp".
func canonicalProvider(tfType string) string {
	prefix := typePrefix(tfType)
	if p, ok := providerAliases[prefix]; ok {
		return p
	}
	return prefix
}

func typePrefix(tfType string) string {
	prefix, _, _ := strings.Cut(tfType, "_")
	return prefix
}

// shortType strips the provider prefix so scanned types line up with the
// vocabulary API sources use, "aws_instance" to "instance".
func shortType(tfType string) string {
	if _, rest, ok := strings.Cut(tfType, "_"); ok && rest != "" {
		return rest
	}
	return tfType
}

var _ source.Source = (*Source)(nil)

// String describes the source for logs.
func (s *Source) String() string {
	return fmt.Sprintf("terraform(%s, %d roots)", s.provider, len(s.dirs))
}
