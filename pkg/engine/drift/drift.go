// Package drift compares live cloud state against the canonical graph and
// classifies the differences. It never mutates the store; reconciliation is
// the sync engine's job.
package drift

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

// criticalTagRe matches tag keys whose mutation is governance-relevant.
var criticalTagRe = regexp.MustCompile(`^(Environment|Owner|CostCenter)$`)

// Config tunes detection. The sensitive-key table is configuration because
// the full set is organization-specific.
type Config struct {
	// SensitiveMetadataKeys are metadata keys whose change is always
	// critical. Matched case-insensitively.
	SensitiveMetadataKeys []string
	// PerSourceTimeout bounds each live discovery call.
	PerSourceTimeout time.Duration
	// MaxConcurrentSources bounds the live scan fan-out.
	MaxConcurrentSources int
}

// DefaultSensitiveKeys covers the metadata that changes a resource's
// exposure or encryption posture.
func DefaultSensitiveKeys() []string {
	return []string{
		"publiclyAccessible",
		"encrypted",
		"kmsKeyId",
		"iamRole",
		"roleArn",
		"securityGroups",
		"ingressRules",
		"egressRules",
	}
}

// FieldDrift is one drifted field with its classified severity.
type FieldDrift struct {
	model.FieldChange
	Severity model.Severity `json:"severity"`
}

// DriftedNode pairs a stored node with the field drifts observed live.
type DriftedNode struct {
	Node    *model.Node  `json:"node"`
	Changes []FieldDrift `json:"changes"`
}

// Report is one complete drift scan. Slices are sorted by node id.
type Report struct {
	DriftedNodes     []DriftedNode `json:"driftedNodes"`
	DisappearedNodes []*model.Node `json:"disappearedNodes"`
	NewNodes         []*model.Node `json:"newNodes"`
	ScannedAt        time.Time     `json:"scannedAt"`
}

// Detector runs read-only live-versus-stored comparisons.
type Detector struct {
	store    store.Store
	registry *source.Registry
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer

	sensitive map[string]bool
}

// New builds a detector. A nil sensitive-key list falls back to the
// defaults.
func New(st store.Store, reg *source.Registry, cfg Config) *Detector {
	keys := cfg.SensitiveMetadataKeys
	if keys == nil {
		keys = DefaultSensitiveKeys()
	}
	sensitive := make(map[string]bool, len(keys))
	for _, k := range keys {
		sensitive[strings.ToLower(k)] = true
	}
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = 4
	}
	return &Detector{
		store:     st,
		registry:  reg,
		cfg:       cfg,
		now:       time.Now,
		tracer:    otel.Tracer("cartograph/drift"),
		sensitive: sensitive,
	}
}

// WithClock overrides the time source for deterministic reports.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Detect scans live state through the discovery sources and compares it
// with the store. An empty providerScope scans every registered source. Any
// source failure fails the scan: a partial live view would misreport
// everything in the failed source's scope as disappeared.
func (d *Detector) Detect(ctx context.Context, providerScope string) (*Report, error) {
	ctx, span := d.tracer.Start(ctx, "drift.Detect", trace.WithAttributes(
		attribute.String("drift.provider", providerScope),
	))
	defer span.End()

	var providers []string
	if providerScope != "" {
		providers = []string{providerScope}
	}
	sources := d.registry.Enabled(providers)

	live := make(map[string]*model.Node)
	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrentSources)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			batch, err := source.Discover(gctx, src, d.cfg.PerSourceTimeout)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, n := range batch.Nodes {
				if n == nil {
					continue
				}
				if n.Provider == "" {
					n = n.Clone()
					n.Provider = batch.Provider
				}
				if n.Provider != batch.Provider {
					continue
				}
				live[n.Identity()] = n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stored, err := d.store.QueryNodes(ctx, store.NodeFilter{Provider: providerScope})
	if err != nil {
		return nil, err
	}
	storedByID := make(map[string]*model.Node, len(stored))
	for _, n := range stored {
		storedByID[n.ID] = n
	}

	report := &Report{ScannedAt: d.now().UTC()}
	for id, liveNode := range live {
		existing, known := storedByID[id]
		if !known {
			fresh := liveNode.Clone()
			fresh.ID = id
			report.NewNodes = append(report.NewNodes, fresh)
			continue
		}
		merged := model.MergeNode(existing, liveNode)
		diffs := model.DiffNodes(existing, merged)
		if len(diffs) == 0 {
			continue
		}
		drifted := DriftedNode{Node: existing}
		for _, fc := range diffs {
			drifted.Changes = append(drifted.Changes, FieldDrift{
				FieldChange: fc,
				Severity:    d.severityFor(existing, fc),
			})
		}
		report.DriftedNodes = append(report.DriftedNodes, drifted)
	}
	for _, n := range stored {
		if n.Status == model.StatusTerminated {
			continue
		}
		if _, seen := live[n.ID]; seen {
			continue
		}
		if !coveredByAny(sources, n) {
			continue
		}
		report.DisappearedNodes = append(report.DisappearedNodes, n)
	}

	sort.Slice(report.DriftedNodes, func(i, j int) bool {
		return report.DriftedNodes[i].Node.ID < report.DriftedNodes[j].Node.ID
	})
	sort.Slice(report.DisappearedNodes, func(i, j int) bool {
		return report.DisappearedNodes[i].ID < report.DisappearedNodes[j].ID
	})
	sort.Slice(report.NewNodes, func(i, j int) bool {
		return report.NewNodes[i].ID < report.NewNodes[j].ID
	})

	span.SetAttributes(
		attribute.Int("drift.drifted", len(report.DriftedNodes)),
		attribute.Int("drift.disappeared", len(report.DisappearedNodes)),
		attribute.Int("drift.new", len(report.NewNodes)),
	)
	slog.Info("Drift scan complete",
		"provider", providerScope,
		"drifted", len(report.DriftedNodes),
		"disappeared", len(report.DisappearedNodes),
		"new", len(report.NewNodes),
	)
	return report, nil
}

// severityFor classifies one field drift. Precedence: sensitive metadata,
// then status, then governance tags, then production blast radius, then
// cost.
func (d *Detector) severityFor(n *model.Node, fc model.FieldChange) model.Severity {
	prod := productionTagged(n)
	if key, ok := strings.CutPrefix(fc.Field, "metadata."); ok && d.sensitive[strings.ToLower(key)] {
		return model.SeverityCritical
	}
	if fc.Field == "status" {
		if prod {
			return model.SeverityCritical
		}
		return model.SeverityHigh
	}
	if key, ok := strings.CutPrefix(fc.Field, "tags."); ok && criticalTagRe.MatchString(key) {
		return model.SeverityHigh
	}
	if prod {
		return model.SeverityHigh
	}
	if fc.Field == "costMonthly" {
		return model.SeverityMedium
	}
	return model.SeverityLow
}

func productionTagged(n *model.Node) bool {
	v := strings.ToLower(n.Tags["Environment"])
	return v == "production" || v == "prod"
}

func coveredByAny(sources []source.Source, n *model.Node) bool {
	for _, s := range sources {
		if s.Provider() != n.Provider {
			continue
		}
		if s.Scope().Covers(n.Account, n.Region) {
			return true
		}
	}
	return false
}
