// Package anomaly derives statistical baselines from the snapshot series
// and flags samples that stray from them. Everything is computed from
// snapshot aggregates and consecutive-pair diffs; the live graph is never
// consulted.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stratoform/cartograph/pkg/engine/temporal"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/store"
)

const (
	defaultThreshold    = 2.0
	defaultMinSnapshots = 5

	maxCostResources  = 5
	maxChurnResources = 20
)

// Detect selects which metric families to analyze.
type Detect struct {
	Cost       bool `json:"cost" yaml:"cost"`
	Topology   bool `json:"topology" yaml:"topology"`
	Structural bool `json:"structural" yaml:"structural"`
	Churn      bool `json:"churn" yaml:"churn"`
}

// Config tunes one detection run.
type Config struct {
	// ZScoreThreshold is the minimum |z| that flags a sample.
	ZScoreThreshold float64 `json:"zScoreThreshold" yaml:"zScoreThreshold"`
	// MinSnapshots is the series length below which no analysis runs.
	MinSnapshots int `json:"minSnapshots" yaml:"minSnapshots"`
	// RollingWindow, when positive, restricts analysis to the newest N
	// snapshots.
	RollingWindow int `json:"rollingWindow" yaml:"rollingWindow"`

	Detect   Detect `json:"detect" yaml:"detect"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// DefaultConfig enables every metric family with stock thresholds.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold: defaultThreshold,
		MinSnapshots:    defaultMinSnapshots,
		Detect:          Detect{Cost: true, Topology: true, Structural: true, Churn: true},
	}
}

func (c Config) withDefaults() Config {
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = defaultThreshold
	}
	if c.MinSnapshots <= 0 {
		c.MinSnapshots = defaultMinSnapshots
	}
	return c
}

// Anomaly is one flagged sample.
type Anomaly struct {
	Type              string         `json:"type"`
	Severity          model.Severity `json:"severity"`
	SnapshotID        string         `json:"snapshotId"`
	Timestamp         time.Time      `json:"timestamp"`
	ActualValue       float64        `json:"actualValue"`
	ExpectedValue     float64        `json:"expectedValue"`
	ZScore            float64        `json:"zScore"`
	AffectedResources []string       `json:"affectedResources,omitempty"`
	Message           string         `json:"message,omitempty"`
}

// Summary aggregates the anomaly list.
type Summary struct {
	Total      int                    `json:"total"`
	BySeverity map[model.Severity]int `json:"bySeverity"`
	ByType     map[string]int         `json:"byType"`
}

// Report is the result of one detection run. Anomalies are ordered by
// snapshot time, then type.
type Report struct {
	GeneratedAt       time.Time           `json:"generatedAt"`
	SnapshotsAnalyzed int                 `json:"snapshotsAnalyzed"`
	Anomalies         []Anomaly           `json:"anomalies"`
	Baselines         map[string]Baseline `json:"baselines"`
	Summary           Summary             `json:"summary"`
	CostTrend         *CostTrend          `json:"costTrend,omitempty"`
}

// Detector analyzes a temporal snapshot series.
type Detector struct {
	snapshots *temporal.Store
	now       func() time.Time
	tracer    trace.Tracer
}

// New builds a detector over the given snapshot store.
func New(ts *temporal.Store) *Detector {
	return &Detector{
		snapshots: ts,
		now:       time.Now,
		tracer:    otel.Tracer("cartograph/anomaly"),
	}
}

// WithClock overrides the report timestamp source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// finding is one metric family's output, merged after the parallel phase.
type finding struct {
	baselines map[string]Baseline
	anomalies []Anomaly
}

// Detect runs one analysis pass. A series shorter than MinSnapshots
// produces an empty report rather than an error: thin history is a normal
// condition for a young deployment.
func (d *Detector) Detect(ctx context.Context, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	ctx, span := d.tracer.Start(ctx, "anomaly.Detect", trace.WithAttributes(
		attribute.String("anomaly.provider", cfg.Provider),
	))
	defer span.End()

	listed, err := d.snapshots.ListSnapshots(ctx, temporal.SnapshotFilter{Provider: cfg.Provider})
	if err != nil {
		return nil, err
	}
	series := make([]*model.Snapshot, len(listed))
	for i, snap := range listed {
		series[len(listed)-1-i] = snap
	}
	if cfg.RollingWindow > 0 && len(series) > cfg.RollingWindow {
		series = series[len(series)-cfg.RollingWindow:]
	}

	report := &Report{
		GeneratedAt:       d.now().UTC(),
		SnapshotsAnalyzed: len(series),
		Baselines:         map[string]Baseline{},
		Summary:           Summary{BySeverity: map[model.Severity]int{}, ByType: map[string]int{}},
	}
	if len(series) < cfg.MinSnapshots {
		span.SetAttributes(attribute.Int("anomaly.snapshots", len(series)))
		return report, nil
	}

	findings := make([]finding, 4)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Detect.Cost {
		g.Go(func() error {
			f, err := d.scanCost(gctx, series, cfg)
			findings[0] = f
			return err
		})
	}
	if cfg.Detect.Topology {
		g.Go(func() error {
			findings[1] = scanTopology(series, cfg)
			return nil
		})
	}
	if cfg.Detect.Structural {
		g.Go(func() error {
			findings[2] = scanStructural(series, cfg)
			return nil
		})
	}
	if cfg.Detect.Churn {
		g.Go(func() error {
			f, err := d.scanChurn(gctx, series, cfg)
			findings[3] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, f := range findings {
		for k, b := range f.baselines {
			report.Baselines[k] = b
		}
		report.Anomalies = append(report.Anomalies, f.anomalies...)
	}
	sort.Slice(report.Anomalies, func(i, j int) bool {
		a, b := report.Anomalies[i], report.Anomalies[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Type < b.Type
	})
	for _, a := range report.Anomalies {
		report.Summary.Total++
		report.Summary.BySeverity[a.Severity]++
		report.Summary.ByType[a.Type]++
	}
	report.CostTrend = costTrend(series)

	span.SetAttributes(
		attribute.Int("anomaly.snapshots", len(series)),
		attribute.Int("anomaly.flagged", report.Summary.Total),
	)
	slog.Info("Anomaly detection complete",
		"snapshots", len(series),
		"anomalies", report.Summary.Total,
		"provider", cfg.Provider,
	)
	return report, nil
}

func (d *Detector) scanCost(ctx context.Context, series []*model.Snapshot, cfg Config) (finding, error) {
	values := make([]float64, len(series))
	for i, snap := range series {
		values[i] = snap.TotalCostMonthly
	}
	f := scanSeries("cost", "cost-spike", "cost-drop", series, values, cfg)
	for i := range f.anomalies {
		ids, err := d.topCostResources(ctx, f.anomalies[i].SnapshotID)
		if err != nil {
			return finding{}, err
		}
		f.anomalies[i].AffectedResources = ids
	}
	return f, nil
}

func scanTopology(series []*model.Snapshot, cfg Config) finding {
	nodes := make([]float64, len(series))
	edges := make([]float64, len(series))
	for i, snap := range series {
		nodes[i] = float64(snap.NodeCount)
		edges[i] = float64(snap.EdgeCount)
	}
	f := scanSeries("nodeCount", "node-count-spike", "node-count-drop", series, nodes, cfg)
	ef := scanSeries("edgeCount", "edge-count-spike", "edge-count-drop", series, edges, cfg)
	f.baselines["edgeCount"] = ef.baselines["edgeCount"]
	f.anomalies = append(f.anomalies, ef.anomalies...)
	return f
}

func scanStructural(series []*model.Snapshot, cfg Config) finding {
	ratios := make([]float64, len(series))
	for i, snap := range series {
		if snap.NodeCount > 0 {
			ratios[i] = float64(snap.EdgeCount) / float64(snap.NodeCount)
		}
	}
	return scanSeries("structural", "structural-drift", "structural-drift", series, ratios, cfg)
}

// scanChurn diffs consecutive pairs and treats each pair's node turnover as
// one sample attributed to the later snapshot.
func (d *Detector) scanChurn(ctx context.Context, series []*model.Snapshot, cfg Config) (finding, error) {
	if len(series) < 2 {
		return finding{baselines: map[string]Baseline{}}, nil
	}

	values := make([]float64, len(series)-1)
	affected := make([][]string, len(series)-1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < len(series)-1; i++ {
		i := i
		g.Go(func() error {
			diff, err := d.snapshots.DiffSnapshots(gctx, series[i].ID, series[i+1].ID)
			if err != nil {
				return err
			}
			values[i] = float64(len(diff.AddedNodes) + len(diff.RemovedNodes))
			var ids []string
			for _, n := range diff.AddedNodes {
				ids = append(ids, n.ID)
			}
			for _, n := range diff.RemovedNodes {
				ids = append(ids, n.ID)
			}
			sort.Strings(ids)
			if len(ids) > maxChurnResources {
				ids = ids[:maxChurnResources]
			}
			affected[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return finding{}, err
	}

	f := scanSeries("churn", "churn-spike", "churn-drop", series[1:], values, cfg)
	for i := range f.anomalies {
		for j, snap := range series[1:] {
			if snap.ID == f.anomalies[i].SnapshotID {
				f.anomalies[i].AffectedResources = affected[j]
				break
			}
		}
	}
	return f, nil
}

// scanSeries computes one baseline and flags every sample past the
// threshold. samples[i] belongs to series[i].
func scanSeries(metric, spikeType, dropType string, series []*model.Snapshot, samples []float64, cfg Config) finding {
	base := baselineOf(samples)
	f := finding{baselines: map[string]Baseline{metric: base}}
	if base.StdDev == 0 {
		return f
	}
	for i, v := range samples {
		z := base.zScore(v)
		if math.Abs(z) < cfg.ZScoreThreshold {
			continue
		}
		typ := spikeType
		if z < 0 {
			typ = dropType
		}
		f.anomalies = append(f.anomalies, Anomaly{
			Type:          typ,
			Severity:      severityOf(math.Abs(z)),
			SnapshotID:    series[i].ID,
			Timestamp:     series[i].CreatedAt,
			ActualValue:   v,
			ExpectedValue: base.Mean,
			ZScore:        z,
			Message:       fmt.Sprintf("%s %.2f deviates %.2f stddev from baseline %.2f", metric, v, z, base.Mean),
		})
	}
	return f
}

// severityOf maps |z| to severity. Callers only pass values at or above the
// configured threshold.
func severityOf(absZ float64) model.Severity {
	switch {
	case absZ >= 4:
		return model.SeverityCritical
	case absZ >= 3:
		return model.SeverityHigh
	case absZ >= 2.5:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (d *Detector) topCostResources(ctx context.Context, snapshotID string) ([]string, error) {
	nodes, err := d.snapshots.GetNodesAtSnapshot(ctx, snapshotID, store.NodeFilter{OrderBy: "costMonthly"})
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := len(nodes) - 1; i >= 0 && len(ids) < maxCostResources; i-- {
		if nodes[i].CostMonthly == nil || *nodes[i].CostMonthly == 0 {
			break
		}
		ids = append(ids, nodes[i].ID)
	}
	return ids, nil
}
