// Package engine assembles the runtime: graph store, discovery sources,
// reconciliation, temporal history, drift and anomaly analysis, risk
// scoring, policy evaluation and change governance, behind one handle the
// CLI and embedders use.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	gosync "sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratoform/cartograph/pkg/config"
	"github.com/stratoform/cartograph/pkg/engine/anomaly"
	"github.com/stratoform/cartograph/pkg/engine/drift"
	"github.com/stratoform/cartograph/pkg/engine/governance"
	"github.com/stratoform/cartograph/pkg/engine/policy"
	"github.com/stratoform/cartograph/pkg/engine/risk"
	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/engine/swarm"
	gsync "github.com/stratoform/cartograph/pkg/engine/sync"
	"github.com/stratoform/cartograph/pkg/engine/temporal"
	"github.com/stratoform/cartograph/pkg/metrics"
	"github.com/stratoform/cartograph/pkg/model"
	"github.com/stratoform/cartograph/pkg/storage"
	"github.com/stratoform/cartograph/pkg/store"
	"github.com/stratoform/cartograph/pkg/telemetry"
	"github.com/stratoform/cartograph/pkg/version"
)

// Engine is the runtime core.
type Engine struct {
	// Core components, exported for embedders that need direct access.
	Graph    store.Store
	Sources  *source.Registry
	Syncer   *gsync.Engine
	Temporal *temporal.Store
	Drift    *drift.Detector
	Anomaly  *anomaly.Detector
	Risk     *risk.Scorer
	Policy   policy.Evaluator
	Governor *governance.Governor
	Pool     *swarm.Engine
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *metrics.Set

	cfg        config.Config
	archive    storage.BlobStore
	registerer prometheus.Registerer
	applier    governance.Applier
	seeds      []source.Source
	now        func() time.Time

	runCtx          context.Context
	runCancel       context.CancelFunc
	shutdownTracing func(context.Context) error
	closeOnce       gosync.Once
}

// Option defines a functional configuration override.
type Option func(*Engine)

// WithConfig sets the full configuration document.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

// WithStore replaces the default in-memory graph store.
func WithStore(st store.Store) Option {
	return func(e *Engine) { e.Graph = st }
}

// WithSources registers discovery sources at construction.
func WithSources(srcs ...source.Source) Option {
	return func(e *Engine) { e.seeds = append(e.seeds, srcs...) }
}

// WithPolicyEvaluator overrides the config-driven policy backend.
func WithPolicyEvaluator(ev policy.Evaluator) Option {
	return func(e *Engine) { e.Policy = ev }
}

// WithApplier wires the governance execution backend.
func WithApplier(a governance.Applier) Option {
	return func(e *Engine) { e.applier = a }
}

// WithArchive overrides the config-driven snapshot archive backend.
func WithArchive(b storage.BlobStore) Option {
	return func(e *Engine) { e.archive = b }
}

// WithRegisterer sets where metrics register. Defaults to a private
// registry so two engines in one process never collide.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = r }
}

// WithClock injects a time source for tests. It threads through every
// component that stamps time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds and wires the engine. The returned engine owns a worker pool
// and a writer goroutine; callers must Close it.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:        config.Default(),
		Tracer:     otel.Tracer("cartograph/engine"),
		registerer: prometheus.NewRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.Logger == nil {
		e.Logger = newLogger(e.cfg)
	}
	slog.SetDefault(e.Logger)

	if !e.cfg.SkipTelemetry {
		shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, e.cfg.OtelEndpoint)
		if err != nil {
			e.Logger.Warn("Telemetry init failed", "error", err)
		} else {
			e.shutdownTracing = shutdown
		}
	}

	if e.archive == nil && e.cfg.Archive.Enabled {
		b, err := openArchive(ctx, e.cfg.Archive)
		if err != nil {
			return nil, err
		}
		e.archive = b
	}

	if e.Graph == nil {
		e.Graph = store.NewMemory()
	}
	e.Metrics = metrics.New(e.registerer)

	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	workers := e.cfg.Sync.MaxConcurrentSources
	if workers <= 0 {
		workers = config.Default().Sync.MaxConcurrentSources
	}
	e.Pool = swarm.NewEngine(workers)
	e.Pool.Start(e.runCtx)

	e.Sources = source.NewRegistry()
	for _, s := range e.seeds {
		e.Sources.Register(s)
	}

	e.Syncer = gsync.New(e.Graph, e.Sources,
		gsync.WithPool(e.Pool),
		gsync.WithMetrics(e.Metrics),
		gsync.WithClock(e.now),
	)

	topts := []temporal.Option{
		temporal.WithSerializer(e.Syncer),
		temporal.WithMetrics(e.Metrics),
		temporal.WithClock(e.now),
	}
	if e.archive != nil {
		topts = append(topts, temporal.WithArchive(e.archive))
	}
	e.Temporal = temporal.New(e.Graph, topts...)

	e.Drift = drift.New(e.Graph, e.Sources, drift.Config{
		SensitiveMetadataKeys: e.cfg.Drift.SensitiveMetadataKeys,
		PerSourceTimeout:      e.cfg.Sync.PerSourceTimeout,
		MaxConcurrentSources:  workers,
	}).WithClock(e.now)
	e.Anomaly = anomaly.New(e.Temporal).WithClock(e.now)
	e.Risk = risk.New(risk.Config{CriticalPatterns: e.cfg.Risk.CriticalPatterns}).WithClock(e.now)

	if e.Policy == nil {
		ev, err := e.buildPolicy()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Policy = ev
	}
	e.watchPolicyRules()

	gopts := []governance.Option{
		governance.WithMetrics(e.Metrics),
		governance.WithClock(e.now),
	}
	if e.applier != nil {
		gopts = append(gopts, governance.WithApplier(e.applier))
	}
	e.Governor = governance.New(e.Graph, e.Risk, e.Policy, gopts...)

	e.Logger.Info("Engine ready",
		"sources", len(e.Sources.All()),
		"workers", workers,
		"archive", e.archive != nil,
		"policy_mode", e.cfg.Policy.Mode,
	)
	return e, nil
}

// buildPolicy constructs the evaluator the configuration asks for.
func (e *Engine) buildPolicy() (policy.Evaluator, error) {
	pc := e.cfg.Policy
	if pc.Mode == "remote" {
		if pc.RemoteURL == "" {
			return nil, model.NewError(model.KindInvalidInput, "policy-config", "policy mode remote requires a remote_url")
		}
		return policy.NewRemote(policy.RemoteConfig{
			BaseURL:    pc.RemoteURL,
			PolicyPath: pc.RemotePath,
			Timeout:    pc.RemoteTimeout,
			FailMode:   policy.FailMode(pc.FailMode),
		}, policy.WithRemoteMetrics(e.Metrics)), nil
	}

	var rules []policy.Rule
	if pc.RulesFile != "" {
		loaded, err := policy.LoadRules(pc.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return policy.NewLocal(rules, policy.WithMetrics(e.Metrics))
}

// watchPolicyRules hot-reloads the local rule file when configured. The
// watcher lives until Close.
func (e *Engine) watchPolicyRules() {
	local, ok := e.Policy.(*policy.Local)
	if !ok || !e.cfg.Policy.WatchRules || e.cfg.Policy.RulesFile == "" {
		return
	}
	go func() {
		err := policy.WatchRules(e.runCtx, e.cfg.Policy.RulesFile, local)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.Logger.Warn("Policy rule watcher stopped", "error", err)
		}
	}()
}

// Close stops the watcher and worker pool, drains the writer and flushes
// telemetry. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.runCancel != nil {
			e.runCancel()
		}
		if e.Syncer != nil {
			e.Syncer.Close()
		}
		if e.Pool != nil {
			e.Pool.Stop()
		}
		if e.shutdownTracing != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = e.shutdownTracing(ctx)
		}
	})
	return err
}

// openArchive builds the blob backend the archive configuration points at:
// an "s3://bucket/prefix" target or a local directory.
func openArchive(ctx context.Context, ac config.ArchiveConfig) (storage.BlobStore, error) {
	if ac.S3URL != "" {
		target := strings.TrimPrefix(ac.S3URL, "s3://")
		parts := strings.SplitN(target, "/", 2)
		bucket := parts[0]
		if bucket == "" {
			return nil, model.NewError(model.KindInvalidInput, "archive-url", "invalid archive target %q", ac.S3URL)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, model.WrapError(model.KindPermanent, "archive-aws-config", err, "failed to load aws config for archive")
		}
		var b storage.BlobStore = storage.NewS3Store(awsCfg, bucket)
		if len(parts) > 1 {
			b = storage.WithPrefix(b, parts[1])
		}
		return b, nil
	}
	dir := ac.Dir
	if dir == "" {
		dir = config.DefaultArchiveDir
	}
	return storage.NewLocalStore(dir), nil
}

// newLogger builds the slog handler the configuration asks for. Every
// record passes the redaction hook.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactSensitiveData}
	if cfg.JSONLogs {
		return slog.New(slog.NewJSONHandler(os.Stdout, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	if model.IsSensitiveKey(a.Key) {
		return slog.Attr{Key: a.Key, Value: slog.StringValue(model.Redacted)}
	}
	return a
}
