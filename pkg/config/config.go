// Package config defines the file-facing configuration surface. The CLI
// binds these structs through viper; the engine consumes them as-is.
package config

import "time"

// Config is the root configuration document.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// JSONLogs switches the slog handler to JSON output.
	JSONLogs bool `mapstructure:"json_logs" yaml:"json_logs"`

	// OtelEndpoint is the OTLP HTTP endpoint, e.g. "http://localhost:4318".
	// Empty discards spans.
	OtelEndpoint string `mapstructure:"otel_endpoint" yaml:"otel_endpoint"`
	// SkipTelemetry disables tracer installation entirely. Set it when
	// embedding in an app that already owns the global tracer provider.
	SkipTelemetry bool `mapstructure:"skip_telemetry" yaml:"skip_telemetry"`

	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Risk      RiskConfig      `mapstructure:"risk" yaml:"risk"`
	Drift     DriftConfig     `mapstructure:"drift" yaml:"drift"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly" yaml:"anomaly"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
}

// SyncConfig tunes reconciliation cycles.
type SyncConfig struct {
	// Providers enables a subset of registered sources; empty means all.
	Providers []string `mapstructure:"providers" yaml:"providers"`
	// Interval is the expected cadence between cycles. It sizes the
	// default disappearance grace period.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// GracePeriod is how long a node may go unseen before it is marked
	// terminated. Zero means immediately.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	// MaxConcurrentSources bounds the discovery fan-out.
	MaxConcurrentSources int `mapstructure:"max_concurrent_sources" yaml:"max_concurrent_sources"`
	// PerSourceTimeout cancels a source that runs too long.
	PerSourceTimeout time.Duration `mapstructure:"per_source_timeout" yaml:"per_source_timeout"`
}

// ArchiveConfig selects where snapshot blobs persist.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Dir is the local archive root.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// S3URL overrides Dir with an "s3://bucket/prefix" target.
	S3URL string `mapstructure:"s3_url" yaml:"s3_url"`
}

// RetentionConfig bounds the snapshot series. Zero values disable a bound.
type RetentionConfig struct {
	MaxSnapshots int           `mapstructure:"max_snapshots" yaml:"max_snapshots"`
	MaxAge       time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// PolicyConfig selects and tunes the policy backend.
type PolicyConfig struct {
	// Mode is "local" or "remote".
	Mode string `mapstructure:"mode" yaml:"mode"`
	// RulesFile is the YAML rule document for the local backend.
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file"`
	// WatchRules hot-reloads RulesFile on change.
	WatchRules bool `mapstructure:"watch_rules" yaml:"watch_rules"`
	// RemoteURL and RemotePath address the remote policy service:
	// POST {RemoteURL}/{RemotePath}.
	RemoteURL  string `mapstructure:"remote_url" yaml:"remote_url"`
	RemotePath string `mapstructure:"remote_path" yaml:"remote_path"`
	// FailMode is "open" or "closed" and governs backend loss.
	FailMode string `mapstructure:"fail_mode" yaml:"fail_mode"`
	// RemoteTimeout bounds one remote evaluation.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
}

// RiskConfig carries the operator-tunable part of risk scoring. The full
// scoring tables live with the scorer; these are the values deployments
// actually override.
type RiskConfig struct {
	// CriticalPatterns are shell-style globs over resource names.
	CriticalPatterns []string `mapstructure:"critical_patterns" yaml:"critical_patterns"`
}

// DriftConfig tunes drift classification.
type DriftConfig struct {
	// SensitiveMetadataKeys are metadata keys whose change is always
	// critical. Empty falls back to the shipped defaults.
	SensitiveMetadataKeys []string `mapstructure:"sensitive_metadata_keys" yaml:"sensitive_metadata_keys"`
}

// AnomalyConfig tunes statistical detection.
type AnomalyConfig struct {
	ZScoreThreshold float64 `mapstructure:"z_score_threshold" yaml:"z_score_threshold"`
	MinSnapshots    int     `mapstructure:"min_snapshots" yaml:"min_snapshots"`
	RollingWindow   int     `mapstructure:"rolling_window" yaml:"rolling_window"`
}

// ProvidersConfig wires the bundled discovery sources.
type ProvidersConfig struct {
	Terraform  TerraformProviderConfig  `mapstructure:"terraform" yaml:"terraform"`
	Kubernetes KubernetesProviderConfig `mapstructure:"kubernetes" yaml:"kubernetes"`
	Mock       MockProviderConfig       `mapstructure:"mock" yaml:"mock"`
}

// TerraformProviderConfig points the config-scan source at HCL roots.
type TerraformProviderConfig struct {
	Dirs []string `mapstructure:"dirs" yaml:"dirs"`
}

// KubernetesProviderConfig selects the cluster to discover.
type KubernetesProviderConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Kubeconfig string `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	Context    string `mapstructure:"context" yaml:"context"`
}

// MockProviderConfig drives the synthetic fleet used for demos and tests.
type MockProviderConfig struct {
	Enabled   bool  `mapstructure:"enabled" yaml:"enabled"`
	Seed      int64 `mapstructure:"seed" yaml:"seed"`
	FleetSize int   `mapstructure:"fleet_size" yaml:"fleet_size"`
}
