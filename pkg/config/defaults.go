package config

import "time"

// Defaults.
const (
	DefaultSyncInterval = 5 * time.Minute
	DefaultArchiveDir   = ".cartograph/snapshots"
)

// Default returns the stock configuration. The grace period defaults to
// two sync intervals so a single missed cycle never terminates a node.
func Default() Config {
	return Config{
		LogLevel: "info",
		JSONLogs: true,
		Sync: SyncConfig{
			Interval:             DefaultSyncInterval,
			GracePeriod:          2 * DefaultSyncInterval,
			MaxConcurrentSources: 4,
			PerSourceTimeout:     2 * time.Minute,
		},
		Archive: ArchiveConfig{
			Dir: DefaultArchiveDir,
		},
		Retention: RetentionConfig{
			MaxSnapshots: 500,
		},
		Policy: PolicyConfig{
			Mode:          "local",
			FailMode:      "closed",
			RemoteTimeout: 10 * time.Second,
		},
		Anomaly: AnomalyConfig{
			ZScoreThreshold: 2.0,
			MinSnapshots:    5,
		},
		Providers: ProvidersConfig{
			Mock: MockProviderConfig{
				Seed:      42,
				FleetSize: 25,
			},
		},
	}
}
