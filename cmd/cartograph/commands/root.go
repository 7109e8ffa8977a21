package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stratoform/cartograph/pkg/config"
	"github.com/stratoform/cartograph/pkg/engine"
	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/providers/k8s"
	"github.com/stratoform/cartograph/pkg/providers/mock"
	"github.com/stratoform/cartograph/pkg/providers/terraform"
	"github.com/stratoform/cartograph/pkg/version"
)

var (
	cfgFile  string
	cfg      = config.Default()
	jsonOut  bool
	mockMode bool
)

var rootCmd = &cobra.Command{
	Use:   "cartograph",
	Short: "Infrastructure Knowledge Graph",
	Long: `Cartograph - Multi-Cloud Infrastructure Knowledge Graph

Discover. Reconcile. Remember.`,
	Version: version.Current,
	// Run: nil (Forces help output).
	Run: nil,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent Flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.cartograph.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("archive-dir", "", "Local snapshot archive directory")
	rootCmd.PersistentFlags().String("archive-s3", "", "Snapshot archive S3 URL (s3://bucket/prefix)")
	rootCmd.PersistentFlags().String("rules", "", "Policy rules file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON instead of tables")

	// Hidden Flags
	rootCmd.PersistentFlags().BoolVar(&mockMode, "mock", false, "Run against the synthetic demo fleet")
	rootCmd.PersistentFlags().MarkHidden("mock")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(neighborsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(changeCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.SetConfigFile(filepath.Join(home, ".cartograph.yaml"))
			viper.SetConfigType("yaml")
		}
	}
	viper.SetEnvPrefix("CARTOGRAPH")
	viper.AutomaticEnv()
	viper.ReadInConfig()
	viper.Unmarshal(&cfg)
	applyOverrides()
}

// applyOverrides re-applies command-line flags over whatever the config file
// said. Flags win; the file wins over defaults.
func applyOverrides() {
	rootCmd.PersistentFlags().Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "log-level":
			cfg.LogLevel = fl.Value.String()
		case "archive-dir":
			cfg.Archive.Enabled = true
			cfg.Archive.Dir = fl.Value.String()
		case "archive-s3":
			cfg.Archive.Enabled = true
			cfg.Archive.S3URL = fl.Value.String()
		case "rules":
			cfg.Policy.RulesFile = fl.Value.String()
		}
	})
	if mockMode {
		cfg.Providers.Mock.Enabled = true
	}
}

// buildEngine wires an engine from the resolved configuration and hydrates
// it from the archive. Callers own the engine and must Close it.
func buildEngine(ctx context.Context) (*engine.Engine, error) {
	srcs, err := buildSources()
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ctx,
		engine.WithConfig(cfg),
		engine.WithSources(srcs...),
	)
	if err != nil {
		return nil, err
	}
	if err := eng.Hydrate(ctx); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

func buildSources() ([]source.Source, error) {
	var srcs []source.Source
	p := cfg.Providers
	if p.Mock.Enabled {
		srcs = append(srcs, mock.New(
			mock.WithSeed(p.Mock.Seed),
			mock.WithFleetSize(p.Mock.FleetSize),
		))
	}
	if len(p.Terraform.Dirs) > 0 {
		srcs = append(srcs, terraform.New(p.Terraform.Dirs))
	}
	if p.Kubernetes.Enabled {
		cs, err := k8s.NewClientset(p.Kubernetes.Kubeconfig, p.Kubernetes.Context)
		if err != nil {
			return nil, err
		}
		cluster := p.Kubernetes.Context
		if cluster == "" {
			cluster = "in-cluster"
		}
		srcs = append(srcs, k8s.New(cs, cluster))
	}
	return srcs, nil
}

func exitErr(err error) {
	fmt.Printf("\n[ERROR] %v\n", err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitErr(err)
	}
}
