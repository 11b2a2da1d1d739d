package main

import (
	"fmt"
	"os"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "invrecon",
	Short: "invrecon - inventory change reconciliation for hotel channels",
	Long: `invrecon reads the reservation audit log, finds changes that affect room
inventory but were never announced to the distribution channels, and asks
the channel service to recompute inventory for the affected date ranges.

It runs as a long-lived service with several overlapping cadences, or as a
one-shot command for ad hoc windows and investigations.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"invrecon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory of the local state database")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("invrecon %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads the config file, applies the global flags and
// initializes logging. Logs go to stderr so command output stays clean.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Store.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)
	log.Logger.Debug().Interface("config", cfg.Redacted()).Msg("Configuration loaded")
	return cfg, nil
}
