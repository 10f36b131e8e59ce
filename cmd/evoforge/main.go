package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evoforge/internal/config"
	"evoforge/internal/logging"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg    config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evoforge",
	Short: "evoforge - consensus-gated self-improvement engine",
	Long: `evoforge runs an autonomous improvement loop: candidate mutations are
generated, scored in isolated sandboxes, and deployed only after a quorum
of independent voters approves them. A chaos engine stresses the live
system and feeds resilience scores back into the same governance gate.

Run "evoforge daemon" to start the full loop, or use the one-shot
subcommands to drive individual stages.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("json-logs") {
			cfg.Logging.JSON = jsonLogs
		}

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.JSON)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $EVOFORGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", true, "emit JSON logs")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(chaosCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
