// Package cli provides the regiq command-line interface.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/logger"
)

var (
	// Version is set at build time via -ldflags "-X ...cli.Version=..."
	Version = "dev"

	cfgPath  string
	logLevel string

	cfg      config.Config
	log      *slog.Logger
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "regiq",
	Short: "Regulatory alert ingester",
	Long: `regiq pulls recalls, rules and notices from FDA, FSIS, EPA, CDC,
the Federal Register and Regulations.gov, normalizes them into one alert
table and tracks the health of every source.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		log, closeLog = logger.Setup(cfg.Log.Level, cfg.Log.File)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(migrateCmd)
}
