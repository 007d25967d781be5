package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
)

var (
	syncMode     string
	syncSources  []string
	syncOnce     bool
	syncInterval string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync from the command line",
	Long: `Fetch, normalize, deduplicate and persist alerts.

Examples:
  regiq sync
  regiq sync --mode backfill --source FDA --source FSIS
  regiq sync --once=false --interval 30m`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVarP(&syncMode, "mode", "m", string(model.ModeIncremental), "incremental or backfill")
	syncCmd.Flags().StringSliceVarP(&syncSources, "source", "s", nil, "source names (default: all)")
	syncCmd.Flags().BoolVar(&syncOnce, "once", true, "run a single sync and print its summary")
	syncCmd.Flags().StringVar(&syncInterval, "interval", "", "scheduler interval when --once=false (default sync.interval)")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	req := orchestrator.Request{Mode: model.Mode(syncMode), Sources: syncSources}
	if !syncOnce {
		interval := cfg.Sync.Interval
		if syncInterval != "" {
			if interval, err = parseDuration(syncInterval); err != nil {
				return err
			}
		}
		if _, _, err := a.orch.Resolve(req); err != nil {
			return err
		}
		return orchestrator.NewScheduler(a.orch, req, log).Run(ctx, interval)
	}

	sum, err := a.orch.RunSync(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
