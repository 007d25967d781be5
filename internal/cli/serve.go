package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mxwashington/regiq-sub010/internal/api"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
)

var serveSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync and health API",
	Long: `Start the HTTP API:

  POST /sync     trigger a run ({"mode":"incremental","sources":["FDA"]})
  GET  /health   per-source health and overall status
  GET  /runs     recent per-source run records
  GET  /metrics  Prometheus metrics
  GET  /healthz  liveness

With --schedule an incremental run is also started every sync.interval.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", true, "run incremental syncs every sync.interval")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(&api.Handler{
			Sync:    a.orch,
			Health:  a.tracker,
			Runs:    a.store,
			Metrics: a.metrics.Handler(),
			Logger:  log,
		}, cfg.HTTP.WriteTimeout),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("regiq listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	schedDone := make(chan struct{})
	if serveSchedule {
		sched := orchestrator.NewScheduler(a.orch, orchestrator.Request{Mode: model.ModeIncremental}, log)
		go func() {
			defer close(schedDone)
			_ = sched.Run(ctx, cfg.Sync.Interval)
		}()
	} else {
		close(schedDone)
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}
	stop()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	<-schedDone
	drain(a.orch, cfg.Sync.RunTimeout+closeTimeout)
	return serveErr
}

// drain waits for in-flight runs so their records are finalized before the
// store closes. Runs stop on their own at sync.run_timeout.
func drain(o interface{ Wait(context.Context) error }, limit time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		log.Warn("in-flight sync runs did not finish before shutdown", "error", err)
	}
}
