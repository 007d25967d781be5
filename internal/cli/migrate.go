package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mxwashington/regiq-sub010/internal/store"
)

var migratePrint bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	Long: `Create the alerts, sync_run_logs, source_health and source_cursors
tables. Safe to run repeatedly. --print writes the SQL to stdout instead.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migratePrint, "print", false, "print the schema instead of applying it")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migratePrint {
		_, err := fmt.Fprint(cmd.OutOrStdout(), store.Schema())
		return err
	}
	if cfg.Store.Driver != "postgres" {
		return errors.New("migrate needs store.driver postgres (set DATABASE_URL)")
	}
	ctx := cmd.Context()
	pg, err := store.NewPostgres(ctx, store.PostgresConfig{DSN: cfg.Store.DSN, MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns})
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.InfoContext(ctx, "schema applied")
	return nil
}
