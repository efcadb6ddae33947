package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mat-shur/picpool/internal/logger"
	"github.com/mat-shur/picpool/internal/storage/migrations"
	pgstore "github.com/mat-shur/picpool/internal/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply the embedded Postgres and ClickHouse migrations to the databases
named by storage.postgres_dsn and storage.clickhouse_dsn. Migrations are
idempotent; serve also applies them on start.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, log, err := setup(ctx)
	if err != nil {
		return err
	}
	entry := logger.WithComponent(log, "migrate")

	if cfg.Storage.PostgresDSN == "" && cfg.Storage.ClickhouseDSN == "" {
		return fmt.Errorf("no database configured")
	}

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pool, err := pgstore.NewPool(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := migrations.RunPostgres(ctx, pool, entry); err != nil {
			return err
		}
		printf(cmd, "postgres: up to date\n")
	}

	if dsn := cfg.Storage.ClickhouseDSN; dsn != "" {
		conn, err := migrations.RunClickhouse(ctx, dsn, entry)
		if err != nil {
			return err
		}
		defer conn.Close()
		printf(cmd, "clickhouse: up to date\n")
	}
	return nil
}
