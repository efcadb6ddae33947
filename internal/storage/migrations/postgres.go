package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/storage/postgres"
)

// RunPostgres applies all embedded Postgres files in lexical order.
// Files are idempotent and rerun on every start.
func RunPostgres(ctx context.Context, pool *postgres.Pool, log *logrus.Entry) error {
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, file := range files {
		data, err := fs.ReadFile(PostgresFS, "postgres/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		log.WithField("file", file).Info("postgres migration applied")
	}

	return nil
}
