package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"TablePay/internal/config"
	"TablePay/internal/db"
	"TablePay/internal/logger"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	lg := logger.New("tablepay-migrate", logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		lg.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	applied, err := migrate(ctx, pool, dir)
	if err != nil {
		lg.Fatal().Err(err).Msg("migrate failed")
	}
	for _, f := range applied {
		lg.Info().Str("file", f).Msg("applied migration")
	}
	lg.Info().Int("applied", len(applied)).Msg("schema up to date")
}

// migrate applies every pending .sql file in dir, each in its own
// transaction together with its schema_migrations row.
func migrate(ctx context.Context, pool *db.Pool, dir string) ([]string, error) {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return nil, errors.Wrap(err, "ensure schema_migrations")
	}

	files, err := listSQLFiles(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}

	var applied []string
	for _, file := range files {
		name := filepath.Base(file)
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return applied, errors.Wrapf(err, "check %s", name)
		}
		if exists {
			continue
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return applied, errors.Wrapf(err, "read %s", name)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if sql := strings.TrimSpace(string(data)); sql != "" {
				if _, err := tx.Exec(ctx, sql); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return applied, errors.Wrapf(err, "apply %s", name)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
