package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS escrow_schema_migrations (
    name        TEXT PRIMARY KEY,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunMigrations executes the .sql files of migrationsDir in name order. Each
// file runs in its own transaction and is recorded so it is applied once.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if _, err := pool.Exec(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	var applied []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(migrationsDir, name))
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		ran, err := applyMigration(ctx, pool, name, strings.TrimSpace(string(data)))
		if err != nil {
			return applied, fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, name, sql string) (bool, error) {
	var ran bool
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		// serializes concurrent starters on the same database
		if _, err := tx.Exec(ctx, `LOCK TABLE escrow_schema_migrations IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_schema_migrations WHERE name = $1)`, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
		if sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO escrow_schema_migrations (name) VALUES ($1)`, name); err != nil {
			return err
		}
		ran = true
		return nil
	})
	return ran, err
}
