package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
)

// migrationLockKey serialises concurrent api instances applying migrations.
const migrationLockKey = 727_001

// ApplyMigrations runs every *.up.sql file under dir that is not yet recorded
// in schema_migrations, in lexical order, each in its own transaction.
// It returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) ([]string, error) {
	return ApplyMigrationsFS(ctx, db, os.DirFS(dir), logger)
}

func ApplyMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := upMigrations(fsys)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("acquire migration conn: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return nil, classify(fmt.Errorf("lock migrations: %w", err))
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range files {
		migrated, err := isMigrated(ctx, conn, version)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}

		contents, err := fs.ReadFile(fsys, version)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := applyOne(ctx, conn, version, string(contents)); err != nil {
			return applied, err
		}
		logger.Info("migration applied", "version", version)
		applied = append(applied, version)
	}
	return applied, nil
}

func upMigrations(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".up.sql") {
			files = append(files, path.Base(name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func applyOne(ctx context.Context, conn *sql.Conn, version, contents string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin migration tx %s: %w", version, err))
	}
	if _, err := tx.ExecContext(ctx, contents); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit migration %s: %w", version, err))
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return classify(fmt.Errorf("ensure schema_migrations: %w", err))
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, version string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, classify(fmt.Errorf("check migration %s: %w", version, err))
	}
	return exists, nil
}
