package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rdcp/pkg/audit"
	"rdcp/pkg/control"
	"rdcp/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

type migration struct {
	name string
	sql  string
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := run(ctx, openDBFn, strings.TrimSpace(os.Getenv("RDCP_MIGRATIONS_DIR"))); err != nil {
		logFatalf("rdcp-migrate: %v", err)
	}
}

func run(ctx context.Context, openDB func(context.Context) (migratorDBCloser, error), extraDir string) error {
	migrations := builtinMigrations()
	if extraDir != "" {
		extra, err := loadMigrations(extraDir, nil, nil)
		if err != nil {
			return err
		}
		migrations = append(migrations, extra...)
	}
	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	_, err = runMigrations(ctx, pool, migrations, log.Printf)
	return err
}

// builtinMigrations are the tables rdcpd itself writes to.
func builtinMigrations() []migration {
	return []migration{
		{name: "0001_control_state", sql: control.Schema},
		{name: "0002_audit_records", sql: audit.Schema},
	}
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// loadMigrations reads operator-supplied *.sql files in name order.
func loadMigrations(dir string, readFile func(string) ([]byte, error), glob func(string) ([]string, error)) ([]migration, error) {
	if readFile == nil {
		// #nosec G304 -- path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	dir = filepath.Clean(dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	out := make([]migration, 0, len(files))
	for _, file := range files {
		clean, err := validateMigrationPath(dir, file)
		if err != nil {
			return nil, fmt.Errorf("invalid migration path: %s", file)
		}
		body, err := readFile(clean)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", clean, err)
		}
		out = append(out, migration{name: filepath.Base(clean), sql: string(body)})
	}
	return out, nil
}

// runMigrations applies each not yet recorded migration in its own
// transaction and returns how many were applied.
func runMigrations(ctx context.Context, db migrationDB, migrations []migration, logf func(format string, args ...any)) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("db required")
	}
	if logf == nil {
		logf = log.Printf
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rdcp_schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create rdcp_schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rdcp_schema_migrations WHERE name=$1)`, m.name).Scan(&exists); err != nil {
			return applied, fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO rdcp_schema_migrations(name) VALUES($1)`, m.name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("mark migration %s: %w", m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", m.name, err)
		}
		applied++
		logf("applied migration %s", m.name)
	}
	logf("rdcp-migrate: %d of %d migrations applied", applied, len(migrations))
	return applied, nil
}
