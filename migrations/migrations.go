package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

type dialect struct {
	ledgerDDL string
	claimSQL  string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claimSQL: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		ledgerDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claimSQL: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

// Files returns the embedded migration names for driver in apply order.
func Files(driver string) ([]string, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every embedded migration for driver that has not been recorded
// in schema_migrations. Each file runs in its own transaction together with
// its ledger row.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	names, err := Files(driver)
	if err != nil {
		return err
	}
	d := dialects[strings.ToLower(strings.TrimSpace(driver))]

	if _, err := db.ExecContext(ctx, d.ledgerDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	for _, name := range names {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, d, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, d dialect, name, statement string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, d.claimSQL, name)
	if err != nil {
		return fmt.Errorf("claim migration: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read claim row count: %w", err)
	}
	if claimed == 0 {
		// Another process (or an earlier run) already applied it.
		return tx.Rollback()
	}

	if _, err = tx.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
