package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists traces and comments in Postgres through the pgx
// database/sql driver.
type PostgresStore struct {
	sqlStore
	DSN string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	if err := configurePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return &PostgresStore{
		DSN: dsn,
		sqlStore: sqlStore{
			db:        db,
			numbered:  true,
			withWrite: retryUniqueRace,
			timeArg:   nativeTime,
		},
	}, nil
}

// DB exposes the handle so sibling stores can share the pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func configurePostgres(db *sql.DB) error {
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// retryUniqueRace retries once when two writers upsert the same new id
// concurrently and one loses the insert race before ON CONFLICT applies.
func retryUniqueRace(_ context.Context, fn func() error) error {
	err := fn()
	if isPostgresUniqueViolation(err) {
		return fn()
	}
	return err
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
