package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/tracedesk/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists traces and comments in a single SQLite file.
type SQLiteStore struct {
	sqlStore
	Path string
	// SQLite allows one writer at a time; writes are serialized so
	// concurrent ingest and API calls do not fight over the lock.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path}
	store.sqlStore = sqlStore{
		db:        db,
		withWrite: store.serializedWrite,
		timeArg:   sortableTime,
	}

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

// DB exposes the handle so sibling stores can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) serializedWrite(ctx context.Context, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return RetryBusy(ctx, fn)
}

func configureSQLite(db *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{`PRAGMA journal_mode = WAL;`, "enable sqlite WAL mode"},
		{`PRAGMA synchronous = NORMAL;`, "set sqlite synchronous mode"},
		{`PRAGMA busy_timeout = 5000;`, "set sqlite busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			return fmt.Errorf("%s: %w", p.what, err)
		}
	}
	return nil
}

const (
	busyMaxRetries     = 12
	busyInitialBackoff = 5 * time.Millisecond
	busyMaxBackoff     = 250 * time.Millisecond
)

// RetryBusy runs fn until it stops failing with SQLite lock contention, the
// retry budget is spent, or ctx ends. Backoff doubles up to busyMaxBackoff.
func RetryBusy(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isBusyError(err) || attempt >= busyMaxRetries {
			return err
		}

		wait := busyInitialBackoff << attempt
		if wait > busyMaxBackoff {
			wait = busyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isBusyError(err error) bool {
	return ClassifyWriteError(err) == WriteErrorClassContention
}
