package connections

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore persists connections in the llm_connections table of the trace
// database. Queries use ? placeholders and are renumbered for postgres.
type SQLStore struct {
	db       *sql.DB
	numbered bool
	now      func() time.Time
}

// NewSQLStore shares db with the trace store; driver is "sqlite" or
// "postgres".
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("connection store requires a database handle")
	}
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported connection store driver %q", driver)
	}
	return &SQLStore{
		db:       db,
		numbered: driver == "postgres",
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLStore) bind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const connectionColumns = `provider, adapter, base_url, secret_key, custom_models, extra_headers, with_default_models, updated_at`

func (s *SQLStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM llm_connections ORDER BY provider ASC`)
	if err != nil {
		return nil, fmt.Errorf("list llm connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list llm connections: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetConnection(ctx context.Context, provider string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+connectionColumns+` FROM llm_connections WHERE provider = ?`), strings.TrimSpace(provider))
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conn, err
}

func (s *SQLStore) UpsertConnection(ctx context.Context, conn Connection) (*Connection, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	models, err := json.Marshal(nonNilStrings(conn.CustomModels))
	if err != nil {
		return nil, fmt.Errorf("encode custom models: %w", err)
	}
	headers := conn.ExtraHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	encodedHeaders, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode extra headers: %w", err)
	}
	conn.UpdatedAt = s.now()

	var updatedAt any = conn.UpdatedAt
	if !s.numbered {
		updatedAt = conn.UpdatedAt.Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`INSERT INTO llm_connections (`+connectionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider) DO UPDATE SET
    adapter = excluded.adapter,
    base_url = excluded.base_url,
    secret_key = excluded.secret_key,
    custom_models = excluded.custom_models,
    extra_headers = excluded.extra_headers,
    with_default_models = excluded.with_default_models,
    updated_at = excluded.updated_at`),
		conn.Provider, conn.Adapter, conn.BaseURL, conn.SecretKey,
		string(models), string(encodedHeaders), conn.WithDefaultModels, updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert llm connection %q: %w", conn.Provider, err)
	}
	out := conn.clone()
	return &out, nil
}

func (s *SQLStore) DeleteConnection(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM llm_connections WHERE provider = ?`), strings.TrimSpace(provider))
	if err != nil {
		return fmt.Errorf("delete llm connection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete llm connection: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed inserts every connection that is not stored yet. Existing rows win
// so edits made through the API survive restarts.
func (s *SQLStore) Seed(ctx context.Context, items []Connection) error {
	for _, item := range items {
		if _, err := s.GetConnection(ctx, item.Provider); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := s.UpsertConnection(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var (
		conn      Connection
		models    string
		headers   string
		updatedAt any
	)
	if err := row.Scan(&conn.Provider, &conn.Adapter, &conn.BaseURL, &conn.SecretKey, &models, &headers, &conn.WithDefaultModels, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan llm connection: %w", err)
	}
	if strings.TrimSpace(models) != "" {
		if err := json.Unmarshal([]byte(models), &conn.CustomModels); err != nil {
			return nil, fmt.Errorf("decode custom models for %q: %w", conn.Provider, err)
		}
	}
	if strings.TrimSpace(headers) != "" {
		if err := json.Unmarshal([]byte(headers), &conn.ExtraHeaders); err != nil {
			return nil, fmt.Errorf("decode extra headers for %q: %w", conn.Provider, err)
		}
	}
	conn.UpdatedAt = scannedTime(updatedAt)
	return &conn, nil
}

func scannedTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseLooseTime(t)
	case []byte:
		return parseLooseTime(string(t))
	}
	return time.Time{}
}

func parseLooseTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
