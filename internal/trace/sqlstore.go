package trace

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore holds the queries shared by the SQLite and Postgres stores. The
// queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db       *sql.DB
	numbered bool
	// withWrite wraps every write. SQLite serializes and retries on
	// SQLITE_BUSY; Postgres runs fn directly.
	withWrite func(ctx context.Context, fn func() error) error
	// timeArg converts instants into the driver's storage representation.
	timeArg func(time.Time) any
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sortableTime renders a fixed-width UTC instant so text comparison matches
// chronological order.
func sortableTime(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func nativeTime(t time.Time) any {
	return t.UTC()
}

func (s *sqlStore) bind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
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

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const traceColumns = `id, name, timestamp, input, output, user_id, session_id, environment,
release_name, version_name, level, tags, model, input_tokens, output_tokens, total_tokens,
cost_usd, input_cost_usd, output_cost_usd, latency_sec, observation_count, error_count,
warning_count, default_count, debug_count, scores, metadata, is_favorited, created_at`

const upsertTraceSQL = `INSERT INTO traces (` + traceColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    timestamp = excluded.timestamp,
    input = excluded.input,
    output = excluded.output,
    user_id = excluded.user_id,
    session_id = excluded.session_id,
    environment = excluded.environment,
    release_name = excluded.release_name,
    version_name = excluded.version_name,
    level = excluded.level,
    tags = excluded.tags,
    model = excluded.model,
    input_tokens = excluded.input_tokens,
    output_tokens = excluded.output_tokens,
    total_tokens = excluded.total_tokens,
    cost_usd = excluded.cost_usd,
    input_cost_usd = excluded.input_cost_usd,
    output_cost_usd = excluded.output_cost_usd,
    latency_sec = excluded.latency_sec,
    observation_count = excluded.observation_count,
    error_count = excluded.error_count,
    warning_count = excluded.warning_count,
    default_count = excluded.default_count,
    debug_count = excluded.debug_count,
    scores = excluded.scores,
    metadata = excluded.metadata,
    is_favorited = excluded.is_favorited`

func (s *sqlStore) traceArgs(in *Trace) []any {
	row := normalizeTrace(in)
	return []any{
		row.ID,
		row.Name,
		s.timeArg(row.Timestamp),
		row.Input,
		row.Output,
		row.UserID,
		row.SessionID,
		row.Environment,
		row.Release,
		row.Version,
		row.Level,
		encodeTags(row.Tags),
		row.Model,
		row.InputTokens,
		row.OutputTokens,
		row.TotalTokens,
		nullableFloat(row.CostUSD),
		row.InputCostUSD,
		row.OutputCostUSD,
		nullableFloat(row.LatencySec),
		row.Observations,
		row.ErrorCount,
		row.WarningCount,
		row.DefaultCount,
		row.DebugCount,
		encodeScores(row.NumericScores, row.CategoricalScores),
		row.Metadata,
		row.IsFavorited,
		s.timeArg(row.CreatedAt),
	}
}

func (s *sqlStore) WriteTrace(ctx context.Context, item *Trace) error {
	if item == nil {
		return nil
	}
	args := s.traceArgs(item)
	err := s.withWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.bind(upsertTraceSQL), args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write trace %q: %w", item.ID, err)
	}
	return nil
}

func (s *sqlStore) WriteBatch(ctx context.Context, items []*Trace) error {
	if len(items) == 0 {
		return nil
	}
	err := s.withWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, s.bind(upsertTraceSQL))
		if err != nil {
			return fmt.Errorf("prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if item == nil {
				continue
			}
			if _, err := stmt.ExecContext(ctx, s.traceArgs(item)...); err != nil {
				return fmt.Errorf("insert trace %q: %w", item.ID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("write trace batch: %w", err)
	}
	return nil
}

func (s *sqlStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, s.bind("SELECT "+traceColumns+" FROM traces WHERE id = ?"), id)
	item, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

func (s *sqlStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := clampLimit(filter.Limit)

	where, args, err := s.traceWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)
	query := "SELECT " + traceColumns + " FROM traces WHERE " + where + " ORDER BY created_at DESC, id DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	result := &TraceResult{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		last := result.Items[limit-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func (s *sqlStore) traceWhere(filter TraceFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, values ...any) {
		where = append(where, clause)
		args = append(args, values...)
	}

	if env := strings.TrimSpace(filter.Environment); env != "" {
		add("environment = ?", env)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.SessionID != "" {
		add("session_id = ?", filter.SessionID)
	}
	if !filter.From.IsZero() {
		add("timestamp >= ?", s.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		add("timestamp <= ?", s.timeArg(filter.To))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		at := s.timeArg(createdAt)
		add("(created_at < ? OR (created_at = ? AND id < ?))", at, at, id)
	}

	if len(where) == 0 {
		return "1=1", nil, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func (s *sqlStore) MergeTraceMetadata(ctx context.Context, id string, patch map[string]any) (*Trace, error) {
	err := s.withWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin metadata transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var current string
		err = tx.QueryRowContext(ctx, s.bind("SELECT metadata FROM traces WHERE id = ?"), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}

		merged, err := MergeMetadata(current, patch)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.bind("UPDATE traces SET metadata = ? WHERE id = ?"), merged, id); err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("merge metadata for trace %q: %w", id, err)
	}
	return s.GetTrace(ctx, id)
}

func (s *sqlStore) DeleteTrace(ctx context.Context, id string) error {
	err := s.withWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		res, err := tx.ExecContext(ctx, s.bind("DELETE FROM traces WHERE id = ?"), id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.bind("DELETE FROM comments WHERE object_type = ? AND object_id = ?"), CommentObjectTrace, id); err != nil {
			return fmt.Errorf("delete trace comments: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete trace %q: %w", id, err)
	}
	return nil
}

func (s *sqlStore) CountTraces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *sqlStore) ListComments(ctx context.Context, objectType, objectID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
SELECT id, object_type, object_id, author_user_id, content, created_at
FROM comments
WHERE object_type = ? AND object_id = ?
ORDER BY created_at ASC, id ASC`), objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var (
			c         Comment
			createdAt dbTime
		)
		if err := rows.Scan(&c.ID, &c.ObjectType, &c.ObjectID, &c.AuthorUserID, &c.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan comment row: %w", err)
		}
		c.CreatedAt = createdAt.Time
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CreateComment(ctx context.Context, comment Comment) (*Comment, error) {
	comment.Content = strings.TrimSpace(comment.Content)
	if comment.Content == "" {
		return nil, fmt.Errorf("comment content cannot be empty")
	}
	if comment.ObjectType != CommentObjectTrace && comment.ObjectType != CommentObjectObservation {
		return nil, fmt.Errorf("unsupported comment object type %q", comment.ObjectType)
	}
	if strings.TrimSpace(comment.ObjectID) == "" {
		return nil, fmt.Errorf("comment object id cannot be empty")
	}
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}

	err := s.withWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.bind(`
INSERT INTO comments (id, object_type, object_id, author_user_id, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			comment.ID, comment.ObjectType, comment.ObjectID, comment.AuthorUserID, comment.Content, s.timeArg(comment.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	comment.CreatedAt = comment.CreatedAt.UTC()
	return &comment, nil
}

func (s *sqlStore) DeleteComment(ctx context.Context, id string) error {
	var affected int64
	err := s.withWrite(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.bind("DELETE FROM comments WHERE id = ?"), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete comment %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(scanner rowScanner) (*Trace, error) {
	var (
		item                Trace
		timestamp, created  dbTime
		tags, scores        string
		cost, latency       sql.NullFloat64
		release, versionTag string
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Name,
		&timestamp,
		&item.Input,
		&item.Output,
		&item.UserID,
		&item.SessionID,
		&item.Environment,
		&release,
		&versionTag,
		&item.Level,
		&tags,
		&item.Model,
		&item.InputTokens,
		&item.OutputTokens,
		&item.TotalTokens,
		&cost,
		&item.InputCostUSD,
		&item.OutputCostUSD,
		&latency,
		&item.Observations,
		&item.ErrorCount,
		&item.WarningCount,
		&item.DefaultCount,
		&item.DebugCount,
		&scores,
		&item.Metadata,
		&item.IsFavorited,
		&created,
	); err != nil {
		return nil, err
	}

	item.Timestamp = timestamp.Time
	item.CreatedAt = created.Time
	item.Release = release
	item.Version = versionTag
	item.Tags = decodeTags(tags)
	item.NumericScores, item.CategoricalScores = decodeScores(scores)
	if cost.Valid {
		item.CostUSD = Float64(cost.Float64)
	}
	if latency.Valid {
		item.LatencySec = Float64(latency.Float64)
	}
	return &item, nil
}

// normalizeTrace fills defaults before a trace is persisted. The input is
// not modified.
func normalizeTrace(in *Trace) *Trace {
	out := in.Clone()
	now := time.Now().UTC()
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.Environment = EnvironmentOf(out)
	if out.Level == "" {
		out.Level = LevelDefault
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	out.Pending = false
	return out
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// dbTime scans instants stored either natively (Postgres) or as text
// (SQLite).
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		parsed, err := parseStoredTime(v)
		t.Time = parsed
		return err
	case []byte:
		parsed, err := parseStoredTime(string(v))
		t.Time = parsed
		return err
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func parseStoredTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		sqliteTimeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	// CURRENT_TIMESTAMP defaults carry no zone and are UTC.
	if parsed, err := time.ParseInLocation("2006-01-02 15:04:05", value, time.UTC); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("unsupported stored time format %q", value)
}

func encodeCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: not base64", ErrInvalidCursor)
	}
	at, id, ok := strings.Cut(string(payload), "|")
	if !ok || strings.TrimSpace(id) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return createdAt.UTC(), id, nil
}
