package api

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/connections"
	"github.com/ongoingai/tracedesk/internal/trace"
)

// Trace is the wire form of a stored trace.
type Trace struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Timestamp         time.Time          `json:"timestamp"`
	Input             string             `json:"input"`
	Output            string             `json:"output"`
	UserID            string             `json:"user_id,omitempty"`
	SessionID         string             `json:"session_id,omitempty"`
	Environment       string             `json:"environment"`
	Release           string             `json:"release,omitempty"`
	Version           string             `json:"version,omitempty"`
	Level             string             `json:"level,omitempty"`
	Tags              []string           `json:"tags"`
	Model             string             `json:"model,omitempty"`
	InputTokens       int                `json:"input_tokens"`
	OutputTokens      int                `json:"output_tokens"`
	TotalTokens       int                `json:"total_tokens"`
	CostUSD           *float64           `json:"cost_usd"`
	InputCostUSD      float64            `json:"input_cost_usd"`
	OutputCostUSD     float64            `json:"output_cost_usd"`
	LatencySec        *float64           `json:"latency_sec"`
	Observations      int                `json:"observations"`
	ErrorCount        int                `json:"error_count"`
	WarningCount      int                `json:"warning_count"`
	DefaultCount      int                `json:"default_count"`
	DebugCount        int                `json:"debug_count"`
	NumericScores     map[string]float64 `json:"numeric_scores,omitempty"`
	CategoricalScores map[string]string  `json:"categorical_scores,omitempty"`
	Metadata          any                `json:"metadata,omitempty"`
	IsFavorited       bool               `json:"is_favorited"`
	CreatedAt         time.Time          `json:"created_at"`
}

type TracePage struct {
	Items      []Trace `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

type CreateTraceResponse struct {
	ID string `json:"id"`
}

type UpdateTraceRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type Comment struct {
	ID           string    `json:"id"`
	ObjectType   string    `json:"object_type"`
	ObjectID     string    `json:"object_id"`
	AuthorUserID string    `json:"author_user_id,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

type CommentList struct {
	Items []Comment `json:"items"`
}

// Connection never carries the secret key; SecretKeyPreview masks it.
type Connection struct {
	Provider          string    `json:"provider"`
	Adapter           string    `json:"adapter"`
	BaseURL           string    `json:"base_url,omitempty"`
	SecretKeyPreview  string    `json:"secret_key_preview"`
	CustomModels      []string  `json:"custom_models"`
	WithDefaultModels bool      `json:"with_default_models"`
	Models            []string  `json:"models"`
	ExtraHeaderNames  []string  `json:"extra_header_names,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type ConnectionList struct {
	Items []Connection `json:"items"`
}

type UpsertConnectionRequest struct {
	Provider          string            `json:"provider"`
	Adapter           string            `json:"adapter,omitempty"`
	BaseURL           string            `json:"base_url,omitempty"`
	SecretKey         string            `json:"secret_key"`
	CustomModels      []string          `json:"custom_models,omitempty"`
	WithDefaultModels bool              `json:"with_default_models,omitempty"`
	ExtraHeaders      map[string]string `json:"extra_headers,omitempty"`
}

func FromTrace(item *trace.Trace) Trace {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return Trace{
		ID:                item.ID,
		Name:              item.Name,
		Timestamp:         item.Timestamp,
		Input:             item.Input,
		Output:            item.Output,
		UserID:            item.UserID,
		SessionID:         item.SessionID,
		Environment:       trace.EnvironmentOf(item),
		Release:           item.Release,
		Version:           item.Version,
		Level:             item.Level,
		Tags:              tags,
		Model:             item.Model,
		InputTokens:       item.InputTokens,
		OutputTokens:      item.OutputTokens,
		TotalTokens:       item.TotalTokens,
		CostUSD:           item.CostUSD,
		InputCostUSD:      item.InputCostUSD,
		OutputCostUSD:     item.OutputCostUSD,
		LatencySec:        item.LatencySec,
		Observations:      item.Observations,
		ErrorCount:        item.ErrorCount,
		WarningCount:      item.WarningCount,
		DefaultCount:      item.DefaultCount,
		DebugCount:        item.DebugCount,
		NumericScores:     item.NumericScores,
		CategoricalScores: item.CategoricalScores,
		Metadata:          decodeJSONField(item.Metadata),
		IsFavorited:       item.IsFavorited,
		CreatedAt:         item.CreatedAt,
	}
}

// ToTrace converts the wire form back; metadata is re-encoded as JSON text.
func (t Trace) ToTrace() *trace.Trace {
	metadata := ""
	switch value := t.Metadata.(type) {
	case nil:
	case string:
		metadata = value
	default:
		if raw, err := json.Marshal(value); err == nil {
			metadata = string(raw)
		}
	}
	return &trace.Trace{
		ID:                t.ID,
		Name:              t.Name,
		Timestamp:         t.Timestamp,
		Input:             t.Input,
		Output:            t.Output,
		UserID:            t.UserID,
		SessionID:         t.SessionID,
		Environment:       t.Environment,
		Release:           t.Release,
		Version:           t.Version,
		Level:             t.Level,
		Tags:              t.Tags,
		Model:             t.Model,
		InputTokens:       t.InputTokens,
		OutputTokens:      t.OutputTokens,
		TotalTokens:       t.TotalTokens,
		CostUSD:           t.CostUSD,
		InputCostUSD:      t.InputCostUSD,
		OutputCostUSD:     t.OutputCostUSD,
		LatencySec:        t.LatencySec,
		Observations:      t.Observations,
		ErrorCount:        t.ErrorCount,
		WarningCount:      t.WarningCount,
		DefaultCount:      t.DefaultCount,
		DebugCount:        t.DebugCount,
		NumericScores:     t.NumericScores,
		CategoricalScores: t.CategoricalScores,
		Metadata:          metadata,
		IsFavorited:       t.IsFavorited,
		CreatedAt:         t.CreatedAt,
	}
}

func FromComment(c trace.Comment) Comment {
	return Comment{
		ID:           c.ID,
		ObjectType:   c.ObjectType,
		ObjectID:     c.ObjectID,
		AuthorUserID: c.AuthorUserID,
		Content:      c.Content,
		CreatedAt:    c.CreatedAt,
	}
}

func (c Comment) ToComment() trace.Comment {
	return trace.Comment{
		ID:           c.ID,
		ObjectType:   c.ObjectType,
		ObjectID:     c.ObjectID,
		AuthorUserID: c.AuthorUserID,
		Content:      c.Content,
		CreatedAt:    c.CreatedAt,
	}
}

func FromConnection(conn connections.Connection) Connection {
	custom := conn.CustomModels
	if custom == nil {
		custom = []string{}
	}
	headers := make([]string, 0, len(conn.ExtraHeaders))
	for name := range conn.ExtraHeaders {
		headers = append(headers, name)
	}
	sort.Strings(headers)
	return Connection{
		Provider:          conn.Provider,
		Adapter:           conn.Adapter,
		BaseURL:           conn.BaseURL,
		SecretKeyPreview:  conn.MaskedSecret(),
		CustomModels:      custom,
		WithDefaultModels: conn.WithDefaultModels,
		Models:            conn.Models(),
		ExtraHeaderNames:  headers,
		UpdatedAt:         conn.UpdatedAt,
	}
}

func (r UpsertConnectionRequest) connection() connections.Connection {
	return connections.Connection{
		Provider:          strings.TrimSpace(r.Provider),
		Adapter:           r.Adapter,
		BaseURL:           r.BaseURL,
		SecretKey:         r.SecretKey,
		CustomModels:      r.CustomModels,
		WithDefaultModels: r.WithDefaultModels,
		ExtraHeaders:      r.ExtraHeaders,
	}
}

func decodeJSONField(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}
