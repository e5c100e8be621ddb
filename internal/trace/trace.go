package trace

import (
	"strings"
	"time"
)

// DefaultEnvironment is assigned to traces recorded without an environment.
const DefaultEnvironment = "default"

const (
	LevelDebug   = "DEBUG"
	LevelDefault = "DEFAULT"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

type Trace struct {
	ID          string
	Name        string
	Timestamp   time.Time
	Input       string
	Output      string
	UserID      string
	SessionID   string
	Environment string
	Release     string
	Version     string
	Level       string
	Tags        []string
	Model       string

	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// CostUSD and LatencySec are nil when the backend has not computed them.
	CostUSD       *float64
	InputCostUSD  float64
	OutputCostUSD float64
	LatencySec    *float64

	Observations      int
	ErrorCount        int
	WarningCount      int
	DefaultCount      int
	DebugCount        int
	NumericScores     map[string]float64
	CategoricalScores map[string]string

	Metadata    string
	IsFavorited bool
	// Pending marks a locally inserted placeholder that the backend has not
	// confirmed yet. It is never persisted.
	Pending bool

	CreatedAt time.Time
}

// EnvironmentOf returns the trace environment, falling back to
// DefaultEnvironment when it is unset.
func EnvironmentOf(item *Trace) string {
	if item == nil {
		return DefaultEnvironment
	}
	if env := strings.TrimSpace(item.Environment); env != "" {
		return env
	}
	return DefaultEnvironment
}

// Clone returns a deep copy so callers can hand out records without
// sharing slices or maps with the owner.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	if t.CostUSD != nil {
		cost := *t.CostUSD
		out.CostUSD = &cost
	}
	if t.LatencySec != nil {
		latency := *t.LatencySec
		out.LatencySec = &latency
	}
	if t.NumericScores != nil {
		out.NumericScores = make(map[string]float64, len(t.NumericScores))
		for k, v := range t.NumericScores {
			out.NumericScores[k] = v
		}
	}
	if t.CategoricalScores != nil {
		out.CategoricalScores = make(map[string]string, len(t.CategoricalScores))
		for k, v := range t.CategoricalScores {
			out.CategoricalScores[k] = v
		}
	}
	return &out
}

// Float64 returns a pointer to v for the nullable numeric fields.
func Float64(v float64) *float64 {
	return &v
}

// Comment is a free-form note attached to a trace or an observation.
type Comment struct {
	ID           string
	ObjectType   string
	ObjectID     string
	AuthorUserID string
	Content      string
	CreatedAt    time.Time
}

const (
	CommentObjectTrace       = "TRACE"
	CommentObjectObservation = "OBSERVATION"
)

// CreateRequest describes a trace to record. When Complete is set and
// Output is empty, the service runs a chat completion on Input first.
type CreateRequest struct {
	Name        string         `json:"name,omitempty"`
	Input       string         `json:"input"`
	Output      string         `json:"output,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Model       string         `json:"model,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Complete    bool           `json:"complete,omitempty"`
}
