package filter

import (
	"testing"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	item := &trace.Trace{
		ID:                "tr_1",
		Name:              "Chat Completion",
		UserID:            "alice",
		Release:           "v2.0.1",
		Level:             trace.LevelWarning,
		Tags:              []string{"prod", "beta"},
		Timestamp:         time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		InputTokens:       100,
		OutputTokens:      50,
		TotalTokens:       150,
		ErrorCount:        2,
		LatencySec:        trace.Float64(1.25),
		CostUSD:           trace.Float64(0.01),
		NumericScores:     map[string]float64{"accuracy": 0.9, "recall": 0.4},
		CategoricalScores: map[string]string{"verdict": "pass"},
		Metadata:          `{"team":"search","nested":{"tier":"gold"}}`,
	}

	tests := []struct {
		name   string
		clause Clause
		want   bool
	}{
		{name: "name equals exact", clause: Clause{Column: ColumnName, Operator: OpEquals, Value: "Chat Completion"}, want: true},
		{name: "name equals is case sensitive", clause: Clause{Column: ColumnName, Operator: OpEquals, Value: "chat completion"}, want: false},
		{name: "name contains", clause: Clause{Column: ColumnName, Operator: OpContains, Value: "COMPLETION"}, want: true},
		{name: "user does not contain", clause: Clause{Column: ColumnUserID, Operator: OpNotContains, Value: "bob"}, want: true},
		{name: "release starts with", clause: Clause{Column: ColumnRelease, Operator: OpStartsWith, Value: "v2"}, want: true},
		{name: "release ends with", clause: Clause{Column: ColumnRelease, Operator: OpEndsWith, Value: ".0"}, want: false},
		{name: "metadata key", clause: Clause{Column: ColumnMetadata, Operator: OpEquals, Value: "search", MetaKey: "team"}, want: true},
		{name: "metadata nested key", clause: Clause{Column: ColumnMetadata, Operator: OpEquals, Value: "gold", MetaKey: "nested.tier"}, want: true},
		{name: "metadata missing key", clause: Clause{Column: ColumnMetadata, Operator: OpNotContains, Value: "x", MetaKey: "owner"}, want: false},
		{name: "tags any of", clause: Clause{Column: ColumnTags, Operator: OpAnyOf, Value: "dev, beta"}, want: true},
		{name: "tags none of", clause: Clause{Column: ColumnTags, Operator: OpNoneOf, Value: "dev"}, want: true},
		{name: "level any of", clause: Clause{Column: ColumnLevel, Operator: OpAnyOf, Value: "error,warning"}, want: true},
		{name: "id none of", clause: Clause{Column: ColumnID, Operator: OpNoneOf, Value: "tr_1"}, want: false},
		{name: "categorical score", clause: Clause{Column: ColumnCategoricalScores, Operator: OpAnyOf, Value: "pass"}, want: true},
		{name: "tokens", clause: Clause{Column: ColumnTokens, Operator: OpGreaterOrEqual, Value: "150"}, want: true},
		{name: "input tokens", clause: Clause{Column: ColumnInputTokens, Operator: OpLess, Value: "100"}, want: false},
		{name: "error count", clause: Clause{Column: ColumnErrorCount, Operator: OpGreater, Value: "1"}, want: true},
		{name: "latency", clause: Clause{Column: ColumnLatency, Operator: OpLessOrEqual, Value: "1.25"}, want: true},
		{name: "total cost", clause: Clause{Column: ColumnTotalCost, Operator: OpGreater, Value: "0.1"}, want: false},
		{name: "timestamp date", clause: Clause{Column: ColumnTimestamp, Operator: OpGreaterOrEqual, Value: "2026-05-01"}, want: true},
		{name: "timestamp rfc3339", clause: Clause{Column: ColumnTimestamp, Operator: OpLess, Value: "2026-04-30T00:00:00Z"}, want: false},
		{name: "numeric score any", clause: Clause{Column: ColumnNumericScores, Operator: OpLess, Value: "0.5"}, want: true},
		{name: "numeric score keyed", clause: Clause{Column: ColumnNumericScores, Operator: OpLess, Value: "0.5", MetaKey: "accuracy"}, want: false},
		{name: "unparseable number", clause: Clause{Column: ColumnLatency, Operator: OpGreater, Value: "fast"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Match(item, tt.clause); got != tt.want {
				t.Fatalf("Match(%s)=%t, want %t", tt.clause, got, tt.want)
			}
		})
	}
}

func TestMatchNullableColumnsNeverMatch(t *testing.T) {
	t.Parallel()

	item := &trace.Trace{ID: "tr_pending"}
	for _, clause := range []Clause{
		{Column: ColumnLatency, Operator: OpGreaterOrEqual, Value: "0"},
		{Column: ColumnTotalCost, Operator: OpLessOrEqual, Value: "100"},
	} {
		if Match(item, clause) {
			t.Fatalf("Match(%s) on nil value = true, want false", clause)
		}
	}
}

func TestClauseStageSkipsInactiveAndKeylessMetadata(t *testing.T) {
	t.Parallel()

	items := []*trace.Trace{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}
	stage := ClauseStage{Enabled: true}
	clauses := []Clause{
		{Column: ColumnName, Operator: OpEquals, Value: "  "},
		{Column: ColumnMetadata, Operator: OpEquals, Value: "v"},
	}
	if got := stage.Apply(items, clauses); len(got) != 2 {
		t.Fatalf("Apply() kept %d, want 2", len(got))
	}

	clauses = append(clauses, Clause{Column: ColumnName, Operator: OpEquals, Value: "y"})
	if got := stage.Apply(items, clauses); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("Apply()=%v, want [b]", got)
	}
}
