package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleTraces() []*trace.Trace {
	return []*trace.Trace{
		{ID: "tr_a", Name: "Chat Completion", Environment: "prod", Timestamp: t0.Add(-2 * time.Hour), Input: "translate hello", UserID: "alice"},
		{ID: "tr_b", Name: "embedding", Environment: "staging", Timestamp: t0.Add(-time.Hour), Output: "vector ready"},
		{ID: "tr_c", Name: "summarize", Environment: "", Timestamp: t0, Metadata: `{"team":"search"}`},
		{ID: "chat-42", Name: "retry", Environment: "prod", Timestamp: t0.Add(time.Hour), SessionID: "sess-9"},
	}
}

func ids(items []*trace.Trace) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item.ID
	}
	return out
}

func TestSearchModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		mode  SearchMode
		want  string
	}{
		{name: "blank passes through", query: "   ", mode: SearchIDsNames, want: "tr_a,tr_b,tr_c,chat-42"},
		{name: "id or name case-insensitive", query: "CHAT", mode: SearchIDsNames, want: "tr_a,chat-42"},
		{name: "names mode skips input", query: "hello", mode: SearchIDsNames, want: ""},
		{name: "full text input", query: "hello", mode: SearchFullText, want: "tr_a"},
		{name: "full text output", query: "vector", mode: SearchFullText, want: "tr_b"},
		{name: "full text metadata", query: "search", mode: SearchFullText, want: "tr_c"},
		{name: "full text default env", query: "default", mode: SearchFullText, want: "tr_c"},
		{name: "full text session", query: "sess-9", mode: SearchFullText, want: "chat-42"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ids(Search(sampleTraces(), tt.query, tt.mode)); got != tt.want {
				t.Fatalf("Search(%q, %q)=%q, want %q", tt.query, tt.mode, got, tt.want)
			}
		})
	}
}

func TestByEnvironment(t *testing.T) {
	t.Parallel()

	items := sampleTraces()
	if got := ids(ByEnvironment(items, nil)); got != "tr_a,tr_b,tr_c,chat-42" {
		t.Fatalf("empty selection=%q, want everything", got)
	}
	if got := ids(ByEnvironment(items, []string{"prod"})); got != "tr_a,chat-42" {
		t.Fatalf("prod=%q", got)
	}
	if got := ids(ByEnvironment(items, []string{"default", "staging"})); got != "tr_b,tr_c" {
		t.Fatalf("default+staging=%q", got)
	}
}

func TestByTimeRangeBoundsAreExclusive(t *testing.T) {
	t.Parallel()

	start := t0.Add(-time.Hour)
	end := t0.Add(time.Hour)
	items := []*trace.Trace{
		{ID: "at-start", Timestamp: start},
		{ID: "inside", Timestamp: t0},
		{ID: "at-end", Timestamp: end},
		{ID: "before", Timestamp: start.Add(-time.Nanosecond)},
	}

	if got := ids(ByTimeRange(items, TimeRange{Start: start, End: end})); got != "inside" {
		t.Fatalf("ByTimeRange()=%q, want inside", got)
	}
	if got := ids(ByTimeRange(items, TimeRange{Start: start})); got != "at-start,inside,at-end,before" {
		t.Fatalf("missing end bound should be a no-op, got %q", got)
	}
	if got := ids(ByTimeRange(items, TimeRange{End: end})); got != "at-start,inside,at-end,before" {
		t.Fatalf("missing start bound should be a no-op, got %q", got)
	}
}

func TestPipelineAppliesStagesInOrder(t *testing.T) {
	t.Parallel()

	in := Inputs{
		Query:        "chat",
		Mode:         SearchIDsNames,
		Environments: []string{"prod"},
		Range:        TimeRange{Start: t0.Add(-3 * time.Hour), End: t0.Add(30 * time.Minute)},
	}
	if got := ids(Pipeline{}.Apply(sampleTraces(), in)); got != "tr_a" {
		t.Fatalf("Apply()=%q, want tr_a", got)
	}
}

func TestPipelineClauseStageDisabledByDefault(t *testing.T) {
	t.Parallel()

	in := Inputs{Clauses: []Clause{{Column: ColumnName, Operator: OpEquals, Value: "embedding"}}}
	if got := ids(Pipeline{}.Apply(sampleTraces(), in)); got != "tr_a,tr_b,tr_c,chat-42" {
		t.Fatalf("disabled clause stage filtered records: %q", got)
	}
	enabled := Pipeline{Clauses: ClauseStage{Enabled: true}}
	if got := ids(enabled.Apply(sampleTraces(), in)); got != "tr_b" {
		t.Fatalf("enabled clause stage=%q, want tr_b", got)
	}
}

func genTrace(t *rapid.T, i int) *trace.Trace {
	return &trace.Trace{
		ID:          fmt.Sprintf("tr_%d", i),
		Name:        rapid.SampledFrom([]string{"chat", "Chat", "embed", "summarize", ""}).Draw(t, "name"),
		Input:       rapid.SampledFrom([]string{"hello", "world", ""}).Draw(t, "input"),
		Environment: rapid.SampledFrom([]string{"", "prod", "staging", "dev"}).Draw(t, "env"),
		Timestamp:   t0.Add(time.Duration(rapid.IntRange(-10, 10).Draw(t, "offset")) * time.Minute),
	}
}

func TestPropertyPipelineEqualsIntersectionOfStages(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		items := make([]*trace.Trace, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, genTrace(t, i))
		}
		in := Inputs{
			Query:        rapid.SampledFrom([]string{"", "chat", "hel", "tr_1", "zzz"}).Draw(t, "query"),
			Mode:         rapid.SampledFrom(SearchModes()).Draw(t, "mode"),
			Environments: rapid.SliceOfDistinct(rapid.SampledFrom([]string{"default", "prod", "staging", "dev"}), func(s string) string { return s }).Draw(t, "envs"),
		}
		if rapid.Bool().Draw(t, "ranged") {
			lo := rapid.IntRange(-12, 12).Draw(t, "lo")
			hi := rapid.IntRange(lo, 12).Draw(t, "hi")
			in.Range = TimeRange{Start: t0.Add(time.Duration(lo) * time.Minute), End: t0.Add(time.Duration(hi) * time.Minute)}
		}

		got := Pipeline{}.Apply(items, in)

		member := func(sub []*trace.Trace) map[string]bool {
			set := make(map[string]bool, len(sub))
			for _, item := range sub {
				set[item.ID] = true
			}
			return set
		}
		s := member(Search(items, in.Query, in.Mode))
		e := member(ByEnvironment(items, in.Environments))
		r := member(ByTimeRange(items, in.Range))

		want := make([]*trace.Trace, 0, len(items))
		for _, item := range items {
			if s[item.ID] && e[item.ID] && r[item.ID] {
				want = append(want, item)
			}
		}
		if ids(got) != ids(want) {
			t.Fatalf("pipeline=%q, intersection=%q", ids(got), ids(want))
		}
	})
}

func TestPropertyEmptyEnvironmentSelectionIsPassThrough(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		items := make([]*trace.Trace, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, genTrace(t, i))
		}
		if got := ByEnvironment(items, []string{}); len(got) != len(items) {
			t.Fatalf("ByEnvironment(empty) kept %d of %d", len(got), len(items))
		}
	})
}
