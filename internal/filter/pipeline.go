package filter

import (
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
)

// SearchMode selects which record fields the search stage looks at.
type SearchMode string

const (
	SearchIDsNames SearchMode = "IDs / Names"
	SearchFullText SearchMode = "Full Text"
)

// SearchModes lists the modes in the order they are offered.
func SearchModes() []SearchMode {
	return []SearchMode{SearchIDsNames, SearchFullText}
}

// TimeRange bounds are exclusive. A zero bound disables the range.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsSet reports whether both bounds are present.
func (r TimeRange) IsSet() bool {
	return !r.Start.IsZero() && !r.End.IsZero()
}

// Contains reports whether ts lies strictly between the bounds.
func (r TimeRange) Contains(ts time.Time) bool {
	return ts.After(r.Start) && ts.Before(r.End)
}

// Inputs are the operator-controlled parameters of the pipeline.
type Inputs struct {
	Query        string
	Mode         SearchMode
	Environments []string
	Range        TimeRange
	Clauses      []Clause
}

// Pipeline derives the visible records from the full collection:
// search, then environment, then time range, then the clause stage.
type Pipeline struct {
	Clauses ClauseStage
}

// Apply recomputes the visible subset from items. Items are not copied;
// the returned slice shares record pointers with the input.
func (p Pipeline) Apply(items []*trace.Trace, in Inputs) []*trace.Trace {
	visible := Search(items, in.Query, in.Mode)
	visible = ByEnvironment(visible, in.Environments)
	visible = ByTimeRange(visible, in.Range)
	return p.Clauses.Apply(visible, in.Clauses)
}

// Search keeps records whose searched fields contain query, ignoring case.
// A blank query keeps everything.
func Search(items []*trace.Trace, query string, mode SearchMode) []*trace.Trace {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return items
	}
	return keep(items, func(item *trace.Trace) bool {
		for _, field := range searchFields(item, mode) {
			if strings.Contains(strings.ToLower(field), needle) {
				return true
			}
		}
		return false
	})
}

func searchFields(item *trace.Trace, mode SearchMode) []string {
	fields := []string{item.ID, item.Name}
	if mode == SearchFullText {
		fields = append(fields,
			item.Input,
			item.Output,
			item.UserID,
			item.SessionID,
			trace.EnvironmentOf(item),
			item.Metadata,
		)
	}
	return fields
}

// ByEnvironment keeps records whose environment is selected. An empty
// selection keeps everything.
func ByEnvironment(items []*trace.Trace, selected []string) []*trace.Trace {
	if len(selected) == 0 {
		return items
	}
	allowed := make(map[string]struct{}, len(selected))
	for _, env := range selected {
		allowed[env] = struct{}{}
	}
	return keep(items, func(item *trace.Trace) bool {
		_, ok := allowed[trace.EnvironmentOf(item)]
		return ok
	})
}

// ByTimeRange keeps records strictly inside r. It is a no-op unless both
// bounds are set.
func ByTimeRange(items []*trace.Trace, r TimeRange) []*trace.Trace {
	if !r.IsSet() {
		return items
	}
	return keep(items, func(item *trace.Trace) bool {
		return r.Contains(item.Timestamp)
	})
}

func keep(items []*trace.Trace, pred func(*trace.Trace) bool) []*trace.Trace {
	out := make([]*trace.Trace, 0, len(items))
	for _, item := range items {
		if item != nil && pred(item) {
			out = append(out, item)
		}
	}
	return out
}
