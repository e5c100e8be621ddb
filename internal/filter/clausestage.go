package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
)

// ClauseStage evaluates builder clauses after the time-range stage. It is
// off unless Enabled is set, in which case every active clause must match.
type ClauseStage struct {
	Enabled bool
}

// Apply keeps records matching all active clauses. Inactive clauses and
// metadata clauses without a key are ignored.
func (s ClauseStage) Apply(items []*trace.Trace, clauses []Clause) []*trace.Trace {
	if !s.Enabled {
		return items
	}
	effective := make([]Clause, 0, len(clauses))
	for _, clause := range clauses {
		if !clause.Active() {
			continue
		}
		if clause.Column == ColumnMetadata && strings.TrimSpace(clause.MetaKey) == "" {
			continue
		}
		effective = append(effective, clause)
	}
	if len(effective) == 0 {
		return items
	}
	return keep(items, func(item *trace.Trace) bool {
		for _, clause := range effective {
			if !Match(item, clause) {
				return false
			}
		}
		return true
	})
}

// Match evaluates a single clause against a record. A record without a
// value for the clause's column never matches.
func Match(item *trace.Trace, clause Clause) bool {
	switch TypeOf(clause.Column) {
	case TypeNumeric:
		return matchNumeric(item, clause)
	case TypeCategorical:
		return matchCategorical(categoricalValues(item, clause.Column), clause)
	default:
		value, ok := stringValue(item, clause)
		if !ok {
			return false
		}
		return matchString(value, clause)
	}
}

func stringValue(item *trace.Trace, clause Clause) (string, bool) {
	switch clause.Column {
	case ColumnName:
		return item.Name, true
	case ColumnUserID:
		return item.UserID, true
	case ColumnSessionID:
		return item.SessionID, true
	case ColumnVersion:
		return item.Version, true
	case ColumnRelease:
		return item.Release, true
	case ColumnMetadata:
		return trace.MetadataValue(item.Metadata, clause.MetaKey)
	}
	return "", false
}

// matchString compares exactly for "=" and case-insensitively otherwise.
func matchString(value string, clause Clause) bool {
	want := strings.TrimSpace(clause.Value)
	if clause.Operator == OpEquals {
		return value == want
	}
	value, want = strings.ToLower(value), strings.ToLower(want)
	switch clause.Operator {
	case OpContains:
		return strings.Contains(value, want)
	case OpNotContains:
		return !strings.Contains(value, want)
	case OpStartsWith:
		return strings.HasPrefix(value, want)
	case OpEndsWith:
		return strings.HasSuffix(value, want)
	}
	return false
}

func categoricalValues(item *trace.Trace, column Column) []string {
	switch column {
	case ColumnID:
		return []string{item.ID}
	case ColumnLevel:
		if item.Level == "" {
			return []string{trace.LevelDefault}
		}
		return []string{item.Level}
	case ColumnTags:
		return item.Tags
	case ColumnCategoricalScores:
		values := make([]string, 0, len(item.CategoricalScores))
		for _, value := range item.CategoricalScores {
			values = append(values, value)
		}
		return values
	}
	return nil
}

// matchCategorical treats the clause value as a comma separated option
// list.
func matchCategorical(values []string, clause Clause) bool {
	options := make(map[string]struct{})
	for _, option := range strings.Split(clause.Value, ",") {
		if option = strings.TrimSpace(option); option != "" {
			options[strings.ToLower(option)] = struct{}{}
		}
	}
	hit := false
	for _, value := range values {
		if _, ok := options[strings.ToLower(value)]; ok {
			hit = true
			break
		}
	}
	switch clause.Operator {
	case OpAnyOf:
		return hit
	case OpNoneOf:
		return !hit
	}
	return false
}

func matchNumeric(item *trace.Trace, clause Clause) bool {
	if clause.Column == ColumnTimestamp {
		want, ok := parseInstant(clause.Value)
		if !ok || item.Timestamp.IsZero() {
			return false
		}
		return compare(float64(item.Timestamp.UnixNano()), float64(want.UnixNano()), clause.Operator)
	}

	want, err := strconv.ParseFloat(strings.TrimSpace(clause.Value), 64)
	if err != nil {
		return false
	}
	if clause.Column == ColumnNumericScores {
		// With a key the named score is compared; without one any score may
		// satisfy the clause.
		if key := strings.TrimSpace(clause.MetaKey); key != "" {
			score, ok := item.NumericScores[key]
			return ok && compare(score, want, clause.Operator)
		}
		for _, score := range item.NumericScores {
			if compare(score, want, clause.Operator) {
				return true
			}
		}
		return false
	}

	got, ok := numericValue(item, clause.Column)
	return ok && compare(got, want, clause.Operator)
}

func numericValue(item *trace.Trace, column Column) (float64, bool) {
	switch column {
	case ColumnInputTokens:
		return float64(item.InputTokens), true
	case ColumnOutputTokens:
		return float64(item.OutputTokens), true
	case ColumnTotalTokens, ColumnTokens:
		return float64(item.TotalTokens), true
	case ColumnErrorCount:
		return float64(item.ErrorCount), true
	case ColumnWarningCount:
		return float64(item.WarningCount), true
	case ColumnDefaultCount:
		return float64(item.DefaultCount), true
	case ColumnDebugCount:
		return float64(item.DebugCount), true
	case ColumnLatency:
		if item.LatencySec == nil {
			return 0, false
		}
		return *item.LatencySec, true
	case ColumnInputCost:
		return item.InputCostUSD, true
	case ColumnOutputCost:
		return item.OutputCostUSD, true
	case ColumnTotalCost:
		if item.CostUSD == nil {
			return 0, false
		}
		return *item.CostUSD, true
	}
	return 0, false
}

func compare(got, want float64, op Operator) bool {
	switch op {
	case OpGreater:
		return got > want
	case OpLess:
		return got < want
	case OpGreaterOrEqual:
		return got >= want
	case OpLessOrEqual:
		return got <= want
	}
	return false
}

// parseInstant accepts RFC 3339 timestamps, plain dates and unix seconds.
func parseInstant(raw string) (time.Time, bool) {
	value := strings.TrimSpace(raw)
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, true
	}
	if parsed, err := time.Parse("2006-01-02", value); err == nil {
		return parsed, true
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0), true
	}
	return time.Time{}, false
}
