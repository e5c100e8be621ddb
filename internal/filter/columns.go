package filter

import (
	"fmt"
	"strings"
)

// Column names a trace attribute a clause can compare against.
type Column string

const (
	ColumnID                Column = "ID"
	ColumnName              Column = "Name"
	ColumnTimestamp         Column = "Timestamp"
	ColumnUserID            Column = "User ID"
	ColumnSessionID         Column = "Session ID"
	ColumnMetadata          Column = "Metadata"
	ColumnVersion           Column = "Version"
	ColumnRelease           Column = "Release"
	ColumnLevel             Column = "Level"
	ColumnTags              Column = "Tags"
	ColumnInputTokens       Column = "Input Tokens"
	ColumnOutputTokens      Column = "Output Tokens"
	ColumnTotalTokens       Column = "Total Tokens"
	ColumnTokens            Column = "Tokens"
	ColumnErrorCount        Column = "Error Level Count"
	ColumnWarningCount      Column = "Warning Level Count"
	ColumnDefaultCount      Column = "Default Level Count"
	ColumnDebugCount        Column = "Debug Level Count"
	ColumnNumericScores     Column = "Scores (numeric)"
	ColumnCategoricalScores Column = "Scores (categorical)"
	ColumnLatency           Column = "Latency (s)"
	ColumnInputCost         Column = "Input Cost ($)"
	ColumnOutputCost        Column = "Output Cost ($)"
	ColumnTotalCost         Column = "Total Cost ($)"
)

// columns is the enumeration order; the first entry is the default column.
var columns = []Column{
	ColumnID, ColumnName, ColumnTimestamp, ColumnUserID, ColumnSessionID,
	ColumnMetadata, ColumnVersion, ColumnRelease, ColumnLevel, ColumnTags,
	ColumnInputTokens, ColumnOutputTokens, ColumnTotalTokens, ColumnTokens,
	ColumnErrorCount, ColumnWarningCount, ColumnDefaultCount, ColumnDebugCount,
	ColumnNumericScores, ColumnCategoricalScores, ColumnLatency,
	ColumnInputCost, ColumnOutputCost, ColumnTotalCost,
}

// Operator is a comparison between a column value and a clause value.
type Operator string

const (
	OpEquals         Operator = "="
	OpContains       Operator = "contains"
	OpNotContains    Operator = "does not contain"
	OpStartsWith     Operator = "starts with"
	OpEndsWith       Operator = "ends with"
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpAnyOf          Operator = "any of"
	OpNoneOf         Operator = "none of"
)

// ColumnType decides which operators apply to a column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeNumeric
	TypeCategorical
)

func (t ColumnType) String() string {
	switch t {
	case TypeNumeric:
		return "numeric"
	case TypeCategorical:
		return "categorical"
	default:
		return "string"
	}
}

var (
	stringOperators      = []Operator{OpEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith}
	numericOperators     = []Operator{OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual}
	categoricalOperators = []Operator{OpAnyOf, OpNoneOf}
)

var columnTypes = map[Column]ColumnType{
	ColumnTimestamp:         TypeNumeric,
	ColumnInputTokens:       TypeNumeric,
	ColumnOutputTokens:      TypeNumeric,
	ColumnTotalTokens:       TypeNumeric,
	ColumnTokens:            TypeNumeric,
	ColumnErrorCount:        TypeNumeric,
	ColumnWarningCount:      TypeNumeric,
	ColumnDefaultCount:      TypeNumeric,
	ColumnDebugCount:        TypeNumeric,
	ColumnNumericScores:     TypeNumeric,
	ColumnLatency:           TypeNumeric,
	ColumnInputCost:         TypeNumeric,
	ColumnOutputCost:        TypeNumeric,
	ColumnTotalCost:         TypeNumeric,
	ColumnTags:              TypeCategorical,
	ColumnCategoricalScores: TypeCategorical,
	ColumnID:                TypeCategorical,
	ColumnLevel:             TypeCategorical,
}

// Columns returns every filterable column in display order.
func Columns() []Column {
	return append([]Column(nil), columns...)
}

// DefaultColumn is the column new clauses start with.
func DefaultColumn() Column {
	return columns[0]
}

// TypeOf classifies a column. Columns not listed as numeric or categorical
// are string columns.
func TypeOf(column Column) ColumnType {
	if kind, ok := columnTypes[column]; ok {
		return kind
	}
	return TypeString
}

// OperatorsFor returns the legal operators for column, first entry being
// the default.
func OperatorsFor(column Column) []Operator {
	var ops []Operator
	switch TypeOf(column) {
	case TypeNumeric:
		ops = numericOperators
	case TypeCategorical:
		ops = categoricalOperators
	default:
		ops = stringOperators
	}
	return append([]Operator(nil), ops...)
}

// Allows reports whether op is legal for column.
func Allows(column Column, op Operator) bool {
	for _, candidate := range OperatorsFor(column) {
		if candidate == op {
			return true
		}
	}
	return false
}

// ParseColumn resolves a column name case-insensitively.
func ParseColumn(raw string) (Column, error) {
	value := strings.TrimSpace(raw)
	for _, column := range columns {
		if strings.EqualFold(string(column), value) {
			return column, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownColumn, raw)
}

// ParseOperator resolves an operator for column case-insensitively.
func ParseOperator(column Column, raw string) (Operator, error) {
	value := strings.TrimSpace(raw)
	for _, op := range OperatorsFor(column) {
		if strings.EqualFold(string(op), value) {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: %q for column %q", ErrOperatorNotAllowed, raw, column)
}
