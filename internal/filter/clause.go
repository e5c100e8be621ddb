package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrClauseNotFound     = errors.New("filter clause not found")
	ErrUnknownField       = errors.New("unknown filter clause field")
	ErrUnknownColumn      = errors.New("unknown filter column")
	ErrOperatorNotAllowed = errors.New("operator not allowed for column")
	ErrMalformedClause    = errors.New("malformed filter clause")
)

// Clause fields accepted by ClauseBuilder.Update.
const (
	FieldColumn   = "column"
	FieldOperator = "operator"
	FieldValue    = "value"
	FieldMetaKey  = "metaKey"
)

// Clause is one column/operator/value condition. MetaKey only matters for
// the Metadata column.
type Clause struct {
	ID       string   `json:"id"`
	Column   Column   `json:"column"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	MetaKey  string   `json:"metaKey,omitempty"`
}

// Active reports whether the clause carries a value and so takes part in
// filtering.
func (c Clause) Active() bool {
	return strings.TrimSpace(c.Value) != ""
}

func (c Clause) String() string {
	column := string(c.Column)
	if c.Column == ColumnMetadata && c.MetaKey != "" {
		column += "." + c.MetaKey
	}
	return fmt.Sprintf("%s %s %q", column, c.Operator, c.Value)
}

func defaultClause(id string) Clause {
	column := DefaultColumn()
	return Clause{ID: id, Column: column, Operator: OperatorsFor(column)[0]}
}

// ClauseBuilder keeps an ordered, never empty list of conjunctive clauses.
// It is not safe for concurrent use; the owner serializes access.
type ClauseBuilder struct {
	clauses []Clause
	newID   func() string
}

// NewClauseBuilder returns a builder holding one default clause.
func NewClauseBuilder() *ClauseBuilder {
	return newClauseBuilder(uuid.NewString)
}

func newClauseBuilder(newID func() string) *ClauseBuilder {
	b := &ClauseBuilder{newID: newID}
	b.clauses = []Clause{defaultClause(newID())}
	return b
}

// Clauses returns a copy of the clauses in order.
func (b *ClauseBuilder) Clauses() []Clause {
	return append([]Clause(nil), b.clauses...)
}

// Len returns the number of clauses, active or not.
func (b *ClauseBuilder) Len() int {
	return len(b.clauses)
}

// Add appends a default clause and returns it.
func (b *ClauseBuilder) Add() Clause {
	clause := defaultClause(b.newID())
	b.clauses = append(b.clauses, clause)
	return clause
}

// Append adds a fully specified clause, assigning an id when missing. The
// operator must be legal for the column.
func (b *ClauseBuilder) Append(clause Clause) (Clause, error) {
	if !Allows(clause.Column, clause.Operator) {
		return Clause{}, fmt.Errorf("%w: %q for column %q", ErrOperatorNotAllowed, clause.Operator, clause.Column)
	}
	if clause.ID == "" {
		clause.ID = b.newID()
	}
	// A lone untouched default clause is replaced rather than kept as a
	// leading no-op.
	if len(b.clauses) == 1 && b.clauses[0] == defaultClause(b.clauses[0].ID) {
		b.clauses[0] = clause
		return clause, nil
	}
	b.clauses = append(b.clauses, clause)
	return clause, nil
}

// Remove deletes the clause with id. Removing the last clause resets it to
// the default clause and keeps its id.
func (b *ClauseBuilder) Remove(id string) error {
	idx := b.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrClauseNotFound, id)
	}
	if len(b.clauses) == 1 {
		b.clauses[0] = defaultClause(b.clauses[0].ID)
		return nil
	}
	b.clauses = append(b.clauses[:idx], b.clauses[idx+1:]...)
	return nil
}

// Update sets one field of the clause with id. Changing the column resets
// the operator to the first operator legal for the new column.
func (b *ClauseBuilder) Update(id, field, value string) (Clause, error) {
	idx := b.indexOf(id)
	if idx < 0 {
		return Clause{}, fmt.Errorf("%w: %q", ErrClauseNotFound, id)
	}
	clause := b.clauses[idx]

	switch field {
	case FieldColumn:
		column, err := ParseColumn(value)
		if err != nil {
			return Clause{}, err
		}
		clause.Column = column
		clause.Operator = OperatorsFor(column)[0]
	case FieldOperator:
		op := Operator(value)
		if !Allows(clause.Column, op) {
			return Clause{}, fmt.Errorf("%w: %q for column %q", ErrOperatorNotAllowed, value, clause.Column)
		}
		clause.Operator = op
	case FieldValue:
		clause.Value = value
	case FieldMetaKey:
		clause.MetaKey = value
	default:
		return Clause{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	b.clauses[idx] = clause
	return clause, nil
}

// Reset drops every clause and starts over with a single default clause.
func (b *ClauseBuilder) Reset() {
	b.clauses = []Clause{defaultClause(b.newID())}
}

// ActiveCount is the number of clauses with a non-blank value.
func (b *ClauseBuilder) ActiveCount() int {
	count := 0
	for _, clause := range b.clauses {
		if clause.Active() {
			count++
		}
	}
	return count
}

func (b *ClauseBuilder) indexOf(id string) int {
	for i, clause := range b.clauses {
		if clause.ID == id {
			return i
		}
	}
	return -1
}

// Conjunction is the word shown before the clause at index i.
func Conjunction(i int) string {
	if i == 0 {
		return "Where"
	}
	return "And"
}

// ParseClause reads the command-line form "column|operator|value" with an
// optional fourth "|metaKey" part.
func ParseClause(raw string) (Clause, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 3 || len(parts) > 4 {
		return Clause{}, fmt.Errorf("%w: %q (want column|operator|value[|metaKey])", ErrMalformedClause, raw)
	}
	column, err := ParseColumn(parts[0])
	if err != nil {
		return Clause{}, err
	}
	op, err := ParseOperator(column, parts[1])
	if err != nil {
		return Clause{}, err
	}
	clause := Clause{Column: column, Operator: op, Value: strings.TrimSpace(parts[2])}
	if len(parts) == 4 {
		clause.MetaKey = strings.TrimSpace(parts[3])
	}
	if clause.Column == ColumnMetadata && clause.MetaKey == "" {
		return Clause{}, fmt.Errorf("%w: metadata clause %q needs a key", ErrMalformedClause, raw)
	}
	return clause, nil
}
