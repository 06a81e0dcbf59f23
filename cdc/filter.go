package cdc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// TableFilter matches changes by schema/table glob patterns, a direct
// generalization of the teacher's GlobFilter (publisher/filter.go) from
// database/table name matching to schema/table name matching.
type TableFilter struct {
	schemaGlobs []glob.Glob
	tableGlobs  []glob.Glob
}

// NewTableFilter compiles schema/table glob patterns. Empty pattern lists
// match everything.
func NewTableFilter(schemaPatterns, tablePatterns []string) (*TableFilter, error) {
	f := &TableFilter{
		schemaGlobs: make([]glob.Glob, 0, len(schemaPatterns)),
		tableGlobs:  make([]glob.Glob, 0, len(tablePatterns)),
	}

	for _, pattern := range schemaPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("cdc: invalid schema pattern %q: %w", pattern, err)
		}
		f.schemaGlobs = append(f.schemaGlobs, g)
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("cdc: invalid table pattern %q: %w", pattern, err)
		}
		f.tableGlobs = append(f.tableGlobs, g)
	}

	return f, nil
}

// Match implements Filter.
func (f *TableFilter) Match(change CDCChange) bool {
	schemaMatch := len(f.schemaGlobs) == 0
	for _, g := range f.schemaGlobs {
		if g.Match(change.Schema) {
			schemaMatch = true
			break
		}
	}
	if !schemaMatch {
		return false
	}

	tableMatch := len(f.tableGlobs) == 0
	for _, g := range f.tableGlobs {
		if g.Match(change.Table) {
			tableMatch = true
			break
		}
	}
	return tableMatch
}

// ColumnPredicate is a single `column OP literal` subscription filter,
// generalizing GlobFilter's table-name matching down to row-value
// matching for `realtime.subscription`-style "only rows where x = y".
type ColumnPredicate struct {
	Column string
	Op     string // "eq", "neq", "gt", "lt", "gte", "lte", "in"
	Value  interface{}
}

// ParseColumnPredicate parses the wire filter syntax a postgres_changes
// subscription supplies, "<column>=<op>.<value>" (e.g. "id=eq.42").
func ParseColumnPredicate(s string) (ColumnPredicate, error) {
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return ColumnPredicate{}, fmt.Errorf("cdc: invalid filter %q: missing column", s)
	}

	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return ColumnPredicate{}, fmt.Errorf("cdc: invalid filter %q: missing op", s)
	}

	switch op {
	case "eq", "neq", "gt", "lt", "gte", "lte", "in":
	default:
		return ColumnPredicate{}, fmt.Errorf("cdc: invalid filter %q: unknown op %q", s, op)
	}

	return ColumnPredicate{Column: column, Op: op, Value: value}, nil
}

// ColumnFilter matches a change's Record against a set of predicates,
// all of which must hold (conjunction).
type ColumnFilter struct {
	Predicates []ColumnPredicate
}

// Match implements Filter.
func (f *ColumnFilter) Match(change CDCChange) bool {
	for _, p := range f.Predicates {
		v, ok := change.Record[p.Column]
		if !ok {
			return false
		}
		if !EvalPredicate(v, p.Op, p.Value) {
			return false
		}
	}
	return true
}

// EvalPredicate evaluates a single ColumnPredicate against a decoded
// column value.
func EvalPredicate(actual interface{}, op string, expected interface{}) bool {
	if op == "in" {
		return evalIn(actual, expected)
	}

	af, aok := toFloat64(actual)
	ef, eok := toFloat64(expected)
	if aok && eok {
		switch op {
		case "eq":
			return af == ef
		case "neq":
			return af != ef
		case "gt":
			return af > ef
		case "lt":
			return af < ef
		case "gte":
			return af >= ef
		case "lte":
			return af <= ef
		}
		return false
	}

	as := fmt.Sprintf("%v", actual)
	es := fmt.Sprintf("%v", expected)
	switch op {
	case "eq":
		return as == es
	case "neq":
		return as != es
	default:
		return false
	}
}

// evalIn matches actual against either a typed slice of candidates or the
// wire form, a single comma-separated string such as "(41,42,43)".
func evalIn(actual, expected interface{}) bool {
	as := fmt.Sprintf("%v", actual)

	switch candidates := expected.(type) {
	case []interface{}:
		for _, c := range candidates {
			if fmt.Sprintf("%v", c) == as {
				return true
			}
		}
		return false
	case []string:
		for _, c := range candidates {
			if c == as {
				return true
			}
		}
		return false
	case string:
		list := strings.Trim(candidates, "()")
		for _, c := range strings.Split(list, ",") {
			if strings.TrimSpace(c) == as {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
