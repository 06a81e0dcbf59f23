package channel

import (
	"strings"

	"github.com/ScorpiusDraconis83/realtime/cdc"
)

// PostgresChangeFilter is one subscriber's postgres_changes subscription:
// which schema/table/operation it wants, plus an optional column
// predicate narrowing rows further, mirroring realtime.subscription's
// columns/filter pair.
type PostgresChangeFilter struct {
	Event  string // "INSERT", "UPDATE", "DELETE", or "*" for all
	Schema string
	Table  string
	filter *cdc.ColumnPredicate
}

// NewPostgresChangeFilter builds a filter from a join config entry. An
// empty filter string means "every row of this schema/table/event".
func NewPostgresChangeFilter(event, schema, table, filter string) (PostgresChangeFilter, error) {
	f := PostgresChangeFilter{Event: event, Schema: schema, Table: table}
	if filter == "" {
		return f, nil
	}

	p, err := cdc.ParseColumnPredicate(filter)
	if err != nil {
		return PostgresChangeFilter{}, err
	}
	f.filter = &p
	return f, nil
}

// matches reports whether a replicated change belongs to this
// subscription, evaluating event/schema/table first since those are
// nearly free, then the column predicate if one is configured.
func (f PostgresChangeFilter) matches(schema, table, operation string, record map[string]interface{}) bool {
	if f.Schema != "" && f.Schema != "*" && f.Schema != schema {
		return false
	}
	if f.Table != "" && f.Table != "*" && f.Table != table {
		return false
	}
	if f.Event != "" && f.Event != "*" && !strings.EqualFold(f.Event, operation) {
		return false
	}

	if f.filter == nil {
		return true
	}
	v, ok := record[f.filter.Column]
	if !ok {
		return false
	}
	return cdc.EvalPredicate(v, f.filter.Op, f.filter.Value)
}
