package cdc

import "testing"

func TestTableFilter_MatchesConfiguredPatterns(t *testing.T) {
	f, err := NewTableFilter([]string{"public"}, []string{"orders*"})
	if err != nil {
		t.Fatalf("NewTableFilter: %v", err)
	}

	cases := []struct {
		schema, table string
		want          bool
	}{
		{"public", "orders", true},
		{"public", "orders_archive", true},
		{"public", "users", false},
		{"private", "orders", false},
	}

	for _, c := range cases {
		change := CDCChange{Schema: c.schema, Table: c.table}
		if got := f.Match(change); got != c.want {
			t.Errorf("Match(%s.%s) = %v, want %v", c.schema, c.table, got, c.want)
		}
	}
}

func TestTableFilter_EmptyPatternsMatchEverything(t *testing.T) {
	f, err := NewTableFilter(nil, nil)
	if err != nil {
		t.Fatalf("NewTableFilter: %v", err)
	}
	if !f.Match(CDCChange{Schema: "anything", Table: "whatever"}) {
		t.Fatal("expected empty patterns to match everything")
	}
}

func TestColumnFilter_Match(t *testing.T) {
	f := &ColumnFilter{Predicates: []ColumnPredicate{
		{Column: "status", Op: "eq", Value: "active"},
		{Column: "priority", Op: "gte", Value: float64(5)},
	}}

	match := CDCChange{Record: map[string]interface{}{"status": "active", "priority": float64(7)}}
	if !f.Match(match) {
		t.Fatal("expected predicates to match")
	}

	noMatch := CDCChange{Record: map[string]interface{}{"status": "inactive", "priority": float64(7)}}
	if f.Match(noMatch) {
		t.Fatal("expected predicate on status to reject")
	}

	missingColumn := CDCChange{Record: map[string]interface{}{"status": "active"}}
	if f.Match(missingColumn) {
		t.Fatal("expected missing column to reject")
	}
}

func TestColumnFilter_InOperator(t *testing.T) {
	f := &ColumnFilter{Predicates: []ColumnPredicate{
		{Column: "id", Op: "in", Value: "(41,42,43)"},
	}}

	if !f.Match(CDCChange{Record: map[string]interface{}{"id": float64(42)}}) {
		t.Fatal("expected id 42 to match the in-list")
	}
	if f.Match(CDCChange{Record: map[string]interface{}{"id": float64(44)}}) {
		t.Fatal("expected id 44 to reject")
	}
}

func TestParseColumnPredicate(t *testing.T) {
	p, err := ParseColumnPredicate("id=eq.42")
	if err != nil {
		t.Fatalf("ParseColumnPredicate: %v", err)
	}
	if p.Column != "id" || p.Op != "eq" || p.Value != "42" {
		t.Fatalf("unexpected predicate: %+v", p)
	}

	if _, err := ParseColumnPredicate("id"); err == nil {
		t.Fatal("expected error for filter missing op")
	}
	if _, err := ParseColumnPredicate("id=bogus.42"); err == nil {
		t.Fatal("expected error for unknown op")
	}
}
