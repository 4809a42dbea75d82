package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

func mustCodelist(t *testing.T, name string, codes map[string][]string) domain.Codelist {
	t.Helper()
	codelist, err := domain.NewCodelist(name, codes)
	if err != nil {
		t.Fatalf("codelist %s: %v", name, err)
	}
	return codelist
}

func TestCodelistFilterLiteralMatch(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
		{"PERSON_ID": "P1", "CODE": "B2", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-02-01"},
	})
	codelist := mustCodelist(t, "target", map[string][]string{"SYS1": {"A1"}})

	out, err := Apply(context.Background(), NewCodelistFilter(codelist), table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows := out.Relation().Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["CODE"] != "A1" || rows[0]["PERSON_ID"] != "P1" {
		t.Fatalf("unexpected row %v", rows[0])
	}
}

func TestCodelistFilterMatchesCodeSystem(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
		{"PERSON_ID": "P2", "CODE": "A1", "CODE_TYPE": "SYS2", "EVENT_DATE": "2020-02-01"},
	})
	codelist := mustCodelist(t, "strict", map[string][]string{"SYS1": {"A1"}})

	out, err := Apply(context.Background(), NewCodelistFilter(codelist), table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Relation().Len() != 1 {
		t.Fatalf("expected system-qualified match only, got %d rows", out.Relation().Len())
	}

	relaxed, err := Apply(context.Background(), NewCodelistFilter(codelist.WithoutCodeTypeMatch()), table, nil)
	if err != nil {
		t.Fatalf("apply relaxed: %v", err)
	}
	if relaxed.Relation().Len() != 2 {
		t.Fatalf("expected both systems to match, got %d rows", relaxed.Relation().Len())
	}
}

func TestCodelistFilterDuplicateCodesDoNotMultiplyRows(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
	})
	codelist := mustCodelist(t, "dupes", map[string][]string{"SYS1": {"A1", "A1"}})

	out, err := Apply(context.Background(), NewCodelistFilter(codelist), table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Relation().Len() != 1 {
		t.Fatalf("semi-join must not multiply rows, got %d", out.Relation().Len())
	}
}

func TestCodelistFilterFuzzyPatterns(t *testing.T) {
	cases := []struct {
		code    string
		pattern string
		want    bool
	}{
		{"E11", "E1", true},
		{"E11", "E11", true},
		{"E21", "E1", false},
		{"E119", "E1%9", true},
		{"E129", "E1%9", true},
		{"E120", "E1%9", false},
		{"XE11", "%E11", true},
		{"XE11", "E11", false},
		{"E11", "", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.code, tc.pattern); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.code, tc.pattern, got, tc.want)
		}
	}
}

func TestCodelistFilterFuzzyApply(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "E110", "CODE_TYPE": "ICD10", "EVENT_DATE": "2020-01-01"},
		{"PERSON_ID": "P2", "CODE": "E210", "CODE_TYPE": "ICD10", "EVENT_DATE": "2020-02-01"},
		{"PERSON_ID": "P3", "CODE": "E115", "CODE_TYPE": "READ", "EVENT_DATE": "2020-03-01"},
	})
	codelist, err := domain.NewFuzzyCodelist("diabetes", map[string][]string{"ICD10": {"E11"}})
	if err != nil {
		t.Fatalf("fuzzy codelist: %v", err)
	}

	out, err := Apply(context.Background(), NewCodelistFilter(codelist), table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows := out.Relation().Rows()
	if len(rows) != 1 || rows[0]["PERSON_ID"] != "P1" {
		t.Fatalf("expected only P1's ICD10 E11-prefixed row, got %v", rows)
	}
}

func TestCodelistFilterAutojoinsToSourceDomain(t *testing.T) {
	// The filtered table carries no code columns; those live on a separate
	// CODE_EVENT domain reached by autojoin.
	measurementsRel := relational.NewRelation(
		[]string{"PERSON_ID", "EVENT_DATE", "VALUE"},
		[]relational.Row{
			{"PERSON_ID": "P1", "EVENT_DATE": "2020-05-01", "VALUE": 7.5},
			{"PERSON_ID": "P2", "EVENT_DATE": "2020-06-01", "VALUE": 5.0},
		})
	measurements, err := tables.New(tables.DefaultDescriptor(tables.KindMeasurement), measurementsRel)
	if err != nil {
		t.Fatalf("measurement table: %v", err)
	}
	conditions := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
	})
	env := &Env{Tables: map[string]*tables.TypedTable{
		"CONDITIONS":   conditions,
		"MEASUREMENTS": measurements,
	}}
	codelist := mustCodelist(t, "target", map[string][]string{"SYS1": {"A1"}}).WithoutCodeTypeMatch()

	out, err := Apply(context.Background(), NewCodelistFilterAt(codelist, "CONDITIONS"), measurements, env)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows := out.Relation().Rows()
	if len(rows) != 1 || rows[0]["PERSON_ID"] != "P1" {
		t.Fatalf("expected only P1's measurement, got %v", rows)
	}
	// The join must not leak the source domain's columns.
	if out.HasColumn("CODE") {
		t.Fatalf("code columns leaked into output: %v", out.Columns())
	}
}

func TestCodelistFilterAutojoinDoesNotMultiplyRows(t *testing.T) {
	// P1 has two qualifying condition rows and a genuinely duplicated
	// measurement row: the output must keep both duplicates exactly once
	// each, not multiply them by the matching conditions.
	measurementsRel := relational.NewRelation(
		[]string{"PERSON_ID", "EVENT_DATE", "VALUE"},
		[]relational.Row{
			{"PERSON_ID": "P1", "EVENT_DATE": "2020-05-01", "VALUE": 7.5},
			{"PERSON_ID": "P1", "EVENT_DATE": "2020-05-01", "VALUE": 7.5},
			{"PERSON_ID": "P2", "EVENT_DATE": "2020-06-01", "VALUE": 5.0},
		})
	measurements, err := tables.New(tables.DefaultDescriptor(tables.KindMeasurement), measurementsRel)
	if err != nil {
		t.Fatalf("measurement table: %v", err)
	}
	conditions := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-02-01"},
	})
	env := &Env{Tables: map[string]*tables.TypedTable{
		"CONDITIONS":   conditions,
		"MEASUREMENTS": measurements,
	}}
	codelist := mustCodelist(t, "target", map[string][]string{"SYS1": {"A1"}}).WithoutCodeTypeMatch()

	out, err := Apply(context.Background(), NewCodelistFilterAt(codelist, "CONDITIONS"), measurements, env)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows := out.Relation().Rows()
	if len(rows) != 2 {
		t.Fatalf("expected P1's two measurement rows, got %d: %v", len(rows), rows)
	}
	for _, row := range rows {
		if row["PERSON_ID"] != "P1" {
			t.Fatalf("unexpected row %v", row)
		}
	}
}

func TestCodelistFilterRequiresSourceDomainWhenCodesAbsent(t *testing.T) {
	measurementsRel := relational.NewRelation(
		[]string{"PERSON_ID", "EVENT_DATE", "VALUE"},
		[]relational.Row{{"PERSON_ID": "P1", "EVENT_DATE": "2020-05-01", "VALUE": 7.5}})
	measurements, err := tables.New(tables.DefaultDescriptor(tables.KindMeasurement), measurementsRel)
	if err != nil {
		t.Fatalf("measurement table: %v", err)
	}
	codelist := mustCodelist(t, "target", map[string][]string{"SYS1": {"A1"}})

	_, err = Apply(context.Background(), NewCodelistFilter(codelist), measurements, nil)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
