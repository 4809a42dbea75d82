package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// fixedAnchor serves a precomputed result table as an anchor.
type fixedAnchor struct {
	name   string
	result *tables.TypedTable
	err    error
}

func (a *fixedAnchor) Name() string { return a.name }

func (a *fixedAnchor) Result() (*tables.TypedTable, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func anchorResult(t *testing.T, dates map[string]string) *tables.TypedTable {
	t.Helper()
	rows := make([]relational.Row, 0, len(dates))
	for person, date := range dates {
		rows = append(rows, relational.Row{
			"PERSON_ID": person, "BOOLEAN": true, "EVENT_DATE": date, "VALUE": nil,
		})
	}
	rel := relational.NewRelation([]string{"PERSON_ID", "BOOLEAN", "EVENT_DATE", "VALUE"}, rows)
	table, err := tables.New(tables.DefaultDescriptor(tables.KindPhenotypeResult), rel)
	if err != nil {
		t.Fatalf("anchor result: %v", err)
	}
	return table
}

func indexedTable(t *testing.T, rows []relational.Row) *tables.TypedTable {
	t.Helper()
	rel := relational.NewRelation([]string{"PERSON_ID", "CODE", "EVENT_DATE", "INDEX_DATE"}, rows)
	table, err := tables.New(tables.DefaultDescriptor(tables.KindCodeEvent), rel)
	if err != nil {
		t.Fatalf("indexed table: %v", err)
	}
	return table
}

func ge(days float64) *domain.Value {
	v := domain.GreaterOrEqual(days)
	return &v
}

func le(days float64) *domain.Value {
	v := domain.LessOrEqual(days)
	return &v
}

func TestRelativeTimeRangeConstructionValidation(t *testing.T) {
	if _, err := NewRelativeTimeRangeFilter("SIDEWAYS", ge(0), le(10)); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected orientation error, got %v", err)
	}
	if _, err := NewRelativeTimeRangeFilter(Before, nil, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected missing-bound error, got %v", err)
	}
	badMin := domain.LessThan(5)
	if _, err := NewRelativeTimeRangeFilter(Before, &badMin, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected min operator error, got %v", err)
	}
	badMax := domain.GreaterThan(5)
	if _, err := NewRelativeTimeRangeFilter(Before, nil, &badMax); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected max operator error, got %v", err)
	}
	if _, err := NewRelativeTimeRangeFilter(Before, ge(30), le(10)); err == nil {
		t.Fatal("expected inverted range to be rejected")
	}
	if _, err := NewRelativeTimeRangeFilter(Before, ge(0), le(365)); err != nil {
		t.Fatalf("valid filter rejected: %v", err)
	}
}

func TestBeforeKeepsEventsUpToIndexDate(t *testing.T) {
	table := indexedTable(t, []relational.Row{
		// 10 days before the index.
		{"PERSON_ID": "P1", "CODE": "A1", "EVENT_DATE": "2020-01-01", "INDEX_DATE": "2020-01-11"},
		// On the index date.
		{"PERSON_ID": "P2", "CODE": "A1", "EVENT_DATE": "2020-01-11", "INDEX_DATE": "2020-01-11"},
		// 10 days after the index.
		{"PERSON_ID": "P3", "CODE": "A1", "EVENT_DATE": "2020-01-21", "INDEX_DATE": "2020-01-11"},
	})
	filter, err := NewRelativeTimeRangeFilter(Before, ge(0), le(30))
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	out, err := Apply(context.Background(), filter, table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	persons := personsOf(t, out)
	if !persons["P1"] || !persons["P2"] || persons["P3"] {
		t.Fatalf("expected P1 and P2 only, got %v", persons)
	}
}

func TestAfterNegatesTheDelta(t *testing.T) {
	table := indexedTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "EVENT_DATE": "2020-01-01", "INDEX_DATE": "2020-01-11"},
		{"PERSON_ID": "P2", "CODE": "A1", "EVENT_DATE": "2020-01-21", "INDEX_DATE": "2020-01-11"},
	})
	filter, err := NewRelativeTimeRangeFilter(After, ge(1), le(30))
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	out, err := Apply(context.Background(), filter, table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	persons := personsOf(t, out)
	if persons["P1"] || !persons["P2"] {
		t.Fatalf("expected only the later event, got %v", persons)
	}
}

func TestAnchorSuppliesReferenceDates(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
		{"PERSON_ID": "P1", "CODE": "B2", "CODE_TYPE": "SYS1", "EVENT_DATE": "2021-01-01"},
		{"PERSON_ID": "P2", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
	})
	anchor := &fixedAnchor{name: "diagnosis", result: anchorResult(t, map[string]string{
		"P1": "2020-02-01",
		// P2 has no anchor date and must drop out entirely.
	})}
	filter, err := NewRelativeTimeRangeFilter(Before, ge(0), le(90), WithAnchor(anchor))
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	out, err := Apply(context.Background(), filter, table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows := out.Relation().Rows()
	if len(rows) != 1 || rows[0]["PERSON_ID"] != "P1" || rows[0]["CODE"] != "A1" {
		t.Fatalf("expected P1's earlier event only, got %v", rows)
	}
	// The anchor's derived column must not leak.
	for _, col := range out.Columns() {
		if col == "__ANCHOR_DATE" {
			t.Fatal("anchor date column leaked into output")
		}
	}
}

func TestAnchorWithMultipleDatesDoesNotMultiplyRows(t *testing.T) {
	// A multi-row anchor carries two dates for P1, both satisfying the
	// range: the event row must come out once, not once per anchor date.
	anchorRel := relational.NewRelation(
		[]string{"PERSON_ID", "BOOLEAN", "EVENT_DATE", "VALUE"},
		[]relational.Row{
			{"PERSON_ID": "P1", "BOOLEAN": true, "EVENT_DATE": "2020-01-11", "VALUE": nil},
			{"PERSON_ID": "P1", "BOOLEAN": true, "EVENT_DATE": "2020-01-21", "VALUE": nil},
		})
	result, err := tables.New(tables.DefaultDescriptor(tables.KindPhenotypeResult), anchorRel)
	if err != nil {
		t.Fatalf("anchor result: %v", err)
	}
	anchor := &fixedAnchor{name: "episodes", result: result}
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
	})
	filter, err := NewRelativeTimeRangeFilter(Before, ge(0), le(30), WithAnchor(anchor))
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	out, err := Apply(context.Background(), filter, table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Relation().Len() != 1 {
		t.Fatalf("expected the single event row, got %d: %v", out.Relation().Len(), out.Relation().Rows())
	}
}

func TestAnchorErrorPropagates(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
	})
	sentinel := errors.New("dependency not executed")
	anchor := &fixedAnchor{name: "broken", err: sentinel}
	filter, err := NewRelativeTimeRangeFilter(Before, ge(0), nil, WithAnchor(anchor))
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	_, err = Apply(context.Background(), filter, table, nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected anchor error to propagate, got %v", err)
	}
}

func TestMissingReferenceWithoutAnchorOrIndexDate(t *testing.T) {
	table := eventTable(t, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "CODE_TYPE": "SYS1", "EVENT_DATE": "2020-01-01"},
	})
	filter, err := NewRelativeTimeRangeFilter(Before, ge(0), le(30))
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	_, err = Apply(context.Background(), filter, table, nil)
	if !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
}
