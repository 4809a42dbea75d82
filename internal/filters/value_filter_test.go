package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

func measurementTable(t *testing.T, rows []relational.Row) *tables.TypedTable {
	t.Helper()
	rel := relational.NewRelation([]string{"PERSON_ID", "EVENT_DATE", "VALUE"}, rows)
	table, err := tables.New(tables.DefaultDescriptor(tables.KindMeasurement), rel)
	if err != nil {
		t.Fatalf("measurement table: %v", err)
	}
	return table
}

func TestValueFilterBounds(t *testing.T) {
	table := measurementTable(t, []relational.Row{
		{"PERSON_ID": "P1", "EVENT_DATE": "2020-01-01", "VALUE": 4.0},
		{"PERSON_ID": "P2", "EVENT_DATE": "2020-01-02", "VALUE": 6.5},
		{"PERSON_ID": "P3", "EVENT_DATE": "2020-01-03", "VALUE": 9.0},
		{"PERSON_ID": "P4", "EVENT_DATE": "2020-01-04", "VALUE": "not a number"},
	})
	min := domain.GreaterOrEqual(5)
	max := domain.LessThan(9)
	filter, err := NewValueFilter(domain.ColValue, &min, &max)
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	out, err := Apply(context.Background(), filter, table, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	persons := personsOf(t, out)
	if len(persons) != 1 || !persons["P2"] {
		t.Fatalf("expected only P2, got %v", persons)
	}
}

func TestValueFilterConstructionValidation(t *testing.T) {
	min := domain.GreaterOrEqual(5)
	if _, err := NewValueFilter("", &min, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected error for empty column, got %v", err)
	}
	if _, err := NewValueFilter(domain.ColValue, nil, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected error for missing bounds, got %v", err)
	}
	low := domain.LessOrEqual(1)
	high := domain.GreaterOrEqual(10)
	if _, err := NewValueFilter(domain.ColValue, &high, &low); err == nil {
		t.Fatal("expected error for unsatisfiable range")
	}
}

func TestValueFilterUnknownColumn(t *testing.T) {
	table := measurementTable(t, []relational.Row{
		{"PERSON_ID": "P1", "EVENT_DATE": "2020-01-01", "VALUE": 4.0},
	})
	min := domain.GreaterOrEqual(5)
	filter, err := NewValueFilter("MISSING", &min, nil)
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	if _, err := Apply(context.Background(), filter, table, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
