package tables

import (
	"errors"
	"strings"
	"testing"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
)

func personTable(t *testing.T) *TypedTable {
	t.Helper()
	rel := relational.NewRelation([]string{"PERSON_ID", "DATE_OF_BIRTH"}, []relational.Row{
		{"PERSON_ID": "P1", "DATE_OF_BIRTH": "1980-01-01"},
		{"PERSON_ID": "P2", "DATE_OF_BIRTH": "1990-06-15"},
	})
	table, err := New(DefaultDescriptor(KindPerson), rel)
	if err != nil {
		t.Fatalf("person table: %v", err)
	}
	return table
}

func codeEventTable(t *testing.T) *TypedTable {
	t.Helper()
	rel := relational.NewRelation([]string{"PERSON_ID", "CODE", "EVENT_DATE"}, []relational.Row{
		{"PERSON_ID": "P1", "CODE": "A1", "EVENT_DATE": "2020-01-01"},
		{"PERSON_ID": "P2", "CODE": "B2", "EVENT_DATE": "2021-03-01"},
	})
	table, err := New(DefaultDescriptor(KindCodeEvent), rel)
	if err != nil {
		t.Fatalf("code event table: %v", err)
	}
	return table
}

func observationPeriodTable(t *testing.T) *TypedTable {
	t.Helper()
	rel := relational.NewRelation(
		[]string{"PERSON_ID", "OBSERVATION_PERIOD_START_DATE", "OBSERVATION_PERIOD_END_DATE"},
		[]relational.Row{
			{"PERSON_ID": "P1", "OBSERVATION_PERIOD_START_DATE": "2019-01-01", "OBSERVATION_PERIOD_END_DATE": "2023-01-01"},
		})
	table, err := New(DefaultDescriptor(KindObservationPeriod), rel)
	if err != nil {
		t.Fatalf("observation period table: %v", err)
	}
	return table
}

func TestNewRejectsMissingRequiredColumns(t *testing.T) {
	rel := relational.NewRelation([]string{"PERSON_ID"}, nil)
	_, err := New(DefaultDescriptor(KindCodeEvent), rel)
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "CODE") || !strings.Contains(err.Error(), "EVENT_DATE") {
		t.Fatalf("error should name the missing columns, got %v", err)
	}
}

func TestNewAppliesRenameMapping(t *testing.T) {
	desc := DefaultDescriptor(KindCodeEvent).WithRename(map[string]string{
		"SUBJECT_ID":     "PERSON_ID",
		"CONDITION_CODE": "CODE",
		"START_DATE":     "EVENT_DATE",
	})
	rel := relational.NewRelation([]string{"SUBJECT_ID", "CONDITION_CODE", "START_DATE"}, []relational.Row{
		{"SUBJECT_ID": "P1", "CONDITION_CODE": "A1", "START_DATE": "2020-01-01"},
	})
	table, err := New(desc, rel)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !table.HasColumn("PERSON_ID") || !table.HasColumn("CODE") {
		t.Fatalf("expected canonical columns, got %v", table.Columns())
	}
}

func TestJoinDirectAdjacency(t *testing.T) {
	events := codeEventTable(t)
	persons := personTable(t)
	joined, err := events.Join(persons, nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Kind() != KindCodeEvent {
		t.Fatalf("join must keep the left kind, got %s", joined.Kind())
	}
	if !joined.HasColumn("DATE_OF_BIRTH") {
		t.Fatalf("expected person columns in result, got %v", joined.Columns())
	}
	if joined.Relation().Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", joined.Relation().Len())
	}
}

func TestJoinMultiHopPath(t *testing.T) {
	events := codeEventTable(t)
	persons := personTable(t)
	periods := observationPeriodTable(t)
	available := map[string]*TypedTable{
		"PERSON":             persons,
		"CODE_EVENT":         events,
		"OBSERVATION_PERIOD": periods,
	}

	// CODE_EVENT reaches OBSERVATION_PERIOD through PERSON.
	multi, err := events.Join(periods, available)
	if err != nil {
		t.Fatalf("multi-hop join: %v", err)
	}

	// The declared path must produce the same rows as joining the hops by
	// hand.
	byHand, err := events.Join(persons, available)
	if err != nil {
		t.Fatalf("hand join person: %v", err)
	}
	byHand, err = byHand.JoinOn(periods, []relational.JoinKey{relational.On("PERSON_ID")})
	if err != nil {
		t.Fatalf("hand join period: %v", err)
	}
	if multi.Relation().Len() != byHand.Relation().Len() {
		t.Fatalf("multi-hop rows %d != hand-joined rows %d", multi.Relation().Len(), byHand.Relation().Len())
	}
	if !multi.HasColumn("OBSERVATION_PERIOD_START_DATE") {
		t.Fatalf("expected period columns, got %v", multi.Columns())
	}
}

func TestJoinNoPathNamesReachableKinds(t *testing.T) {
	periods := observationPeriodTable(t)
	events := codeEventTable(t)
	// OBSERVATION_PERIOD declares no route to CODE_EVENT.
	_, err := periods.Join(events, nil)
	if !errors.Is(err, ErrNoJoinPath) {
		t.Fatalf("expected ErrNoJoinPath, got %v", err)
	}
	if !strings.Contains(err.Error(), string(KindPerson)) {
		t.Fatalf("error should list reachable kinds, got %v", err)
	}
}

func TestJoinMultiHopRequiresIntermediate(t *testing.T) {
	events := codeEventTable(t)
	periods := observationPeriodTable(t)
	_, err := events.Join(periods, map[string]*TypedTable{})
	if !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound for missing intermediate, got %v", err)
	}
}

func TestUniqueByKindAmbiguity(t *testing.T) {
	available := map[string]*TypedTable{
		"CONDITIONS": codeEventTable(t),
		"DRUGS":      codeEventTable(t),
		"PERSON":     personTable(t),
	}
	// Two domains of the same kind make a kind-level lookup ambiguous.
	_, err := ResolveDomain(available, string(KindCodeEvent))
	if !errors.Is(err, ErrAmbiguousTable) {
		t.Fatalf("expected ErrAmbiguousTable, got %v", err)
	}
	if !strings.Contains(err.Error(), "CONDITIONS") || !strings.Contains(err.Error(), "DRUGS") {
		t.Fatalf("error should name the candidate domains, got %v", err)
	}
}

func TestResolveDomainPrefersName(t *testing.T) {
	available := map[string]*TypedTable{
		"CONDITIONS": codeEventTable(t),
		"PERSON":     personTable(t),
	}
	byName, err := ResolveDomain(available, "CONDITIONS")
	if err != nil {
		t.Fatalf("resolve by name: %v", err)
	}
	if byName.Kind() != KindCodeEvent {
		t.Fatalf("unexpected kind %s", byName.Kind())
	}
	byKind, err := ResolveDomain(available, string(KindPerson))
	if err != nil {
		t.Fatalf("resolve by kind: %v", err)
	}
	if byKind.Kind() != KindPerson {
		t.Fatalf("unexpected kind %s", byKind.Kind())
	}
	if _, err := ResolveDomain(available, "MISSING"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestProjectKeepsRequiredColumns(t *testing.T) {
	events := codeEventTable(t)
	if _, err := events.Project("PERSON_ID", "CODE"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for dropped required column, got %v", err)
	}
	projected, err := events.Project("PERSON_ID", "CODE", "EVENT_DATE")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(projected.Columns()) != 3 {
		t.Fatalf("unexpected columns %v", projected.Columns())
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("MEASUREMENT")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindMeasurement {
		t.Fatalf("unexpected kind %s", kind)
	}
	if _, err := ParseKind("VISIT"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
