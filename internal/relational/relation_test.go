package relational

import (
	"context"
	"strings"
	"testing"
)

func personRelation() Relation {
	return NewRelation([]string{"PERSON_ID", "YEAR_OF_BIRTH"}, []Row{
		{"PERSON_ID": "P1", "YEAR_OF_BIRTH": 1980},
		{"PERSON_ID": "P2", "YEAR_OF_BIRTH": 1990},
		{"PERSON_ID": "P3", "YEAR_OF_BIRTH": 2000},
	})
}

func eventRelation() Relation {
	return NewRelation([]string{"PERSON_ID", "CODE"}, []Row{
		{"PERSON_ID": "P1", "CODE": "A1"},
		{"PERSON_ID": "P1", "CODE": "B2"},
		{"PERSON_ID": "P3", "CODE": "A1"},
		{"PERSON_ID": "P9", "CODE": "C3"},
	})
}

func TestNewRelationDropsUndeclaredColumns(t *testing.T) {
	rel := NewRelation([]string{"PERSON_ID"}, []Row{
		{"PERSON_ID": "P1", "STRAY": true},
	})
	row := rel.Rows()[0]
	if _, ok := row["STRAY"]; ok {
		t.Fatalf("expected undeclared column to be dropped, got %v", row)
	}
}

func TestSelectPreservesOrderAndRejectsUnknown(t *testing.T) {
	rel := personRelation()
	selected, err := rel.Select("YEAR_OF_BIRTH", "PERSON_ID")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	cols := selected.Columns()
	if cols[0] != "YEAR_OF_BIRTH" || cols[1] != "PERSON_ID" {
		t.Fatalf("unexpected column order %v", cols)
	}
	if _, err := rel.Select("MISSING"); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestRenameRewritesColumnsAndRows(t *testing.T) {
	rel := personRelation().Rename(map[string]string{"YEAR_OF_BIRTH": "YOB"})
	if !rel.HasColumn("YOB") || rel.HasColumn("YEAR_OF_BIRTH") {
		t.Fatalf("unexpected columns %v", rel.Columns())
	}
	if rel.Rows()[0]["YOB"] != 1980 {
		t.Fatalf("expected renamed row value, got %v", rel.Rows()[0])
	}
}

func TestJoinIsInnerAndLeftWinsOnCollision(t *testing.T) {
	left := NewRelation([]string{"PERSON_ID", "VALUE"}, []Row{
		{"PERSON_ID": "P1", "VALUE": "left"},
	})
	right := NewRelation([]string{"PERSON_ID", "VALUE"}, []Row{
		{"PERSON_ID": "P1", "VALUE": "right"},
		{"PERSON_ID": "P2", "VALUE": "right"},
	})
	joined, err := left.Join(right, []JoinKey{On("PERSON_ID")})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Len() != 1 {
		t.Fatalf("expected 1 joined row, got %d", joined.Len())
	}
	if joined.Rows()[0]["VALUE"] != "left" {
		t.Fatalf("expected left value to win, got %v", joined.Rows()[0]["VALUE"])
	}
}

func TestJoinMatchesTextuallyEqualKeys(t *testing.T) {
	left := NewRelation([]string{"PERSON_ID"}, []Row{{"PERSON_ID": 1}})
	right := NewRelation([]string{"PERSON_ID", "CODE"}, []Row{{"PERSON_ID": "1", "CODE": "A1"}})
	joined, err := left.Join(right, []JoinKey{On("PERSON_ID")})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Len() != 1 {
		t.Fatalf("expected int and string keys to match, got %d rows", joined.Len())
	}
}

func TestJoinAsymmetricKeys(t *testing.T) {
	left := NewRelation([]string{"SUBJECT"}, []Row{{"SUBJECT": "P1"}})
	right := eventRelation()
	joined, err := left.Join(right, []JoinKey{OnColumns("SUBJECT", "PERSON_ID")})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Len() != 2 {
		t.Fatalf("expected 2 rows for P1, got %d", joined.Len())
	}
}

func TestJoinRejectsMissingKeyColumns(t *testing.T) {
	if _, err := personRelation().Join(eventRelation(), []JoinKey{On("MISSING")}); err == nil {
		t.Fatal("expected error for missing join column")
	}
	if _, err := personRelation().Join(eventRelation(), nil); err == nil {
		t.Fatal("expected error for empty key list")
	}
}

func TestUnionRequiresSameColumnSet(t *testing.T) {
	if _, err := personRelation().Union(eventRelation(), false); err == nil {
		t.Fatal("expected column set mismatch error")
	}
}

func TestUnionDistinctRemovesDuplicates(t *testing.T) {
	rel := NewRelation([]string{"PERSON_ID"}, []Row{{"PERSON_ID": "P1"}})
	combined, err := rel.Union(rel, true)
	if err != nil {
		t.Fatalf("union: %v", err)
	}
	if combined.Len() != 1 {
		t.Fatalf("expected 1 distinct row, got %d", combined.Len())
	}
	kept, err := rel.Union(rel, false)
	if err != nil {
		t.Fatalf("union: %v", err)
	}
	if kept.Len() != 2 {
		t.Fatalf("expected duplicates kept, got %d", kept.Len())
	}
}

func TestDifferenceRemovesMatchingTuples(t *testing.T) {
	all := eventRelation()
	some := NewRelation([]string{"PERSON_ID", "CODE"}, []Row{
		{"PERSON_ID": "P1", "CODE": "A1"},
	})
	remaining, err := all.Difference(some)
	if err != nil {
		t.Fatalf("difference: %v", err)
	}
	if remaining.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", remaining.Len())
	}
	for _, row := range remaining.Rows() {
		if row["PERSON_ID"] == "P1" && row["CODE"] == "A1" {
			t.Fatal("subtracted tuple still present")
		}
	}
}

func TestFilterAndMutateDoNotAliasRows(t *testing.T) {
	rel := personRelation()
	filtered := rel.Filter(func(row Row) bool { return row["PERSON_ID"] == "P1" })
	if filtered.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", filtered.Len())
	}
	mutated := rel.Mutate("FLAG", func(Row) any { return true })
	if !mutated.HasColumn("FLAG") {
		t.Fatal("expected derived column")
	}
	// Mutating a materialized row must not touch the relation.
	rows := rel.Rows()
	rows[0]["PERSON_ID"] = "CHANGED"
	if rel.Rows()[0]["PERSON_ID"] != "P1" {
		t.Fatal("relation rows aliased caller mutation")
	}
}

func TestMapSourceUnknownTable(t *testing.T) {
	source := MapSource{"person": personRelation()}
	if _, err := source.Table(context.Background(), "person"); err != nil {
		t.Fatalf("table: %v", err)
	}
	_, err := source.Table(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected unknown table error naming the table, got %v", err)
	}
}
