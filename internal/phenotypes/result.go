package phenotypes

import (
	"sort"
	"time"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// OccurrenceMode selects which qualifying events a codelist phenotype
// reports per subject.
type OccurrenceMode string

const (
	// OccurrenceFirst keeps the earliest qualifying event date per subject.
	OccurrenceFirst OccurrenceMode = "FIRST"
	// OccurrenceLast keeps the latest qualifying event date per subject.
	OccurrenceLast OccurrenceMode = "LAST"
	// OccurrenceAny reports the boolean flag only, with no event date.
	OccurrenceAny OccurrenceMode = "ANY"
	// OccurrenceAll lists every qualifying event: the one explicitly
	// declared multi-row mode.
	OccurrenceAll OccurrenceMode = "ALL"
)

// resultTable wraps canonical result rows in a PHENOTYPE_RESULT table.
func resultTable(rows []relational.Row) (*tables.TypedTable, error) {
	rel := relational.NewRelation(domain.ResultColumns(), rows)
	return tables.New(tables.DefaultDescriptor(tables.KindPhenotypeResult), rel)
}

func resultRow(personID string, flag bool, eventDate *time.Time, value *float64) relational.Row {
	row := relational.Row{
		domain.ColPersonID: personID,
		domain.ColBoolean:  flag,
	}
	if eventDate != nil {
		row[domain.ColEventDate] = *eventDate
	}
	if value != nil {
		row[domain.ColValue] = *value
	}
	return row
}

// aggregateOccurrences reduces qualifying event rows to result rows
// according to the occurrence mode. Except in ALL mode the output has
// exactly one row per subject, emitted in sorted subject order.
func aggregateOccurrences(rel relational.Relation, mode OccurrenceMode, dateColumn string) []relational.Row {
	if mode == OccurrenceAll {
		var rows []relational.Row
		for _, row := range rel.Rows() {
			person := relational.AsText(row, domain.ColPersonID)
			if person == "" {
				continue
			}
			var date *time.Time
			if parsed, ok := relational.AsTime(row[dateColumn]); ok {
				date = &parsed
			}
			rows = append(rows, resultRow(person, true, date, nil))
		}
		return rows
	}

	chosen := make(map[string]*time.Time)
	for _, row := range rel.Rows() {
		person := relational.AsText(row, domain.ColPersonID)
		if person == "" {
			continue
		}
		date, hasDate := relational.AsTime(row[dateColumn])
		current, seen := chosen[person]
		switch {
		case !seen:
			if hasDate && mode != OccurrenceAny {
				d := date
				chosen[person] = &d
			} else {
				chosen[person] = nil
			}
		case mode == OccurrenceFirst && hasDate && (current == nil || date.Before(*current)):
			d := date
			chosen[person] = &d
		case mode == OccurrenceLast && hasDate && (current == nil || date.After(*current)):
			d := date
			chosen[person] = &d
		}
	}

	persons := make([]string, 0, len(chosen))
	for person := range chosen {
		persons = append(persons, person)
	}
	sort.Strings(persons)

	rows := make([]relational.Row, 0, len(persons))
	for _, person := range persons {
		rows = append(rows, resultRow(person, true, chosen[person], nil))
	}
	return rows
}

// flaggedPersons collects the subjects a result table flags true.
func flaggedPersons(result *tables.TypedTable) map[string]struct{} {
	persons := make(map[string]struct{})
	for _, row := range result.Relation().Rows() {
		if !relational.AsBool(row[domain.ColBoolean]) {
			continue
		}
		if person := relational.AsText(row, domain.ColPersonID); person != "" {
			persons[person] = struct{}{}
		}
	}
	return persons
}

// resultValues reads a phenotype's VALUE column per subject. Subjects
// without a readable value are absent from the map.
func resultValues(node Phenotype) (map[string]float64, error) {
	result, err := node.Result()
	if err != nil {
		return nil, err
	}
	values := make(map[string]float64)
	for _, row := range result.Relation().Rows() {
		person := relational.AsText(row, domain.ColPersonID)
		if person == "" {
			continue
		}
		if value, ok := relational.AsFloat(row[domain.ColValue]); ok {
			values[person] = value
		}
	}
	return values, nil
}

// ResultRows materializes a phenotype result table as canonical tuples in
// sorted subject order.
func ResultRows(result *tables.TypedTable) []domain.ResultRow {
	raw := result.Relation().Rows()
	rows := make([]domain.ResultRow, 0, len(raw))
	for _, row := range raw {
		materialized := domain.ResultRow{
			PersonID: relational.AsText(row, domain.ColPersonID),
			Boolean:  relational.AsBool(row[domain.ColBoolean]),
		}
		if date, ok := relational.AsTime(row[domain.ColEventDate]); ok {
			materialized.EventDate = &date
		}
		if value, ok := relational.AsFloat(row[domain.ColValue]); ok {
			materialized.Value = &value
		}
		rows = append(rows, materialized)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PersonID < rows[j].PersonID })
	return rows
}
