package phenotypes

import (
	"context"
	"time"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// AgePhenotype computes each subject's age in whole years at the index date.
// Its result populates VALUE (the age); with a declared range it flags only
// the in-range subjects, otherwise every subject with both dates.
type AgePhenotype struct {
	*Node
	min *domain.Value
	max *domain.Value
}

// NewAgePhenotype declares an age-at-index phenotype, optionally bounded.
func NewAgePhenotype(name string, min, max *domain.Value) (*AgePhenotype, error) {
	if err := domain.ValidateRange(min, max); err != nil {
		return nil, err
	}
	p := &AgePhenotype{min: min, max: max}
	p.Node = NewNode(name, nil, p.compute)
	return p, nil
}

func (p *AgePhenotype) compute(_ context.Context, domains Tables) (*tables.TypedTable, error) {
	persons, err := tables.ResolveDomain(domains, string(tables.KindPerson))
	if err != nil {
		return nil, err
	}
	index, err := tables.ResolveDomain(domains, string(tables.KindIndex))
	if err != nil {
		return nil, err
	}
	joined, err := persons.JoinOn(index, []relational.JoinKey{relational.On(domain.ColPersonID)})
	if err != nil {
		return nil, err
	}

	var rows []relational.Row
	for _, row := range joined.Relation().Rows() {
		born, ok := relational.AsTime(row[domain.ColDateOfBirth])
		if !ok {
			continue
		}
		at, ok := relational.AsTime(row[domain.ColIndexDate])
		if !ok {
			continue
		}
		age := float64(wholeYears(born, at))
		if p.min != nil && !p.min.Compare(age) {
			continue
		}
		if p.max != nil && !p.max.Compare(age) {
			continue
		}
		person := relational.AsText(row, domain.ColPersonID)
		rows = append(rows, resultRow(person, true, &at, &age))
	}
	return resultTable(rows)
}

// wholeYears counts completed years between two dates.
func wholeYears(from, to time.Time) int {
	years := to.Year() - from.Year()
	anniversary := from.AddDate(years, 0, 0)
	if anniversary.After(to) {
		years--
	}
	return years
}

// DeathPhenotype flags subjects with a recorded date of death; the death
// date becomes the event date. Its result populates BOOLEAN and EVENT_DATE.
type DeathPhenotype struct {
	*Node
}

// NewDeathPhenotype declares a death phenotype over the PERSON domain.
func NewDeathPhenotype(name string) *DeathPhenotype {
	p := &DeathPhenotype{}
	p.Node = NewNode(name, nil, p.compute)
	return p
}

func (p *DeathPhenotype) compute(_ context.Context, domains Tables) (*tables.TypedTable, error) {
	persons, err := tables.ResolveDomain(domains, string(tables.KindPerson))
	if err != nil {
		return nil, err
	}
	var rows []relational.Row
	for _, row := range persons.Relation().Rows() {
		died, ok := relational.AsTime(row[domain.ColDateOfDeath])
		if !ok {
			continue
		}
		person := relational.AsText(row, domain.ColPersonID)
		rows = append(rows, resultRow(person, true, &died, nil))
	}
	return resultTable(rows)
}
