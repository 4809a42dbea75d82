package phenotypes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/filters"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// Aggregation reduces a subject's qualifying measurements to one value.
type Aggregation string

const (
	AggregateFirst Aggregation = "FIRST"
	AggregateLast  Aggregation = "LAST"
	AggregateMin   Aggregation = "MIN"
	AggregateMax   Aggregation = "MAX"
	AggregateMean  Aggregation = "MEAN"
)

// MeasurementPhenotype selects rows of a measurement table, optionally by
// codelist and value range and time window, and aggregates VALUE per
// subject. Its result populates VALUE and, except for MEAN, the event date
// of the chosen measurement.
type MeasurementPhenotype struct {
	*Node
	domainName  string
	aggregation Aggregation
	filters     []filters.Filter
}

// MeasurementOption adjusts measurement phenotype construction.
type MeasurementOption func(*MeasurementPhenotype, *[]Phenotype)

// WithMeasurementCodelist narrows the measurements to those matching a
// codelist; codes may live on the table or on the named source domain.
func WithMeasurementCodelist(codelist domain.Codelist, sourceDomain string) MeasurementOption {
	return func(p *MeasurementPhenotype, _ *[]Phenotype) {
		if sourceDomain != "" {
			p.filters = append(p.filters, filters.NewCodelistFilterAt(codelist, sourceDomain))
		} else {
			p.filters = append(p.filters, filters.NewCodelistFilter(codelist))
		}
	}
}

// WithMeasurementFilter appends any further filter; anchored time filters
// add their anchor as a declared dependency.
func WithMeasurementFilter(f filters.Filter) MeasurementOption {
	return func(p *MeasurementPhenotype, deps *[]Phenotype) {
		p.filters = append(p.filters, f)
		if rtf, ok := f.(*filters.RelativeTimeRangeFilter); ok {
			if dep, ok := rtf.Anchor().(Phenotype); ok && dep != nil {
				*deps = append(*deps, dep)
			}
		}
	}
}

// NewMeasurementPhenotype declares a measurement-aggregation phenotype.
func NewMeasurementPhenotype(name, domainName string, aggregation Aggregation, opts ...MeasurementOption) (*MeasurementPhenotype, error) {
	switch aggregation {
	case AggregateFirst, AggregateLast, AggregateMin, AggregateMax, AggregateMean:
	default:
		return nil, fmt.Errorf("%w: unknown aggregation %q", domain.ErrConfiguration, aggregation)
	}
	if domainName == "" {
		return nil, fmt.Errorf("%w: measurement phenotype %s requires a domain", domain.ErrConfiguration, name)
	}
	p := &MeasurementPhenotype{domainName: domainName, aggregation: aggregation}
	var deps []Phenotype
	for _, opt := range opts {
		opt(p, &deps)
	}
	p.Node = NewNode(name, deps, p.compute)
	return p, nil
}

type measurement struct {
	value   float64
	date    *time.Time
	hasDate bool
}

func (p *MeasurementPhenotype) compute(ctx context.Context, domains Tables) (*tables.TypedTable, error) {
	table, err := tables.ResolveDomain(domains, p.domainName)
	if err != nil {
		return nil, err
	}
	env := &filters.Env{Tables: domains}
	work := table
	for _, f := range p.filters {
		work, err = filters.Apply(ctx, f, work, env)
		if err != nil {
			return nil, err
		}
	}

	byPerson := make(map[string][]measurement)
	for _, row := range work.Relation().Rows() {
		person := relational.AsText(row, domain.ColPersonID)
		if person == "" {
			continue
		}
		value, ok := relational.AsFloat(row[domain.ColValue])
		if !ok {
			continue
		}
		m := measurement{value: value}
		if date, ok := relational.AsTime(row[domain.ColEventDate]); ok {
			m.date = &date
			m.hasDate = true
		}
		byPerson[person] = append(byPerson[person], m)
	}

	persons := make([]string, 0, len(byPerson))
	for person := range byPerson {
		persons = append(persons, person)
	}
	sort.Strings(persons)

	rows := make([]relational.Row, 0, len(persons))
	for _, person := range persons {
		chosen, ok := p.aggregate(byPerson[person])
		if !ok {
			continue
		}
		rows = append(rows, resultRow(person, true, chosen.date, &chosen.value))
	}
	return resultTable(rows)
}

func (p *MeasurementPhenotype) aggregate(measurements []measurement) (measurement, bool) {
	if len(measurements) == 0 {
		return measurement{}, false
	}
	switch p.aggregation {
	case AggregateMean:
		sum := 0.0
		for _, m := range measurements {
			sum += m.value
		}
		return measurement{value: sum / float64(len(measurements))}, true
	case AggregateMin, AggregateMax:
		best := measurements[0]
		for _, m := range measurements[1:] {
			if (p.aggregation == AggregateMin && m.value < best.value) ||
				(p.aggregation == AggregateMax && m.value > best.value) {
				best = m
			}
		}
		return best, true
	default: // FIRST or LAST by event date; undated measurements lose.
		best := measurement{}
		found := false
		for _, m := range measurements {
			if !m.hasDate {
				continue
			}
			if !found ||
				(p.aggregation == AggregateFirst && m.date.Before(*best.date)) ||
				(p.aggregation == AggregateLast && m.date.After(*best.date)) {
				best = m
				found = true
			}
		}
		if !found {
			// No dated measurement to order by; fall back to the first row.
			return measurements[0], true
		}
		return best, true
	}
}
