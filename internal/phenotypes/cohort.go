package phenotypes

import (
	"context"
	"fmt"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// Cohort orchestrates a study population: the entry phenotype fixes each
// subject's index date, inclusions and exclusions narrow the population, and
// characteristics are computed for whoever remains. Execution is
// single-threaded and depth-first through the node engine.
type Cohort struct {
	name            string
	entry           Phenotype
	inclusions      []Phenotype
	exclusions      []Phenotype
	characteristics []Phenotype
}

// CohortOption adjusts cohort construction.
type CohortOption func(*Cohort)

// WithInclusions adds phenotypes every cohort member must satisfy.
func WithInclusions(phenotypes ...Phenotype) CohortOption {
	return func(c *Cohort) { c.inclusions = append(c.inclusions, phenotypes...) }
}

// WithExclusions adds phenotypes no cohort member may satisfy.
func WithExclusions(phenotypes ...Phenotype) CohortOption {
	return func(c *Cohort) { c.exclusions = append(c.exclusions, phenotypes...) }
}

// WithCharacteristics adds phenotypes computed for the final population.
func WithCharacteristics(phenotypes ...Phenotype) CohortOption {
	return func(c *Cohort) { c.characteristics = append(c.characteristics, phenotypes...) }
}

// NewCohort declares a cohort around an entry phenotype.
func NewCohort(name string, entry Phenotype, opts ...CohortOption) (*Cohort, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: cohort %s requires an entry phenotype", domain.ErrConfiguration, name)
	}
	c := &Cohort{name: name, entry: entry}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cohort) Name() string { return c.name }

// CohortResult is the materialized outcome of one cohort execution.
type CohortResult struct {
	Name string
	// Index holds one row per cohort member with the member's index date.
	Index *tables.TypedTable
	// Entry is the entry phenotype's full result before narrowing.
	Entry *tables.TypedTable
	// Characteristics maps characteristic phenotype names to their results,
	// restricted to cohort members.
	Characteristics map[string]*tables.TypedTable
	// Count is the number of cohort members.
	Count int
}

// Execute runs the cohort: cycle check, entry, index-table registration,
// inclusions, exclusions, then characteristics. The caller's domain map is
// never mutated; the index table is registered on a copy.
func (c *Cohort) Execute(ctx context.Context, domains Tables) (*CohortResult, error) {
	roots := []Phenotype{c.entry}
	roots = append(roots, c.inclusions...)
	roots = append(roots, c.exclusions...)
	roots = append(roots, c.characteristics...)
	if err := DetectCycle(roots...); err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}

	entryResult, err := c.entry.Execute(ctx, domains)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: entry: %w", c.name, err)
	}

	indexTable, err := indexFromEntry(entryResult)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	scoped := domains.With(string(tables.KindIndex), indexTable)

	members := flaggedPersons(entryResult)
	for _, inclusion := range c.inclusions {
		result, err := inclusion.Execute(ctx, scoped)
		if err != nil {
			return nil, fmt.Errorf("cohort %s: inclusion %s: %w", c.name, inclusion.Name(), err)
		}
		flagged := flaggedPersons(result)
		for person := range members {
			if _, ok := flagged[person]; !ok {
				delete(members, person)
			}
		}
	}
	for _, exclusion := range c.exclusions {
		result, err := exclusion.Execute(ctx, scoped)
		if err != nil {
			return nil, fmt.Errorf("cohort %s: exclusion %s: %w", c.name, exclusion.Name(), err)
		}
		for person := range flaggedPersons(result) {
			delete(members, person)
		}
	}

	finalIndex := indexTable.Filter(func(row relational.Row) bool {
		_, ok := members[relational.AsText(row, domain.ColPersonID)]
		return ok
	})

	characteristics := make(map[string]*tables.TypedTable, len(c.characteristics))
	memberScope := domains.With(string(tables.KindIndex), finalIndex)
	for _, characteristic := range c.characteristics {
		result, err := characteristic.Execute(ctx, memberScope)
		if err != nil {
			return nil, fmt.Errorf("cohort %s: characteristic %s: %w", c.name, characteristic.Name(), err)
		}
		restricted := result.Filter(func(row relational.Row) bool {
			_, ok := members[relational.AsText(row, domain.ColPersonID)]
			return ok
		})
		characteristics[characteristic.Name()] = restricted
	}

	return &CohortResult{
		Name:            c.name,
		Index:           finalIndex,
		Entry:           entryResult,
		Characteristics: characteristics,
		Count:           finalIndex.Relation().Len(),
	}, nil
}

// indexFromEntry derives the INDEX table from an entry result: subject plus
// index date, one row per subject.
func indexFromEntry(entry *tables.TypedTable) (*tables.TypedTable, error) {
	selected, err := entry.Relation().Select(domain.ColPersonID, domain.ColEventDate)
	if err != nil {
		return nil, err
	}
	indexed := selected.Rename(map[string]string{domain.ColEventDate: domain.ColIndexDate}).Distinct()
	return tables.New(tables.DefaultDescriptor(tables.KindIndex), indexed)
}
