package phenotypes

import (
	"context"
	"fmt"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/filters"
	"github.com/rpattn/phenoql/internal/tables"
)

// CodelistPhenotype flags subjects with at least one event matching a
// codelist, optionally narrowed by further filters (time windows, value
// ranges). Its result populates BOOLEAN, plus EVENT_DATE except in ANY mode.
type CodelistPhenotype struct {
	*Node
	domainName string
	codelist   domain.Codelist
	codeSource string
	mode       OccurrenceMode
	filters    []filters.Filter
}

// CodelistOption adjusts codelist phenotype construction.
type CodelistOption func(*CodelistPhenotype, *[]Phenotype)

// WithCodeSource declares that the event table's codes live on another
// domain table, reached via autojoin.
func WithCodeSource(domainName string) CodelistOption {
	return func(p *CodelistPhenotype, _ *[]Phenotype) { p.codeSource = domainName }
}

// WithFilter appends a filter applied after codelist matching. When the
// filter anchors on another phenotype, that phenotype becomes a declared
// dependency so it always executes first.
func WithFilter(f filters.Filter) CodelistOption {
	return func(p *CodelistPhenotype, deps *[]Phenotype) {
		p.filters = append(p.filters, f)
		if rtf, ok := f.(*filters.RelativeTimeRangeFilter); ok {
			if dep, ok := rtf.Anchor().(Phenotype); ok && dep != nil {
				*deps = append(*deps, dep)
			}
		}
	}
}

// NewCodelistPhenotype declares a codelist-occurrence phenotype over the
// named event domain.
func NewCodelistPhenotype(name, domainName string, codelist domain.Codelist, mode OccurrenceMode, opts ...CodelistOption) (*CodelistPhenotype, error) {
	switch mode {
	case OccurrenceFirst, OccurrenceLast, OccurrenceAny, OccurrenceAll:
	default:
		return nil, fmt.Errorf("%w: unknown occurrence mode %q", domain.ErrConfiguration, mode)
	}
	if domainName == "" {
		return nil, fmt.Errorf("%w: codelist phenotype %s requires an event domain", domain.ErrConfiguration, name)
	}

	p := &CodelistPhenotype{domainName: domainName, codelist: codelist, mode: mode}
	var deps []Phenotype
	for _, opt := range opts {
		opt(p, &deps)
	}
	p.Node = NewNode(name, deps, p.compute)
	return p, nil
}

func (p *CodelistPhenotype) compute(ctx context.Context, domains Tables) (*tables.TypedTable, error) {
	table, err := tables.ResolveDomain(domains, p.domainName)
	if err != nil {
		return nil, err
	}
	env := &filters.Env{Tables: domains}

	var codeFilter filters.Filter
	if p.codeSource != "" {
		codeFilter = filters.NewCodelistFilterAt(p.codelist, p.codeSource)
	} else {
		codeFilter = filters.NewCodelistFilter(p.codelist)
	}

	work, err := filters.Apply(ctx, codeFilter, table, env)
	if err != nil {
		return nil, err
	}
	for _, f := range p.filters {
		work, err = filters.Apply(ctx, f, work, env)
		if err != nil {
			return nil, err
		}
	}

	return resultTable(aggregateOccurrences(work.Relation(), p.mode, domain.ColEventDate))
}
