package api

import (
	"fmt"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/filters"
	"github.com/rpattn/phenoql/internal/phenotypes"
)

// CohortDef is the wire form of a cohort definition.
type CohortDef struct {
	Name            string         `json:"name"`
	Entry           PhenotypeDef   `json:"entry"`
	Inclusions      []PhenotypeDef `json:"inclusions,omitempty"`
	Exclusions      []PhenotypeDef `json:"exclusions,omitempty"`
	Characteristics []PhenotypeDef `json:"characteristics,omitempty"`
}

// PhenotypeDef is the wire form of one phenotype node. Which fields apply
// depends on Type; unknown combinations fail at build time, not silently.
type PhenotypeDef struct {
	Name string `json:"name,omitempty"`
	// Type is one of codelist, measurement, age, death, logic, arithmetic,
	// score, bin. Empty with Ref set references an already-built node.
	Type string `json:"type,omitempty"`
	Ref  string `json:"ref,omitempty"`

	Domain     string       `json:"domain,omitempty"`
	Codelist   *CodelistDef `json:"codelist,omitempty"`
	Occurrence string       `json:"occurrence,omitempty"`
	CodeSource string       `json:"code_source,omitempty"`
	Filters    []FilterDef  `json:"filters,omitempty"`

	Aggregation string `json:"aggregation,omitempty"`

	Operator string         `json:"operator,omitempty"`
	Operands []PhenotypeDef `json:"operands,omitempty"`
	Left     *PhenotypeDef  `json:"left,omitempty"`
	Right    *PhenotypeDef  `json:"right,omitempty"`

	Min *ValueDef `json:"min,omitempty"`
	Max *ValueDef `json:"max,omitempty"`

	Components []ComponentDef `json:"components,omitempty"`

	Source *PhenotypeDef `json:"source,omitempty"`
	Bins   []BinDef      `json:"bins,omitempty"`
}

// CodelistDef names a registered codelist or declares one inline.
type CodelistDef struct {
	Name           string              `json:"name"`
	Codes          map[string][]string `json:"codes,omitempty"`
	Fuzzy          bool                `json:"fuzzy,omitempty"`
	IgnoreCodeType bool                `json:"ignore_code_type,omitempty"`
}

// ValueDef is the wire form of an (operator, magnitude) comparison.
type ValueDef struct {
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// FilterDef is the wire form of one row filter on a codelist or
// measurement phenotype.
type FilterDef struct {
	// Type is "time" or "value".
	Type string `json:"type"`

	// Time filter fields.
	When       string    `json:"when,omitempty"`
	MinDays    *ValueDef `json:"min_days,omitempty"`
	MaxDays    *ValueDef `json:"max_days,omitempty"`
	Anchor     string    `json:"anchor,omitempty"`
	DateColumn string    `json:"date_column,omitempty"`

	// Value filter fields.
	Column string    `json:"column,omitempty"`
	Min    *ValueDef `json:"min,omitempty"`
	Max    *ValueDef `json:"max,omitempty"`
}

// ComponentDef weights one phenotype inside a score.
type ComponentDef struct {
	Phenotype PhenotypeDef `json:"phenotype"`
	Weight    float64      `json:"weight"`
}

// BinDef is the wire form of one right-open value interval.
type BinDef struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Value float64 `json:"value"`
}

// builder turns wire definitions into a phenotype graph. Built nodes are
// registered by name so later definitions can reference them (shared
// subexpressions, time-filter anchors) and share memoized results.
type builder struct {
	nodes     map[string]phenotypes.Phenotype
	codelists func(name string) (domain.Codelist, bool)
}

func newBuilder(codelists func(name string) (domain.Codelist, bool)) *builder {
	if codelists == nil {
		codelists = func(string) (domain.Codelist, bool) { return domain.Codelist{}, false }
	}
	return &builder{nodes: make(map[string]phenotypes.Phenotype), codelists: codelists}
}

// buildCohort assembles the full cohort graph from a definition.
func (b *builder) buildCohort(def CohortDef) (*phenotypes.Cohort, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: cohort requires a name", domain.ErrConfiguration)
	}
	entry, err := b.build(def.Entry)
	if err != nil {
		return nil, fmt.Errorf("cohort %s entry: %w", def.Name, err)
	}
	var opts []phenotypes.CohortOption
	if nodes, err := b.buildAll(def.Inclusions); err != nil {
		return nil, fmt.Errorf("cohort %s inclusions: %w", def.Name, err)
	} else if len(nodes) > 0 {
		opts = append(opts, phenotypes.WithInclusions(nodes...))
	}
	if nodes, err := b.buildAll(def.Exclusions); err != nil {
		return nil, fmt.Errorf("cohort %s exclusions: %w", def.Name, err)
	} else if len(nodes) > 0 {
		opts = append(opts, phenotypes.WithExclusions(nodes...))
	}
	if nodes, err := b.buildAll(def.Characteristics); err != nil {
		return nil, fmt.Errorf("cohort %s characteristics: %w", def.Name, err)
	} else if len(nodes) > 0 {
		opts = append(opts, phenotypes.WithCharacteristics(nodes...))
	}
	return phenotypes.NewCohort(def.Name, entry, opts...)
}

func (b *builder) buildAll(defs []PhenotypeDef) ([]phenotypes.Phenotype, error) {
	nodes := make([]phenotypes.Phenotype, 0, len(defs))
	for _, def := range defs {
		node, err := b.build(def)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (b *builder) build(def PhenotypeDef) (phenotypes.Phenotype, error) {
	if def.Ref != "" {
		node, ok := b.nodes[def.Ref]
		if !ok {
			return nil, fmt.Errorf("%w: reference to undefined phenotype %q", domain.ErrConfiguration, def.Ref)
		}
		return node, nil
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%w: phenotype requires a name", domain.ErrConfiguration)
	}
	if _, exists := b.nodes[def.Name]; exists {
		return nil, fmt.Errorf("%w: duplicate phenotype name %q", domain.ErrConfiguration, def.Name)
	}

	var (
		node phenotypes.Phenotype
		err  error
	)
	switch def.Type {
	case "codelist":
		node, err = b.buildCodelist(def)
	case "measurement":
		node, err = b.buildMeasurement(def)
	case "age":
		node, err = b.buildAge(def)
	case "death":
		node = phenotypes.NewDeathPhenotype(def.Name)
	case "logic":
		node, err = b.buildLogic(def)
	case "arithmetic":
		node, err = b.buildArithmetic(def)
	case "score":
		node, err = b.buildScore(def)
	case "bin":
		node, err = b.buildBin(def)
	default:
		return nil, fmt.Errorf("%w: unknown phenotype type %q", domain.ErrConfiguration, def.Type)
	}
	if err != nil {
		return nil, err
	}
	b.nodes[def.Name] = node
	return node, nil
}

func (b *builder) buildCodelist(def PhenotypeDef) (phenotypes.Phenotype, error) {
	codelist, err := b.resolveCodelist(def.Codelist)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s: %w", def.Name, err)
	}
	mode := phenotypes.OccurrenceFirst
	if def.Occurrence != "" {
		mode = phenotypes.OccurrenceMode(def.Occurrence)
	}
	opts := []phenotypes.CodelistOption{}
	if def.CodeSource != "" {
		opts = append(opts, phenotypes.WithCodeSource(def.CodeSource))
	}
	for _, fdef := range def.Filters {
		f, err := b.buildFilter(fdef)
		if err != nil {
			return nil, fmt.Errorf("phenotype %s: %w", def.Name, err)
		}
		opts = append(opts, phenotypes.WithFilter(f))
	}
	return phenotypes.NewCodelistPhenotype(def.Name, def.Domain, codelist, mode, opts...)
}

func (b *builder) buildMeasurement(def PhenotypeDef) (phenotypes.Phenotype, error) {
	aggregation := phenotypes.AggregateLast
	if def.Aggregation != "" {
		aggregation = phenotypes.Aggregation(def.Aggregation)
	}
	opts := []phenotypes.MeasurementOption{}
	if def.Codelist != nil {
		codelist, err := b.resolveCodelist(def.Codelist)
		if err != nil {
			return nil, fmt.Errorf("phenotype %s: %w", def.Name, err)
		}
		opts = append(opts, phenotypes.WithMeasurementCodelist(codelist, def.CodeSource))
	}
	for _, fdef := range def.Filters {
		f, err := b.buildFilter(fdef)
		if err != nil {
			return nil, fmt.Errorf("phenotype %s: %w", def.Name, err)
		}
		opts = append(opts, phenotypes.WithMeasurementFilter(f))
	}
	return phenotypes.NewMeasurementPhenotype(def.Name, def.Domain, aggregation, opts...)
}

func (b *builder) buildAge(def PhenotypeDef) (phenotypes.Phenotype, error) {
	min, err := b.value(def.Min)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s min: %w", def.Name, err)
	}
	max, err := b.value(def.Max)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s max: %w", def.Name, err)
	}
	return phenotypes.NewAgePhenotype(def.Name, min, max)
}

func (b *builder) buildLogic(def PhenotypeDef) (phenotypes.Phenotype, error) {
	operands, err := b.buildAll(def.Operands)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s: %w", def.Name, err)
	}
	return phenotypes.NewLogicPhenotype(def.Name, phenotypes.LogicOp(def.Operator), operands...)
}

func (b *builder) buildArithmetic(def PhenotypeDef) (phenotypes.Phenotype, error) {
	if def.Left == nil || def.Right == nil {
		return nil, fmt.Errorf("%w: arithmetic phenotype %s requires left and right", domain.ErrConfiguration, def.Name)
	}
	left, err := b.build(*def.Left)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s left: %w", def.Name, err)
	}
	right, err := b.build(*def.Right)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s right: %w", def.Name, err)
	}
	return phenotypes.NewArithmeticPhenotype(def.Name, phenotypes.ArithmeticOp(def.Operator), left, right)
}

func (b *builder) buildScore(def PhenotypeDef) (phenotypes.Phenotype, error) {
	components := make([]phenotypes.ScoreComponent, 0, len(def.Components))
	for _, cdef := range def.Components {
		node, err := b.build(cdef.Phenotype)
		if err != nil {
			return nil, fmt.Errorf("phenotype %s: %w", def.Name, err)
		}
		components = append(components, phenotypes.ScoreComponent{Phenotype: node, Weight: cdef.Weight})
	}
	return phenotypes.NewScorePhenotype(def.Name, components)
}

func (b *builder) buildBin(def PhenotypeDef) (phenotypes.Phenotype, error) {
	if def.Source == nil {
		return nil, fmt.Errorf("%w: bin phenotype %s requires a source", domain.ErrConfiguration, def.Name)
	}
	source, err := b.build(*def.Source)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s source: %w", def.Name, err)
	}
	bins := make([]phenotypes.Bin, len(def.Bins))
	for i, bdef := range def.Bins {
		bins[i] = phenotypes.Bin{Lower: bdef.Lower, Upper: bdef.Upper, Value: bdef.Value}
	}
	return phenotypes.NewBinPhenotype(def.Name, source, bins)
}

func (b *builder) buildFilter(def FilterDef) (filters.Filter, error) {
	switch def.Type {
	case "time":
		min, err := b.value(def.MinDays)
		if err != nil {
			return nil, fmt.Errorf("time filter min_days: %w", err)
		}
		max, err := b.value(def.MaxDays)
		if err != nil {
			return nil, fmt.Errorf("time filter max_days: %w", err)
		}
		var opts []filters.RelativeTimeRangeOption
		if def.Anchor != "" {
			anchor, ok := b.nodes[def.Anchor]
			if !ok {
				return nil, fmt.Errorf("%w: time filter anchor %q is not defined", domain.ErrConfiguration, def.Anchor)
			}
			opts = append(opts, filters.WithAnchor(anchor))
		}
		if def.DateColumn != "" {
			opts = append(opts, filters.WithDateColumn(def.DateColumn))
		}
		return filters.NewRelativeTimeRangeFilter(filters.Orientation(def.When), min, max, opts...)
	case "value":
		min, err := b.value(def.Min)
		if err != nil {
			return nil, fmt.Errorf("value filter min: %w", err)
		}
		max, err := b.value(def.Max)
		if err != nil {
			return nil, fmt.Errorf("value filter max: %w", err)
		}
		return filters.NewValueFilter(def.Column, min, max)
	}
	return nil, fmt.Errorf("%w: unknown filter type %q", domain.ErrConfiguration, def.Type)
}

// resolveCodelist materializes a codelist definition: inline codes win,
// otherwise the name is looked up in the registry.
func (b *builder) resolveCodelist(def *CodelistDef) (domain.Codelist, error) {
	if def == nil {
		return domain.Codelist{}, fmt.Errorf("%w: codelist is required", domain.ErrConfiguration)
	}
	if len(def.Codes) > 0 {
		var (
			codelist domain.Codelist
			err      error
		)
		if def.Fuzzy {
			codelist, err = domain.NewFuzzyCodelist(def.Name, def.Codes)
		} else {
			codelist, err = domain.NewCodelist(def.Name, def.Codes)
		}
		if err != nil {
			return domain.Codelist{}, err
		}
		if def.IgnoreCodeType {
			codelist = codelist.WithoutCodeTypeMatch()
		}
		return codelist, nil
	}
	codelist, ok := b.codelists(def.Name)
	if !ok {
		return domain.Codelist{}, fmt.Errorf("%w: codelist %q is not registered", domain.ErrConfiguration, def.Name)
	}
	if def.IgnoreCodeType {
		codelist = codelist.WithoutCodeTypeMatch()
	}
	return codelist, nil
}

func (b *builder) value(def *ValueDef) (*domain.Value, error) {
	if def == nil {
		return nil, nil
	}
	value, err := domain.NewValue(domain.Operator(def.Operator), def.Value)
	if err != nil {
		return nil, err
	}
	return &value, nil
}
