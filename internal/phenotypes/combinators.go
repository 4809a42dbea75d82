package phenotypes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// LogicOp combines child phenotype flags.
type LogicOp string

const (
	LogicAnd LogicOp = "AND"
	LogicOr  LogicOp = "OR"
	LogicNot LogicOp = "NOT"
)

// LogicPhenotype combines the boolean flags of its operand phenotypes:
// AND intersects the flagged subjects, OR unions them, and NOT complements a
// single operand within the PERSON domain. Its result populates BOOLEAN.
type LogicPhenotype struct {
	*Node
	op       LogicOp
	operands []Phenotype
}

// NewLogicPhenotype declares a boolean combination node. Operands are its
// declared children, so they always execute first.
func NewLogicPhenotype(name string, op LogicOp, operands ...Phenotype) (*LogicPhenotype, error) {
	switch op {
	case LogicAnd, LogicOr:
		if len(operands) < 2 {
			return nil, fmt.Errorf("%w: %s phenotype %s requires at least two operands", domain.ErrConfiguration, op, name)
		}
	case LogicNot:
		if len(operands) != 1 {
			return nil, fmt.Errorf("%w: NOT phenotype %s requires exactly one operand", domain.ErrConfiguration, name)
		}
	default:
		return nil, fmt.Errorf("%w: unknown logic operator %q", domain.ErrConfiguration, op)
	}
	p := &LogicPhenotype{op: op, operands: operands}
	p.Node = NewNode(name, operands, p.compute)
	return p, nil
}

func (p *LogicPhenotype) compute(_ context.Context, domains Tables) (*tables.TypedTable, error) {
	sets := make([]map[string]struct{}, len(p.operands))
	for i, operand := range p.operands {
		result, err := operand.Result()
		if err != nil {
			return nil, err
		}
		sets[i] = flaggedPersons(result)
	}

	var members map[string]struct{}
	switch p.op {
	case LogicAnd:
		members = sets[0]
		for _, set := range sets[1:] {
			next := make(map[string]struct{})
			for person := range members {
				if _, ok := set[person]; ok {
					next[person] = struct{}{}
				}
			}
			members = next
		}
	case LogicOr:
		members = make(map[string]struct{})
		for _, set := range sets {
			for person := range set {
				members[person] = struct{}{}
			}
		}
	case LogicNot:
		universe, err := personUniverse(domains)
		if err != nil {
			return nil, err
		}
		members = make(map[string]struct{})
		for person := range universe {
			if _, ok := sets[0][person]; !ok {
				members[person] = struct{}{}
			}
		}
	}

	return resultTable(booleanRows(members))
}

// ArithmeticOp combines two child values per subject.
type ArithmeticOp string

const (
	OpAdd      ArithmeticOp = "+"
	OpSubtract ArithmeticOp = "-"
	OpMultiply ArithmeticOp = "*"
	OpDivide   ArithmeticOp = "/"
)

// ArithmeticPhenotype combines the VALUE columns of two phenotypes, joined
// on the subject identifier. Subjects missing a value on either side, or
// hitting a zero divisor, produce no row. Its result populates VALUE.
type ArithmeticPhenotype struct {
	*Node
	op    ArithmeticOp
	left  Phenotype
	right Phenotype
}

// NewArithmeticPhenotype declares a per-subject arithmetic combination.
func NewArithmeticPhenotype(name string, op ArithmeticOp, left, right Phenotype) (*ArithmeticPhenotype, error) {
	switch op {
	case OpAdd, OpSubtract, OpMultiply, OpDivide:
	default:
		return nil, fmt.Errorf("%w: unknown arithmetic operator %q", domain.ErrConfiguration, op)
	}
	p := &ArithmeticPhenotype{op: op, left: left, right: right}
	p.Node = NewNode(name, []Phenotype{left, right}, p.compute)
	return p, nil
}

func (p *ArithmeticPhenotype) compute(_ context.Context, _ Tables) (*tables.TypedTable, error) {
	leftValues, err := resultValues(p.left)
	if err != nil {
		return nil, err
	}
	rightValues, err := resultValues(p.right)
	if err != nil {
		return nil, err
	}

	persons := make([]string, 0, len(leftValues))
	for person := range leftValues {
		if _, ok := rightValues[person]; ok {
			persons = append(persons, person)
		}
	}
	sort.Strings(persons)

	rows := make([]relational.Row, 0, len(persons))
	for _, person := range persons {
		l, r := leftValues[person], rightValues[person]
		var value float64
		switch p.op {
		case OpAdd:
			value = l + r
		case OpSubtract:
			value = l - r
		case OpMultiply:
			value = l * r
		case OpDivide:
			if r == 0 {
				continue
			}
			value = l / r
		}
		rows = append(rows, resultRow(person, true, nil, &value))
	}
	return resultTable(rows)
}

// ScoreComponent weights one phenotype's flag inside a score.
type ScoreComponent struct {
	Phenotype Phenotype
	Weight    float64
}

// ScorePhenotype computes a weighted sum of component flags per subject in
// the PERSON domain; unflagged components contribute zero. Its result
// populates VALUE for every subject of the universe.
type ScorePhenotype struct {
	*Node
	components []ScoreComponent
}

// NewScorePhenotype declares a weighted-sum score over component flags.
func NewScorePhenotype(name string, components []ScoreComponent) (*ScorePhenotype, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("%w: score phenotype %s requires components", domain.ErrConfiguration, name)
	}
	children := make([]Phenotype, len(components))
	for i, component := range components {
		children[i] = component.Phenotype
	}
	p := &ScorePhenotype{components: components}
	p.Node = NewNode(name, children, p.compute)
	return p, nil
}

func (p *ScorePhenotype) compute(_ context.Context, domains Tables) (*tables.TypedTable, error) {
	universe, err := personUniverse(domains)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(universe))
	for person := range universe {
		scores[person] = 0
	}
	for _, component := range p.components {
		result, err := component.Phenotype.Result()
		if err != nil {
			return nil, err
		}
		for person := range flaggedPersons(result) {
			if _, ok := scores[person]; ok {
				scores[person] += component.Weight
			}
		}
	}

	persons := make([]string, 0, len(scores))
	for person := range scores {
		persons = append(persons, person)
	}
	sort.Strings(persons)

	rows := make([]relational.Row, 0, len(persons))
	for _, person := range persons {
		value := scores[person]
		rows = append(rows, resultRow(person, true, nil, &value))
	}
	return resultTable(rows)
}

// Bin is a right-open value interval [Lower, Upper) mapped to a bin value.
type Bin struct {
	Lower float64
	Upper float64
	Value float64
}

// BinPhenotype categorizes a source phenotype's VALUE into declared bins.
// Values outside every bin yield no row. Its result populates VALUE with the
// bin value; the source's event date carries through.
type BinPhenotype struct {
	*Node
	source Phenotype
	bins   []Bin
}

// NewBinPhenotype declares a binning node. Bins must be well-formed,
// ascending and non-overlapping; validated at construction.
func NewBinPhenotype(name string, source Phenotype, bins []Bin) (*BinPhenotype, error) {
	if len(bins) == 0 {
		return nil, fmt.Errorf("%w: bin phenotype %s requires bins", domain.ErrConfiguration, name)
	}
	for i, bin := range bins {
		if bin.Lower >= bin.Upper {
			return nil, fmt.Errorf("%w: bin phenotype %s: bin %d has lower %g >= upper %g",
				domain.ErrConfiguration, name, i, bin.Lower, bin.Upper)
		}
		if i > 0 && bin.Lower < bins[i-1].Upper {
			return nil, fmt.Errorf("%w: bin phenotype %s: bin %d overlaps bin %d",
				domain.ErrConfiguration, name, i, i-1)
		}
	}
	p := &BinPhenotype{source: source, bins: append([]Bin(nil), bins...)}
	p.Node = NewNode(name, []Phenotype{source}, p.compute)
	return p, nil
}

func (p *BinPhenotype) compute(_ context.Context, _ Tables) (*tables.TypedTable, error) {
	result, err := p.source.Result()
	if err != nil {
		return nil, err
	}
	var rows []relational.Row
	for _, row := range result.Relation().Rows() {
		value, ok := relational.AsFloat(row[domain.ColValue])
		if !ok {
			continue
		}
		binned, ok := p.lookup(value)
		if !ok {
			continue
		}
		person := relational.AsText(row, domain.ColPersonID)
		var date *time.Time
		if parsed, hasDate := relational.AsTime(row[domain.ColEventDate]); hasDate {
			date = &parsed
		}
		rows = append(rows, resultRow(person, true, date, &binned))
	}
	return resultTable(rows)
}

func (p *BinPhenotype) lookup(value float64) (float64, bool) {
	for _, bin := range p.bins {
		if value >= bin.Lower && value < bin.Upper {
			return bin.Value, true
		}
	}
	return 0, false
}

// personUniverse collects every subject of the PERSON domain.
func personUniverse(domains Tables) (map[string]struct{}, error) {
	persons, err := tables.ResolveDomain(domains, string(tables.KindPerson))
	if err != nil {
		return nil, err
	}
	universe := make(map[string]struct{})
	for _, row := range persons.Relation().Rows() {
		if person := relational.AsText(row, domain.ColPersonID); person != "" {
			universe[person] = struct{}{}
		}
	}
	return universe, nil
}

// booleanRows builds flag-only result rows in sorted subject order.
func booleanRows(members map[string]struct{}) []relational.Row {
	persons := make([]string, 0, len(members))
	for person := range members {
		persons = append(persons, person)
	}
	sort.Strings(persons)
	rows := make([]relational.Row, 0, len(persons))
	for _, person := range persons {
		rows = append(rows, resultRow(person, true, nil, nil))
	}
	return rows
}
