package filters

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// CodelistFilter keeps the rows of a code-event table whose (code, system)
// pair appears in a codelist. When the filtered table does not itself carry
// the code columns, the filter autojoins to the declared source domain and
// projects the result back down to the original columns.
type CodelistFilter struct {
	codelist domain.Codelist
	// sourceDomain names the domain table where the codes live; empty means
	// the filtered table's own CODE/CODE_TYPE columns.
	sourceDomain string
}

// NewCodelistFilter builds a filter over codes on the filtered table itself.
func NewCodelistFilter(codelist domain.Codelist) *CodelistFilter {
	return &CodelistFilter{codelist: codelist}
}

// NewCodelistFilterAt builds a filter whose codes live on another domain
// table, reached via autojoin.
func NewCodelistFilterAt(codelist domain.Codelist, sourceDomain string) *CodelistFilter {
	return &CodelistFilter{codelist: codelist, sourceDomain: sourceDomain}
}

func (f *CodelistFilter) Name() string {
	return "codelist(" + f.codelist.Name() + ")"
}

func (f *CodelistFilter) Apply(_ context.Context, table *tables.TypedTable, env *Env) (*tables.TypedTable, error) {
	original := table.Columns()

	work := table
	joined := false
	if !f.hasCodeColumns(work) {
		if f.sourceDomain == "" {
			return nil, fmt.Errorf("%w: codelist %s requires code columns but table %s has none and no source domain is declared",
				domain.ErrConfiguration, f.codelist.Name(), table.Kind())
		}
		var available map[string]*tables.TypedTable
		if env != nil {
			available = env.Tables
		}
		target, err := tables.ResolveDomain(available, f.sourceDomain)
		if err != nil {
			return nil, fmt.Errorf("codelist %s: %w", f.codelist.Name(), err)
		}
		// Tag input rows first: a subject with several matching code rows
		// would otherwise come out of the join multiplied.
		tagged, err := table.Rewrap(tagRowIdentity(table.Relation()))
		if err != nil {
			return nil, fmt.Errorf("codelist %s: %w", f.codelist.Name(), err)
		}
		work, err = tagged.Join(target, available)
		if err != nil {
			return nil, fmt.Errorf("codelist %s: %w", f.codelist.Name(), err)
		}
		joined = true
		if !f.hasCodeColumns(work) {
			return nil, fmt.Errorf("%w: codelist %s: domain %q does not expose %s",
				domain.ErrConfiguration, f.codelist.Name(), f.sourceDomain, f.neededColumns())
		}
	}

	var filtered *tables.TypedTable
	var err error
	if f.codelist.Fuzzy() {
		filtered = f.applyFuzzy(work)
	} else {
		filtered, err = f.applyLiteral(work)
		if err != nil {
			return nil, fmt.Errorf("codelist %s: %w", f.codelist.Name(), err)
		}
	}

	// Join-introduced rows and columns must never leak into the output:
	// collapse on the identity tag, then project back.
	result := filtered.Relation()
	if joined {
		result = collapseRowIdentity(result)
	}
	selected, err := result.Select(original...)
	if err != nil {
		return nil, fmt.Errorf("codelist %s: %w", f.codelist.Name(), err)
	}
	return table.Rewrap(selected)
}

func (f *CodelistFilter) hasCodeColumns(table *tables.TypedTable) bool {
	if !table.HasColumn(domain.ColCode) {
		return false
	}
	if f.codelist.MatchCodeType() && !table.HasColumn(domain.ColCodeType) {
		return false
	}
	return true
}

func (f *CodelistFilter) neededColumns() string {
	if f.codelist.MatchCodeType() {
		return domain.ColCode + "/" + domain.ColCodeType
	}
	return domain.ColCode
}

// applyLiteral builds a small literal relation from the codelist's pairs and
// inner-joins the code table to it: an exact-match semi-join on the code
// text, plus the code system when the codelist matches on it.
func (f *CodelistFilter) applyLiteral(table *tables.TypedTable) (*tables.TypedTable, error) {
	columns := []string{domain.ColCode}
	keys := []relational.JoinKey{relational.On(domain.ColCode)}
	if f.codelist.MatchCodeType() {
		columns = append(columns, domain.ColCodeType)
		keys = append(keys, relational.On(domain.ColCodeType))
	}

	rows := make([]relational.Row, 0, len(f.codelist.Pairs()))
	for _, pair := range f.codelist.Pairs() {
		row := relational.Row{domain.ColCode: pair.Code}
		if f.codelist.MatchCodeType() {
			row[domain.ColCodeType] = pair.System
		}
		rows = append(rows, row)
	}
	literal := relational.NewRelation(columns, rows).Distinct()

	return table.JoinRelation(literal, keys)
}

// applyFuzzy filters with a disjunction of starts-with pattern clauses, one
// per code system, each optionally AND-ed with a code-system equality test.
func (f *CodelistFilter) applyFuzzy(table *tables.TypedTable) *tables.TypedTable {
	systems := f.codelist.Systems()
	return table.Filter(func(row relational.Row) bool {
		code := relational.AsText(row, domain.ColCode)
		codeType := relational.AsText(row, domain.ColCodeType)
		for _, system := range systems {
			if f.codelist.MatchCodeType() && codeType != system {
				continue
			}
			for _, pattern := range f.codelist.CodesFor(system) {
				if matchPattern(code, pattern) {
					return true
				}
			}
		}
		return false
	})
}

// matchPattern implements the fuzzy code test: a bare pattern is a
// starts-with match; a % wildcard splits the pattern into ordered segments
// that must appear in sequence, anchored at the start unless the pattern
// begins with %.
func matchPattern(code, pattern string) bool {
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "%") {
		return strings.HasPrefix(code, pattern)
	}
	segments := strings.Split(pattern, "%")
	rest := code
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		idx := strings.Index(rest, segment)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		rest = rest[idx+len(segment):]
	}
	// A pattern not ending in % must consume the code to its end.
	if last := segments[len(segments)-1]; last != "" && !strings.HasSuffix(code, last) {
		return false
	}
	return true
}
