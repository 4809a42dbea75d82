package filters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

var (
	// ErrColumnContract marks a filter that changed its table's column set.
	// Detected immediately after every application, before the result is
	// returned to any caller.
	ErrColumnContract = errors.New("filter changed column set")
	// ErrMissingReference marks a relative-time filter with no anchor node
	// and no INDEX_DATE column to fall back on.
	ErrMissingReference = errors.New("missing reference date")
)

// Env carries the domain tables available during an execution. Filters read
// it to resolve autojoins; they never mutate it.
type Env struct {
	Tables map[string]*tables.TypedTable
}

// Filter is a row predicate over a typed table. Implementations may join and
// derive columns internally but must return a table with the exact column
// set they were given; Apply enforces that contract.
type Filter interface {
	Name() string
	Apply(ctx context.Context, table *tables.TypedTable, env *Env) (*tables.TypedTable, error)
}

// Anchor supplies a reference date from another node's already-computed
// result. Phenotype graph nodes satisfy this.
type Anchor interface {
	Name() string
	Result() (*tables.TypedTable, error)
}

// Apply runs the filter and verifies the schema invariant: the output must
// expose exactly the input's columns. Always use this instead of calling
// Filter.Apply directly; the invariant is what lets filters compose blindly.
func Apply(ctx context.Context, f Filter, table *tables.TypedTable, env *Env) (*tables.TypedTable, error) {
	out, err := f.Apply(ctx, table, env)
	if err != nil {
		return nil, err
	}
	if err := sameColumns(table.Columns(), out.Columns()); err != nil {
		return nil, fmt.Errorf("%w: filter %s: %v", ErrColumnContract, f.Name(), err)
	}
	return out, nil
}

// rowIdentityColumn tags input rows ahead of a one-to-many join so the
// project-back can collapse the multiplied rows back to the original row
// set. It never appears in any filter output.
const rowIdentityColumn = "__ROW_IDENTITY"

// tagRowIdentity adds an ordinal identity column to every row.
func tagRowIdentity(rel relational.Relation) relational.Relation {
	rows := rel.Rows()
	for i, row := range rows {
		row[rowIdentityColumn] = i
	}
	return relational.NewRelation(append(rel.Columns(), rowIdentityColumn), rows)
}

// collapseRowIdentity keeps the first surviving copy of each tagged input
// row. A join against a table with several matching rows per key multiplies
// input rows; collapsing on the identity tag undoes that without merging
// genuinely duplicate input rows the way a full-tuple Distinct would.
func collapseRowIdentity(rel relational.Relation) relational.Relation {
	seen := make(map[int]struct{}, rel.Len())
	rows := make([]relational.Row, 0, rel.Len())
	for _, row := range rel.Rows() {
		id, ok := row[rowIdentityColumn].(int)
		if !ok {
			rows = append(rows, row)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, row)
	}
	return relational.NewRelation(rel.Columns(), rows)
}

func sameColumns(before, after []string) error {
	b := append([]string(nil), before...)
	a := append([]string(nil), after...)
	sort.Strings(b)
	sort.Strings(a)
	if len(a) == len(b) {
		same := true
		for i := range a {
			if a[i] != b[i] {
				same = false
				break
			}
		}
		if same {
			return nil
		}
	}
	return fmt.Errorf("had [%s], got [%s]", strings.Join(b, ", "), strings.Join(a, ", "))
}

type andFilter struct {
	filters []Filter
}

// And composes filters sequentially; the surviving row set is the
// intersection of the operands'.
func And(filters ...Filter) Filter {
	return &andFilter{filters: filters}
}

func (f *andFilter) Name() string { return combinatorName("and", f.filters) }

func (f *andFilter) Apply(ctx context.Context, table *tables.TypedTable, env *Env) (*tables.TypedTable, error) {
	current := table
	for _, inner := range f.filters {
		next, err := Apply(ctx, inner, current, env)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

type orFilter struct {
	filters []Filter
}

// Or applies each operand independently to the original table and unions the
// row sets, deduplicating. An inclusive or over independent evaluations, not
// a short circuit.
func Or(filters ...Filter) Filter {
	return &orFilter{filters: filters}
}

func (f *orFilter) Name() string { return combinatorName("or", f.filters) }

func (f *orFilter) Apply(ctx context.Context, table *tables.TypedTable, env *Env) (*tables.TypedTable, error) {
	if len(f.filters) == 0 {
		return table, nil
	}
	first, err := Apply(ctx, f.filters[0], table, env)
	if err != nil {
		return nil, err
	}
	combined := first.Relation()
	for _, inner := range f.filters[1:] {
		next, err := Apply(ctx, inner, table, env)
		if err != nil {
			return nil, err
		}
		combined, err = combined.Union(next.Relation(), true)
		if err != nil {
			return nil, fmt.Errorf("or filter %s: %w", inner.Name(), err)
		}
	}
	return rewrap(table, combined)
}

type notFilter struct {
	inner Filter
}

// Not applies the inner filter to the table and returns the set difference
// of the original rows minus the filtered rows.
func Not(inner Filter) Filter {
	return &notFilter{inner: inner}
}

func (f *notFilter) Name() string { return "not(" + f.inner.Name() + ")" }

func (f *notFilter) Apply(ctx context.Context, table *tables.TypedTable, env *Env) (*tables.TypedTable, error) {
	matched, err := Apply(ctx, f.inner, table, env)
	if err != nil {
		return nil, err
	}
	remaining, err := table.Relation().Difference(matched.Relation())
	if err != nil {
		return nil, fmt.Errorf("not filter %s: %w", f.inner.Name(), err)
	}
	return rewrap(table, remaining)
}

// rewrap re-projects a combined relation onto the source table's column
// order and kind.
func rewrap(table *tables.TypedTable, rel relational.Relation) (*tables.TypedTable, error) {
	selected, err := rel.Select(table.Columns()...)
	if err != nil {
		return nil, err
	}
	return table.Rewrap(selected)
}

func combinatorName(op string, filters []Filter) string {
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Name()
	}
	return op + "(" + strings.Join(names, ", ") + ")"
}
