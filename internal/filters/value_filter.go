package filters

import (
	"context"
	"fmt"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
	"github.com/rpattn/phenoql/internal/tables"
)

// ValueFilter keeps rows whose numeric column satisfies a min and/or max
// Value comparison. Rows without a readable numeric value are removed.
type ValueFilter struct {
	column string
	min    *domain.Value
	max    *domain.Value
}

// NewValueFilter validates the range at construction: the column must be
// named and a present min/max pair must be mutually satisfiable.
func NewValueFilter(column string, min, max *domain.Value) (*ValueFilter, error) {
	if column == "" {
		return nil, fmt.Errorf("%w: value filter requires a column", domain.ErrConfiguration)
	}
	if min == nil && max == nil {
		return nil, fmt.Errorf("%w: value filter on %s requires at least one bound", domain.ErrConfiguration, column)
	}
	if err := domain.ValidateRange(min, max); err != nil {
		return nil, err
	}
	return &ValueFilter{column: column, min: min, max: max}, nil
}

func (f *ValueFilter) Name() string {
	return "value(" + f.column + ")"
}

func (f *ValueFilter) Apply(_ context.Context, table *tables.TypedTable, _ *Env) (*tables.TypedTable, error) {
	if !table.HasColumn(f.column) {
		return nil, fmt.Errorf("%w: value filter column %q not present on %s table",
			domain.ErrConfiguration, f.column, table.Kind())
	}
	return table.Filter(func(row relational.Row) bool {
		x, ok := relational.AsFloat(row[f.column])
		if !ok {
			return false
		}
		if f.min != nil && !f.min.Compare(x) {
			return false
		}
		if f.max != nil && !f.max.Compare(x) {
			return false
		}
		return true
	}), nil
}
