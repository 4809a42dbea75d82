package relational

import (
	"fmt"
	"sort"
	"strings"
)

// Row holds one tuple keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row's map so callers can mutate it
// without touching the original.
func (r Row) Clone() Row {
	cloned := make(Row, len(r))
	for key, value := range r {
		cloned[key] = value
	}
	return cloned
}

// JoinKey declares an equality predicate for one join. Symmetric keys set
// Left and Right to the same column name; asymmetric keys name a distinct
// column on each side. The distinction is explicit, never inferred from the
// shape of a key list.
type JoinKey struct {
	Left  string
	Right string
}

// On builds a symmetric join key.
func On(column string) JoinKey { return JoinKey{Left: column, Right: column} }

// OnColumns builds an asymmetric join key.
func OnColumns(left, right string) JoinKey { return JoinKey{Left: left, Right: right} }

// Relation is an immutable in-memory table: an ordered column list plus a
// row set. Every operation returns a new Relation; rows handed in or out are
// copied so no two relations ever alias the same map.
type Relation struct {
	columns []string
	rows    []Row
}

// NewRelation constructs a relation, copying columns and rows. Row values
// outside the declared column set are dropped.
func NewRelation(columns []string, rows []Row) Relation {
	cols := append([]string(nil), columns...)
	copied := make([]Row, 0, len(rows))
	for _, row := range rows {
		projected := make(Row, len(cols))
		for _, col := range cols {
			if value, ok := row[col]; ok {
				projected[col] = value
			}
		}
		copied = append(copied, projected)
	}
	return Relation{columns: cols, rows: copied}
}

// Columns returns a copy of the ordered column list.
func (r Relation) Columns() []string {
	return append([]string(nil), r.columns...)
}

// HasColumn reports whether the relation exposes the named column.
func (r Relation) HasColumn(name string) bool {
	for _, col := range r.columns {
		if col == name {
			return true
		}
	}
	return false
}

// Len returns the number of rows.
func (r Relation) Len() int { return len(r.rows) }

// Rows materializes the row set as copies.
func (r Relation) Rows() []Row {
	rows := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row.Clone())
	}
	return rows
}

// Select projects the relation down to the named columns, preserving the
// requested order.
func (r Relation) Select(columns ...string) (Relation, error) {
	for _, col := range columns {
		if !r.HasColumn(col) {
			return Relation{}, fmt.Errorf("select: unknown column %q (have %s)", col, strings.Join(r.columns, ", "))
		}
	}
	return NewRelation(columns, r.rows), nil
}

// Rename maps old column names to new ones. Columns absent from the mapping
// keep their name; mapping entries for columns the relation does not have
// are ignored.
func (r Relation) Rename(mapping map[string]string) Relation {
	columns := make([]string, len(r.columns))
	for i, col := range r.columns {
		if renamed, ok := mapping[col]; ok {
			columns[i] = renamed
		} else {
			columns[i] = col
		}
	}
	rows := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		renamed := make(Row, len(row))
		for key, value := range row {
			if newKey, ok := mapping[key]; ok {
				renamed[newKey] = value
			} else {
				renamed[key] = value
			}
		}
		rows = append(rows, renamed)
	}
	return Relation{columns: columns, rows: rows}
}

// Filter keeps the rows for which pred returns true. The column set is
// unchanged.
func (r Relation) Filter(pred func(Row) bool) Relation {
	rows := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		if pred(row) {
			rows = append(rows, row.Clone())
		}
	}
	return Relation{columns: r.Columns(), rows: rows}
}

// Mutate adds or replaces a derived column computed per row.
func (r Relation) Mutate(column string, fn func(Row) any) Relation {
	columns := r.Columns()
	if !r.HasColumn(column) {
		columns = append(columns, column)
	}
	rows := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		cloned := row.Clone()
		cloned[column] = fn(row)
		rows = append(rows, cloned)
	}
	return Relation{columns: columns, rows: rows}
}

// Join performs an inner equality join against other. The output column set
// is the union of both sides, deduplicated; on a name collision the left
// side's value wins. Join values are compared by their text rendering, so
// differently typed but textually equal keys still match.
func (r Relation) Join(other Relation, keys []JoinKey) (Relation, error) {
	if len(keys) == 0 {
		return Relation{}, fmt.Errorf("join: no join keys supplied")
	}
	for _, key := range keys {
		if !r.HasColumn(key.Left) {
			return Relation{}, fmt.Errorf("join: left side missing column %q", key.Left)
		}
		if !other.HasColumn(key.Right) {
			return Relation{}, fmt.Errorf("join: right side missing column %q", key.Right)
		}
	}

	columns := r.Columns()
	leftSet := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		leftSet[col] = struct{}{}
	}
	for _, col := range other.columns {
		if _, ok := leftSet[col]; !ok {
			columns = append(columns, col)
		}
	}

	rightIndex := make(map[string][]int)
	for idx, row := range other.rows {
		rightIndex[joinKeyOf(row, keys, false)] = append(rightIndex[joinKeyOf(row, keys, false)], idx)
	}

	var rows []Row
	for _, leftRow := range r.rows {
		for _, idx := range rightIndex[joinKeyOf(leftRow, keys, true)] {
			merged := other.rows[idx].Clone()
			for key, value := range leftRow {
				merged[key] = value
			}
			rows = append(rows, merged)
		}
	}
	return Relation{columns: columns, rows: rows}, nil
}

func joinKeyOf(row Row, keys []JoinKey, left bool) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		col := key.Right
		if left {
			col = key.Left
		}
		parts[i] = fmt.Sprintf("%v", row[col])
	}
	return strings.Join(parts, "\x1f")
}

// Union appends other's rows. Both sides must expose the same column set.
// With distinct set, duplicate rows are removed.
func (r Relation) Union(other Relation, distinct bool) (Relation, error) {
	if err := sameColumnSet(r.columns, other.columns); err != nil {
		return Relation{}, fmt.Errorf("union: %w", err)
	}
	rows := make([]Row, 0, len(r.rows)+len(other.rows))
	for _, row := range r.rows {
		rows = append(rows, row.Clone())
	}
	for _, row := range other.rows {
		rows = append(rows, projectRow(row, r.columns))
	}
	combined := Relation{columns: r.Columns(), rows: rows}
	if distinct {
		return combined.Distinct(), nil
	}
	return combined, nil
}

// Difference returns the rows of r whose full column tuple does not appear
// in other. Both sides must expose the same column set.
func (r Relation) Difference(other Relation) (Relation, error) {
	if err := sameColumnSet(r.columns, other.columns); err != nil {
		return Relation{}, fmt.Errorf("difference: %w", err)
	}
	excluded := make(map[string]struct{}, len(other.rows))
	for _, row := range other.rows {
		excluded[tupleKey(row, r.columns)] = struct{}{}
	}
	rows := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		if _, ok := excluded[tupleKey(row, r.columns)]; ok {
			continue
		}
		rows = append(rows, row.Clone())
	}
	return Relation{columns: r.Columns(), rows: rows}, nil
}

// Distinct removes rows whose full column tuple repeats, keeping first
// occurrences.
func (r Relation) Distinct() Relation {
	seen := make(map[string]struct{}, len(r.rows))
	rows := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		key := tupleKey(row, r.columns)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, row.Clone())
	}
	return Relation{columns: r.Columns(), rows: rows}
}

func projectRow(row Row, columns []string) Row {
	projected := make(Row, len(columns))
	for _, col := range columns {
		if value, ok := row[col]; ok {
			projected[col] = value
		}
	}
	return projected
}

func tupleKey(row Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%v", row[col])
	}
	return strings.Join(parts, "\x1f")
}

func sameColumnSet(left, right []string) error {
	if len(left) != len(right) {
		return columnSetError(left, right)
	}
	set := make(map[string]struct{}, len(left))
	for _, col := range left {
		set[col] = struct{}{}
	}
	for _, col := range right {
		if _, ok := set[col]; !ok {
			return columnSetError(left, right)
		}
	}
	return nil
}

func columnSetError(left, right []string) error {
	l := append([]string(nil), left...)
	r := append([]string(nil), right...)
	sort.Strings(l)
	sort.Strings(r)
	return fmt.Errorf("column sets differ: [%s] vs [%s]", strings.Join(l, ", "), strings.Join(r, ", "))
}
