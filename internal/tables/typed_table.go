package tables

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/relational"
)

// Resolution errors carry the searched kind identifiers and the available
// kinds so a failed autojoin can be diagnosed from the message alone.
var (
	ErrNoJoinPath     = errors.New("no autojoin path")
	ErrTableNotFound  = errors.New("table not found")
	ErrAmbiguousTable = errors.New("ambiguous table")
)

// TypedTable wraps one relation under a canonical kind. Construction applies
// the descriptor's rename mapping and validates the required columns; every
// operation afterwards returns a new TypedTable, never mutating in place.
type TypedTable struct {
	desc Descriptor
	rel  relational.Relation
}

// New applies the descriptor's rename mapping to the physical relation and
// checks that every required canonical column resolved. Missing columns are
// a configuration error, reported at construction and never deferred.
func New(desc Descriptor, rel relational.Relation) (*TypedTable, error) {
	renamed := rel
	if len(desc.Rename) > 0 {
		renamed = rel.Rename(desc.Rename)
	}
	var missing []string
	for _, col := range desc.Required {
		if !renamed.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s table missing required columns [%s] (have [%s])",
			domain.ErrConfiguration, desc.Kind, strings.Join(missing, ", "), strings.Join(renamed.Columns(), ", "))
	}
	return &TypedTable{desc: desc.clone(), rel: renamed}, nil
}

// Kind returns the canonical kind of the table.
func (t *TypedTable) Kind() Kind { return t.desc.Kind }

// Descriptor returns a copy of the table's kind descriptor.
func (t *TypedTable) Descriptor() Descriptor { return t.desc.clone() }

// Relation exposes the wrapped relation.
func (t *TypedTable) Relation() relational.Relation { return t.rel }

// Columns returns the canonical column list.
func (t *TypedTable) Columns() []string { return t.rel.Columns() }

// HasColumn reports whether the named canonical column is present.
func (t *TypedTable) HasColumn(name string) bool { return t.rel.HasColumn(name) }

// Filter removes rows, keeping the same kind and column set.
func (t *TypedTable) Filter(pred func(relational.Row) bool) *TypedTable {
	return &TypedTable{desc: t.desc.clone(), rel: t.rel.Filter(pred)}
}

// Mutate adds or replaces a derived column, keeping the same kind. The
// required-column set never changes.
func (t *TypedTable) Mutate(column string, fn func(relational.Row) any) *TypedTable {
	return &TypedTable{desc: t.desc.clone(), rel: t.rel.Mutate(column, fn)}
}

// Project restricts the visible columns. Required columns must survive the
// projection.
func (t *TypedTable) Project(columns ...string) (*TypedTable, error) {
	selected, err := t.rel.Select(columns...)
	if err != nil {
		return nil, err
	}
	for _, col := range t.desc.Required {
		if !selected.HasColumn(col) {
			return nil, fmt.Errorf("%w: projection drops required column %q of kind %s",
				domain.ErrConfiguration, col, t.desc.Kind)
		}
	}
	return &TypedTable{desc: t.desc.clone(), rel: selected}, nil
}

// WithRelation rewraps a relation under this table's descriptor without
// re-running construction validation. Internal helper for operations that
// provably preserve the column contract.
func (t *TypedTable) withRelation(rel relational.Relation) *TypedTable {
	return &TypedTable{desc: t.desc.clone(), rel: rel}
}

// Rewrap returns a table of the same kind over rel. The relation must
// already use canonical column names; required columns are revalidated but
// the rename mapping is not reapplied.
func (t *TypedTable) Rewrap(rel relational.Relation) (*TypedTable, error) {
	for _, col := range t.desc.Required {
		if !rel.HasColumn(col) {
			return nil, fmt.Errorf("%w: relation missing required column %q of kind %s",
				domain.ErrConfiguration, col, t.desc.Kind)
		}
	}
	return t.withRelation(rel), nil
}

// Join resolves a join to other by searching the declared adjacency graph:
// a direct neighbor is a single hop, otherwise the declared multi-hop path
// is walked, locating each intermediate kind's concrete instance among the
// available domain tables. The result keeps this table's kind; the column
// set is the union of all hops.
func (t *TypedTable) Join(other *TypedTable, available map[string]*TypedTable) (*TypedTable, error) {
	path, err := t.joinPath(other.Kind())
	if err != nil {
		return nil, err
	}

	current := t.rel
	cursor := t.desc
	for i, hopKind := range path {
		var hop *TypedTable
		if i == len(path)-1 {
			hop = other
		} else {
			hop, err = uniqueByKind(available, hopKind)
			if err != nil {
				return nil, fmt.Errorf("resolving autojoin hop %s -> %s: %w", t.Kind(), other.Kind(), err)
			}
		}
		keys, ok := cursor.Adjacent[hopKind]
		if !ok || len(keys) == 0 {
			return nil, fmt.Errorf("%w: kind %s declares no join keys for %s", ErrNoJoinPath, cursor.Kind, hopKind)
		}
		current, err = current.Join(hop.rel, keys)
		if err != nil {
			return nil, fmt.Errorf("autojoin %s -> %s: %w", cursor.Kind, hopKind, err)
		}
		cursor = hop.desc
	}
	// The joined table still represents what the caller started with.
	return t.withRelation(current), nil
}

// JoinOn joins with explicit keys, bypassing path search entirely. The
// result keeps this table's kind.
func (t *TypedTable) JoinOn(other *TypedTable, keys []relational.JoinKey) (*TypedTable, error) {
	joined, err := t.rel.Join(other.rel, keys)
	if err != nil {
		return nil, err
	}
	return t.withRelation(joined), nil
}

// JoinRelation joins directly against a raw, unkinded relation, rewrapping
// the result in this table's kind.
func (t *TypedTable) JoinRelation(other relational.Relation, keys []relational.JoinKey) (*TypedTable, error) {
	joined, err := t.rel.Join(other, keys)
	if err != nil {
		return nil, err
	}
	return t.withRelation(joined), nil
}

func (t *TypedTable) joinPath(target Kind) ([]Kind, error) {
	if _, ok := t.desc.Adjacent[target]; ok {
		return []Kind{target}, nil
	}
	if intermediates, ok := t.desc.Paths[target]; ok {
		path := append([]Kind(nil), intermediates...)
		return append(path, target), nil
	}
	reachable := t.desc.ReachableKinds()
	names := make([]string, len(reachable))
	for i, kind := range reachable {
		names[i] = string(kind)
	}
	return nil, fmt.Errorf("%w from %s to %s (reachable kinds: %s)",
		ErrNoJoinPath, t.Kind(), target, strings.Join(names, ", "))
}

// uniqueByKind finds the single table of the wanted kind among the available
// domain tables. Zero or multiple matches is a resolution error.
func uniqueByKind(available map[string]*TypedTable, kind Kind) (*TypedTable, error) {
	var matches []string
	for name, table := range available {
		if table != nil && table.Kind() == kind {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 1:
		return available[matches[0]], nil
	case 0:
		return nil, fmt.Errorf("%w: no table of kind %s among domains [%s]", ErrTableNotFound, kind, domainNames(available))
	default:
		sort.Strings(matches)
		return nil, fmt.Errorf("%w: kind %s matches domains [%s]", ErrAmbiguousTable, kind, strings.Join(matches, ", "))
	}
}

// ResolveDomain locates a table by domain name first, then by kind when no
// domain carries that name. Used by filters that declare where their codes
// live.
func ResolveDomain(available map[string]*TypedTable, name string) (*TypedTable, error) {
	if table, ok := available[name]; ok && table != nil {
		return table, nil
	}
	table, err := uniqueByKind(available, Kind(name))
	if err != nil {
		return nil, fmt.Errorf("resolving domain %q: %w", name, err)
	}
	return table, nil
}

func domainNames(available map[string]*TypedTable) string {
	names := make([]string, 0, len(available))
	for name := range available {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
