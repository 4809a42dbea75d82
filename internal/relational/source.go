package relational

import "context"

// Source constructs relations from named physical tables. It is the only
// boundary to the backing store: the rest of the system never sees the
// store, only Relations.
type Source interface {
	Table(ctx context.Context, name string) (Relation, error)
}

// MapSource serves relations from an in-memory registry. Used by tests and
// by callers that assemble their inputs programmatically.
type MapSource map[string]Relation

func (s MapSource) Table(_ context.Context, name string) (Relation, error) {
	rel, ok := s[name]
	if !ok {
		return Relation{}, &UnknownTableError{Name: name}
	}
	return rel, nil
}

// UnknownTableError reports a physical table name the source cannot serve.
type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return "unknown table " + e.Name
}
