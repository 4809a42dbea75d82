package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/phenoql/internal/relational"
)

// PostgresSource loads physical tables from Postgres into in-memory
// relations. It satisfies relational.Source.
type PostgresSource struct {
	conn   *Connection
	schema string
}

// NewPostgresSource creates a source reading from the given schema.
// An empty schema defaults to "public".
func NewPostgresSource(conn *Connection, schema string) *PostgresSource {
	if schema == "" {
		schema = "public"
	}
	return &PostgresSource{conn: conn, schema: schema}
}

// Table loads the named table in full.
func (s *PostgresSource) Table(ctx context.Context, name string) (relational.Relation, error) {
	if !validIdentifier(name) || !validIdentifier(s.schema) {
		return relational.Relation{}, fmt.Errorf("invalid table identifier %q", name)
	}

	query := fmt.Sprintf(`SELECT * FROM %q.%q`, s.schema, name)
	rows, err := s.conn.Pool.Query(ctx, query)
	if err != nil {
		return relational.Relation{}, fmt.Errorf("failed to query table %s: %w", name, err)
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	columns := make([]string, len(descs))
	for i, d := range descs {
		columns[i] = strings.ToUpper(d.Name)
	}

	var out []relational.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return relational.Relation{}, fmt.Errorf("failed to read row from %s: %w", name, err)
		}
		row := make(relational.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return relational.Relation{}, fmt.Errorf("failed to scan table %s: %w", name, err)
	}

	return relational.NewRelation(columns, out), nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
