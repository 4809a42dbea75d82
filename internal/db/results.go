package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/phenoql/internal/domain"
)

// ResultStore persists phenotype result rows keyed by a per-execution run
// identifier, so repeated runs of the same phenotype stay distinguishable.
type ResultStore struct {
	conn   *Connection
	schema string
}

// NewResultStore creates a result store writing into the given schema.
// An empty schema defaults to "public".
func NewResultStore(conn *Connection, schema string) *ResultStore {
	if schema == "" {
		schema = "public"
	}
	return &ResultStore{conn: conn, schema: schema}
}

// EnsureSchema creates the result table when it does not exist yet. The
// table carries no primary key: a multi-row phenotype legitimately stores
// several rows per (run, phenotype, person), and created_at is transaction-
// stable so it cannot disambiguate rows written in one batch.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	table := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q.phenotype_results (
			run_id UUID NOT NULL,
			phenotype TEXT NOT NULL,
			person_id TEXT NOT NULL,
			boolean_flag BOOLEAN NOT NULL,
			event_date DATE,
			value DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema)
	if _, err := s.conn.Pool.Exec(ctx, table); err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}
	index := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS phenotype_results_run_idx
		ON %q.phenotype_results (run_id, phenotype)`, s.schema)
	if _, err := s.conn.Pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("failed to index results table: %w", err)
	}
	return nil
}

// SaveRun writes all rows of one phenotype execution under a fresh run id
// and returns that id. The write is transactional: either every row lands
// or none do.
func (s *ResultStore) SaveRun(ctx context.Context, phenotype string, rows []domain.ResultRow) (uuid.UUID, error) {
	runID := uuid.New()
	start := time.Now()

	query := fmt.Sprintf(`
		INSERT INTO %q.phenotype_results (run_id, phenotype, person_id, boolean_flag, event_date, value)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.schema)

	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(query, runID, phenotype, row.PersonID, row.Boolean, row.EventDate, row.Value)
		}
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range rows {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to insert result row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	log.Printf("[RESULTS] Saved %d rows for %s in %v (run %s)", len(rows), phenotype, time.Since(start), runID)
	return runID, nil
}

// LoadRun reads back the rows of a previous run for one phenotype.
func (s *ResultStore) LoadRun(ctx context.Context, runID uuid.UUID, phenotype string) ([]domain.ResultRow, error) {
	query := fmt.Sprintf(`
		SELECT person_id, boolean_flag, event_date, value
		FROM %q.phenotype_results
		WHERE run_id = $1 AND phenotype = $2
		ORDER BY person_id`, s.schema)

	rows, err := s.conn.Pool.Query(ctx, query, runID, phenotype)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.ResultRow
	for rows.Next() {
		var row domain.ResultRow
		if err := rows.Scan(&row.PersonID, &row.Boolean, &row.EventDate, &row.Value); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return out, nil
}
