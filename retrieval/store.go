// Package retrieval fans a query out to dense and sparse search and fuses
// the results with reciprocal rank fusion.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Candidate is one ranked hit from a single search path.
type Candidate struct {
	ChunkID    string
	DocumentID string
	DatasetID  string
	Content    string
	Score      float64
}

// SearchStore serves both retrieval paths. Every query is scoped to a tenant
// (and optionally a dataset set) and only ever sees approved, active chunks.
type SearchStore interface {
	DenseSearch(ctx context.Context, tenantID string, datasetIDs []string, embedding []float32, limit int) ([]Candidate, error)
	SparseSearch(ctx context.Context, tenantID string, datasetIDs []string, query string, limit int) ([]Candidate, error)
}

type PostgresSearchStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSearchStore(pool *pgxpool.Pool) *PostgresSearchStore {
	return &PostgresSearchStore{pool: pool}
}

// DenseSearch ranks approved active chunks by cosine similarity. Score is
// 1 - cosine distance.
func (s *PostgresSearchStore) DenseSearch(ctx context.Context, tenantID string, datasetIDs []string, embedding []float32, limit int) ([]Candidate, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 10
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := limit * 5
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	query := `
        SELECT id, document_id, dataset_id, content,
               1 - (embedding <=> $1::vector) AS similarity
        FROM rag_chunks
        WHERE tenant_id = $2
          AND status = 'approved'
          AND is_active
    `
	args := []any{pgvector.NewVector(embedding), tenantID}
	if len(datasetIDs) > 0 {
		query += " AND dataset_id = ANY($3)"
		args = append(args, datasetIDs)
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT %d", limit)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// SparseSearch filters by substring containment of every query term and
// orders by quality score. Containment instead of a ranked lexical algorithm
// (BM25) is deliberate: it behaves uniformly for unsegmented non-Latin text
// and needs nothing beyond the store contract. The interface boundary lets a
// ranked backend replace it without touching the engine.
func (s *PostgresSearchStore) SparseSearch(ctx context.Context, tenantID string, datasetIDs []string, query string, limit int) ([]Candidate, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	sql := `
        SELECT id, document_id, dataset_id, content,
               quality_score::float8 / 100 AS score
        FROM rag_chunks
        WHERE tenant_id = $1
          AND status = 'approved'
          AND is_active
    `
	args := []any{tenantID}
	if len(datasetIDs) > 0 {
		args = append(args, datasetIDs)
		sql += fmt.Sprintf(" AND dataset_id = ANY($%d)", len(args))
	}
	for _, term := range terms {
		args = append(args, "%"+escapeLike(term)+"%")
		sql += fmt.Sprintf(" AND content ILIKE $%d", len(args))
	}
	sql += fmt.Sprintf(" ORDER BY quality_score DESC, updated_at DESC LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]Candidate, error) {
	candidates := make([]Candidate, 0)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.DatasetID, &c.Content, &c.Score); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return candidates, nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.TrimSpace(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		terms = append(terms, f)
	}
	if len(terms) == 0 {
		return fields
	}
	return terms
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}

var _ SearchStore = (*PostgresSearchStore)(nil)
