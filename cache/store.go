// Package cache is the exact-hash and embedding-similarity response cache
// sitting in front of answer generation. Caching is strictly best-effort: no
// cache failure may ever affect the caller's response.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Entry is one cached response, unique per (TenantID, QueryHash).
type Entry struct {
	TenantID  string
	QueryHash string
	Embedding []float32
	Response  string
	HitCount  int
	ExpiresAt time.Time
}

// SimilarEntry pairs an entry with its cosine similarity to a probe
// embedding.
type SimilarEntry struct {
	Entry
	Similarity float64
}

type Store interface {
	// GetExact returns the unexpired entry for the hash, incrementing its
	// hit counter, or nil on miss.
	GetExact(ctx context.Context, tenantID, queryHash string) (*Entry, error)
	// Touch increments the hit counter without reading the row.
	Touch(ctx context.Context, tenantID, queryHash string) error
	// FindSimilar returns up to limit unexpired tenant entries ranked by
	// cosine similarity to the embedding.
	FindSimilar(ctx context.Context, tenantID string, embedding []float32, limit int) ([]SimilarEntry, error)
	// Upsert overwrites the entry for (TenantID, QueryHash), resetting the
	// hit counter.
	Upsert(ctx context.Context, entry Entry) error
	DeleteExpired(ctx context.Context) (int64, error)
	DeleteTenant(ctx context.Context, tenantID string) (int64, error)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetExact(ctx context.Context, tenantID, queryHash string) (*Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	entry := Entry{TenantID: tenantID, QueryHash: queryHash}
	err := s.pool.QueryRow(ctx, `
		UPDATE response_cache
		SET hit_count = hit_count + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND query_hash = $2 AND expires_at > NOW()
		RETURNING response, hit_count, expires_at
	`, tenantID, queryHash).Scan(&entry.Response, &entry.HitCount, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("exact cache lookup: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) Touch(ctx context.Context, tenantID, queryHash string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE response_cache
		SET hit_count = hit_count + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND query_hash = $2
	`, tenantID, queryHash)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSimilar(ctx context.Context, tenantID string, embedding []float32, limit int) ([]SimilarEntry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx, `
		SELECT query_hash, response, hit_count, expires_at,
		       1 - (query_embedding <=> $2::vector) AS similarity
		FROM response_cache
		WHERE tenant_id = $1 AND expires_at > NOW()
		ORDER BY query_embedding <=> $2::vector
		LIMIT $3
	`, tenantID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("similar cache lookup: %w", err)
	}
	defer rows.Close()

	entries := make([]SimilarEntry, 0, limit)
	for rows.Next() {
		entry := SimilarEntry{Entry: Entry{TenantID: tenantID}}
		if err := rows.Scan(&entry.QueryHash, &entry.Response, &entry.HitCount, &entry.ExpiresAt, &entry.Similarity); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entry Entry) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO response_cache (tenant_id, query_hash, query_embedding, response, hit_count, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, NOW(), NOW())
		ON CONFLICT (tenant_id, query_hash) DO UPDATE
		SET query_embedding = EXCLUDED.query_embedding,
		    response = EXCLUDED.response,
		    hit_count = 0,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
	`, entry.TenantID, entry.QueryHash, pgvector.NewVector(entry.Embedding), entry.Response, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM response_cache WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID string) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM response_cache WHERE tenant_id = $1", tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete tenant cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
