package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the chunk, response-cache, experiment, and chunking-run
// tables. Documents themselves live in the upload service's database; chunks
// reference them by id only.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			chunk_type TEXT NOT NULL DEFAULT 'paragraph',
			topic TEXT NOT NULL DEFAULT '',
			quality_score INT NOT NULL DEFAULT 0,
			start_offset INT NOT NULL,
			end_offset INT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			version INT NOT NULL DEFAULT 1,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index, version)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_tenant ON rag_chunks(tenant_id, dataset_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING ivfflat (embedding vector_cosine_ops)",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS response_cache (
			tenant_id TEXT NOT NULL,
			query_hash TEXT NOT NULL,
			query_embedding VECTOR(%d) NOT NULL,
			response TEXT NOT NULL,
			hit_count INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, query_hash)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_response_cache_expiry ON response_cache(expires_at)",
		`CREATE TABLE IF NOT EXISTS chunking_experiments (
			chatbot_id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL DEFAULT 'auto',
			ab_test_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			semantic_traffic_percent INT NOT NULL DEFAULT 50,
			starts_at TIMESTAMPTZ,
			ends_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chunking_runs (
			id UUID PRIMARY KEY,
			document_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			strategy TEXT NOT NULL,
			variant TEXT,
			status TEXT NOT NULL DEFAULT 'running',
			chunk_count INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		)`,
		"CREATE INDEX IF NOT EXISTS idx_chunking_runs_document ON chunking_runs(document_id)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
