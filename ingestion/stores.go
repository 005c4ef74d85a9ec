package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/hatchdocs/rag/chunking"
)

type PostgresChunkStore struct {
	pool *pgxpool.Pool
}

func NewPostgresChunkStore(pool *pgxpool.Pool) *PostgresChunkStore {
	return &PostgresChunkStore{pool: pool}
}

func (s *PostgresChunkStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	return nil
}

// InsertChunks writes a run's chunks in one transaction. New chunks start
// pending and active; the review workflow flips status to approved before
// they participate in retrieval.
func (s *PostgresChunkStore) InsertChunks(ctx context.Context, input DocumentInput, chunks []chunking.Chunk) (err error) {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for idx, chunk := range chunks {
		if _, err = tx.Exec(ctx, `
			INSERT INTO rag_chunks
				(id, tenant_id, dataset_id, document_id, chunk_index, content, chunk_type,
				 topic, quality_score, start_offset, end_offset, status, is_active, version,
				 embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', TRUE, $12, $13, NOW(), NOW())
		`, uuid.New(), input.TenantID, input.DatasetID, input.DocumentID, idx, chunk.Content,
			string(chunk.Type), chunk.Topic, chunk.QualityScore, chunk.Start, chunk.End,
			input.Version, pgvector.NewVector(chunk.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var _ ChunkStore = (*PostgresChunkStore)(nil)

type PostgresRunStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRunStore(pool *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{pool: pool}
}

func (s *PostgresRunStore) Start(ctx context.Context, run Run) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunking_runs (id, document_id, tenant_id, strategy, variant, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'running', $6)
	`, run.ID, run.DocumentID, run.TenantID, run.Strategy, run.Variant, time.Now())
	if err != nil {
		return fmt.Errorf("insert chunking run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Finish(ctx context.Context, runID uuid.UUID, chunkCount int, runErr error) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	status := "completed"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE chunking_runs
		SET status = $2, chunk_count = $3, error = $4, finished_at = NOW()
		WHERE id = $1
	`, runID, status, chunkCount, errMsg)
	if err != nil {
		return fmt.Errorf("update chunking run: %w", err)
	}
	return nil
}

var _ RunStore = (*PostgresRunStore)(nil)
