// Package ingestion runs one chunking pipeline per document: strategy
// selection, chunking, optional late-chunking pooling, embedding, and
// persistence. Runs are triggered externally and are retryable at document
// granularity.
package ingestion

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/hatchdocs/rag/chunking"
	"github.com/hatchdocs/rag/config"
	"github.com/hatchdocs/rag/embeddings"
	"github.com/hatchdocs/rag/experiment"
)

type DocumentInput struct {
	TenantID   string
	DatasetID  string
	DocumentID string
	ChatbotID  string
	Content    string
	Version    int
}

// ChunkStore persists the chunks of one run. DeleteByDocument makes re-runs
// idempotent: stale chunks go before new ones are written.
type ChunkStore interface {
	DeleteByDocument(ctx context.Context, documentID string) error
	InsertChunks(ctx context.Context, input DocumentInput, chunks []chunking.Chunk) error
}

// Run is one chunking attempt's status record. The core reports status
// synchronously through RunStore; whether callers await the whole run is
// their decision.
type Run struct {
	ID         uuid.UUID
	DocumentID string
	TenantID   string
	Strategy   string
	Variant    string
}

type RunStore interface {
	Start(ctx context.Context, run Run) error
	Finish(ctx context.Context, runID uuid.UUID, chunkCount int, runErr error) error
}

type Service struct {
	chunker     *chunking.SemanticChunker
	pooler      *chunking.LatePooler
	embedder    embeddings.Embedder
	selector    *experiment.Selector
	experiments experiment.Store
	chunks      ChunkStore
	runs        RunStore
	logger      *log.Logger
	cfg         config.ChunkingConfig
	pooling     chunking.PoolingStrategy
}

func NewService(
	chunker *chunking.SemanticChunker,
	pooler *chunking.LatePooler,
	embedder embeddings.Embedder,
	selector *experiment.Selector,
	experiments experiment.Store,
	chunks ChunkStore,
	runs RunStore,
	logger *log.Logger,
	cfg config.ChunkingConfig,
) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		chunker:     chunker,
		pooler:      pooler,
		embedder:    embedder,
		selector:    selector,
		experiments: experiments,
		chunks:      chunks,
		runs:        runs,
		logger:      logger,
		cfg:         cfg,
		pooling:     chunking.PoolWeighted,
	}
}

// ChunkDocument runs the full pipeline for one document and returns the
// number of chunks persisted.
func (s *Service) ChunkDocument(ctx context.Context, input DocumentInput) (int, error) {
	if s.embedder == nil {
		return 0, fmt.Errorf("embedder not configured")
	}
	if input.TenantID == "" || input.DocumentID == "" {
		return 0, fmt.Errorf("tenant id and document id are required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return 0, fmt.Errorf("document content is empty")
	}
	if input.Version <= 0 {
		input.Version = 1
	}

	decision := s.decide(ctx, input)
	run := Run{
		ID:         uuid.New(),
		DocumentID: input.DocumentID,
		TenantID:   input.TenantID,
		Strategy:   decision.Strategy.String(),
		Variant:    string(decision.Variant),
	}
	if s.runs != nil {
		if err := s.runs.Start(ctx, run); err != nil {
			s.logger.Printf("record run start: %v", err)
		}
	}

	count, err := s.chunkDocument(ctx, input, decision)
	if s.runs != nil {
		if finishErr := s.runs.Finish(ctx, run.ID, count, err); finishErr != nil {
			s.logger.Printf("record run finish: %v", finishErr)
		}
	}
	if err != nil {
		return 0, err
	}

	s.logger.Printf("chunked document %s: %d chunks via %s (variant=%s reason=%s)",
		input.DocumentID, count, decision.Strategy, decision.Variant, decision.Reason)
	return count, nil
}

func (s *Service) decide(ctx context.Context, input DocumentInput) experiment.Decision {
	var cfg *experiment.Config
	if s.experiments != nil && input.ChatbotID != "" {
		loaded, err := s.experiments.GetByChatbot(ctx, input.ChatbotID)
		if err != nil {
			// Malformed or unreadable config resolves to the global default.
			s.logger.Printf("load experiment config for %s: %v", input.ChatbotID, err)
		} else {
			cfg = loaded
		}
	}
	return s.selector.Select(cfg, input.DocumentID)
}

func (s *Service) chunkDocument(ctx context.Context, input DocumentInput, decision experiment.Decision) (int, error) {
	// Stale chunks from a previous attempt go first so a re-run never
	// duplicates passages.
	if err := s.chunks.DeleteByDocument(ctx, input.DocumentID); err != nil {
		return 0, fmt.Errorf("clear existing chunks: %w", err)
	}

	chunks, err := s.produceChunks(ctx, input, decision)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		s.logger.Printf("document %s produced no chunks", input.DocumentID)
		return 0, nil
	}

	if err := s.embedMissing(ctx, chunks); err != nil {
		return 0, err
	}

	if err := s.chunks.InsertChunks(ctx, input, chunks); err != nil {
		return 0, fmt.Errorf("persist chunks: %w", err)
	}
	return len(chunks), nil
}

func (s *Service) produceChunks(ctx context.Context, input DocumentInput, decision experiment.Decision) ([]chunking.Chunk, error) {
	switch decision.Strategy {
	case experiment.StrategySmart:
		ruleCfg := s.cfg
		ruleCfg.SemanticEnabled = false
		return chunking.RuleChunks(input.Content, ruleCfg), nil

	case experiment.StrategySemantic:
		chunks, err := s.chunker.Chunk(ctx, input.TenantID, input.Content)
		if err != nil {
			return nil, fmt.Errorf("semantic chunking: %w", err)
		}
		return chunks, nil

	case experiment.StrategyLate:
		chunks, err := s.chunker.Chunk(ctx, input.TenantID, input.Content)
		if err != nil {
			return nil, fmt.Errorf("semantic chunking: %w", err)
		}
		pooled, poolErr := s.pooler.Pool(ctx, input.Content, chunks, s.pooling)
		if poolErr != nil {
			// Pooling is an enhancement; degrade to direct embedding below.
			s.logger.Printf("late-chunking pooling degraded for %s: %v", input.DocumentID, poolErr)
			return chunks, nil
		}
		return pooled, nil

	default:
		return nil, fmt.Errorf("unresolvable chunking strategy %q", decision.Strategy)
	}
}

// embedMissing fills embeddings for chunks the pooler did not cover, in one
// batch per call.
func (s *Service) embedMissing(ctx context.Context, chunks []chunking.Chunk) error {
	texts := make([]string, 0)
	indexes := make([]int, 0)
	for i, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			texts = append(texts, chunk.Content)
			indexes = append(indexes, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch: have %d texts, %d vectors", len(texts), len(vectors))
	}
	for j, idx := range indexes {
		chunks[idx].Embedding = vectors[j]
	}
	return nil
}
