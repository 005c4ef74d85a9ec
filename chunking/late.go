package chunking

import (
	"context"
	"fmt"
	"log"

	"github.com/hatchdocs/rag/embeddings"
)

type PoolingStrategy string

const (
	PoolMean     PoolingStrategy = "mean"
	PoolMax      PoolingStrategy = "max"
	PoolWeighted PoolingStrategy = "weighted"
)

// LatePooler implements late chunking: the document is embedded first as
// token-bounded segments, then each chunk's embedding is pooled from the
// segments overlapping its character range. Pooling preserves document-level
// context that chunk-then-embed loses.
type LatePooler struct {
	embedder  embeddings.Embedder
	logger    *log.Logger
	maxTokens int
}

func NewLatePooler(embedder embeddings.Embedder, logger *log.Logger, maxTokens int) *LatePooler {
	if logger == nil {
		logger = log.Default()
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxEmbedTokens
	}
	return &LatePooler{
		embedder:  embedder,
		logger:    logger,
		maxTokens: maxTokens,
	}
}

// Pool fills in chunk embeddings from whole-document segment embeddings and
// adjusts each chunk's quality score by its cosine similarity to the
// document-level mean embedding. Chunks with no overlapping segment are
// embedded directly from their own text.
func (p *LatePooler) Pool(ctx context.Context, content string, chunks []Chunk, strategy PoolingStrategy) ([]Chunk, error) {
	if p.embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if len(chunks) == 0 {
		return chunks, nil
	}
	switch strategy {
	case PoolMean, PoolMax, PoolWeighted:
	default:
		strategy = PoolWeighted
	}

	segments := SplitByTokenLimit(content, p.maxTokens)
	if len(segments) == 0 {
		return chunks, nil
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	segmentVectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed document segments: %w", err)
	}
	if len(segmentVectors) != len(segments) {
		return nil, fmt.Errorf("segment embedding count mismatch: %d segments, %d vectors", len(segments), len(segmentVectors))
	}

	docVector := embeddings.MeanPool(segmentVectors)

	pooled := make([]Chunk, len(chunks))
	for i, chunk := range chunks {
		vector, contributing, poolErr := p.poolChunk(ctx, chunk, segments, segmentVectors, strategy)
		if poolErr != nil {
			return nil, poolErr
		}

		similarity := embeddings.CosineSimilarity(vector, docVector)
		chunk.Embedding = vector
		chunk.QualityScore = adjustForDocumentSimilarity(chunk.QualityScore, similarity)
		chunk.Pooling = &PoolingMeta{
			Strategy:           strategy,
			SegmentCount:       contributing,
			EstimatedTokens:    EstimateTokens(chunk.Content),
			DocumentSimilarity: similarity,
		}
		pooled[i] = chunk
	}
	return pooled, nil
}

func (p *LatePooler) poolChunk(ctx context.Context, chunk Chunk, segments []Segment, vectors [][]float32, strategy PoolingStrategy) ([]float32, int, error) {
	overlapping := make([][]float32, 0, 2)
	weights := make([]float64, 0, 2)
	for i, seg := range segments {
		overlap := overlapLength(chunk.Start, chunk.End, seg.Start, seg.End)
		if overlap <= 0 {
			continue
		}
		overlapping = append(overlapping, vectors[i])
		weights = append(weights, overlapWeight(chunk, overlap))
	}

	if len(overlapping) == 0 {
		// Pathological: chunk boundaries fall outside every segment, e.g.
		// when LLM output was not verbatim. Embed the chunk text directly.
		p.logger.Printf("no segment overlaps chunk [%d,%d), embedding directly", chunk.Start, chunk.End)
		vector, err := embeddings.EmbedOne(ctx, p.embedder, chunk.Content)
		if err != nil {
			return nil, 0, fmt.Errorf("embed chunk directly: %w", err)
		}
		return vector, 0, nil
	}

	switch strategy {
	case PoolMax:
		return embeddings.MaxPool(overlapping), len(overlapping), nil
	case PoolWeighted:
		return embeddings.WeightedPool(overlapping, weights), len(overlapping), nil
	default:
		return embeddings.MeanPool(overlapping), len(overlapping), nil
	}
}

func overlapLength(aStart, aEnd, bStart, bEnd int) int {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	return end - start
}

// overlapWeight is the overlap fraction of the chunk scaled by the chunk's
// quality; WeightedPool re-normalizes across contributing segments.
func overlapWeight(chunk Chunk, overlap int) float64 {
	span := chunk.End - chunk.Start
	if span <= 0 {
		return 0
	}
	fraction := float64(overlap) / float64(span)
	return fraction * float64(chunk.QualityScore) / 100
}

// adjustForDocumentSimilarity penalizes context drift and rewards chunks
// whose pooled embedding stays close to the document-level embedding.
func adjustForDocumentSimilarity(score int, similarity float64) int {
	switch {
	case similarity < 0.5:
		score -= 15
	case similarity < 0.7:
		score -= 5
	case similarity > 0.9:
		score += 5
	}
	return ClampScore(score)
}
