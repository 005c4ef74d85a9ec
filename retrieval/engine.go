package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/hatchdocs/rag/embeddings"
)

const (
	// rrfK is the reciprocal rank fusion constant.
	rrfK = 60

	defaultLimit = 5
	// overFetchFactor widens each path's candidate list before fusion.
	overFetchFactor = 2
)

type Source string

const (
	SourceDense  Source = "dense"
	SourceSparse Source = "sparse"
	SourceHybrid Source = "hybrid"
)

// Result is one fused hit. DenseScore keeps the raw vector similarity for
// candidates the dense path saw; downstream uses it to gate cache writes.
type Result struct {
	ChunkID    string
	DocumentID string
	DatasetID  string
	Content    string
	Score      float64
	DenseScore float64
	Source     Source
}

type Query struct {
	TenantID   string
	DatasetIDs []string
	Text       string
	Limit      int
}

// Engine runs dense and sparse search concurrently and fuses the ranked
// lists with RRF. One failed path degrades to the other; only a double
// failure reaches the caller.
type Engine struct {
	store    SearchStore
	embedder embeddings.Embedder
	logger   *log.Logger
}

func NewEngine(store SearchStore, embedder embeddings.Embedder, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		logger:   logger,
	}
}

func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	if e.store == nil {
		return nil, fmt.Errorf("search store is not configured")
	}
	if q.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	fetch := limit * overFetchFactor

	var (
		wg        sync.WaitGroup
		dense     []Candidate
		sparse    []Candidate
		denseErr  error
		sparseErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vector, err := embeddings.EmbedOne(ctx, e.embedder, q.Text)
		if err != nil {
			denseErr = fmt.Errorf("embed query: %w", err)
			return
		}
		dense, denseErr = e.store.DenseSearch(ctx, q.TenantID, q.DatasetIDs, vector, fetch)
	}()
	go func() {
		defer wg.Done()
		sparse, sparseErr = e.store.SparseSearch(ctx, q.TenantID, q.DatasetIDs, q.Text, fetch)
	}()
	wg.Wait()

	switch {
	case denseErr != nil && sparseErr != nil:
		return nil, fmt.Errorf("hybrid search failed: dense: %v; sparse: %w", denseErr, sparseErr)
	case denseErr != nil:
		e.logger.Printf("dense search degraded to sparse-only: %v", denseErr)
	case sparseErr != nil:
		e.logger.Printf("sparse search degraded to dense-only: %v", sparseErr)
	}

	return fuse(dense, sparse, limit), nil
}

// fuse merges both ranked lists with reciprocal rank fusion: every list
// membership contributes 1/(K + rank + 1) at its 0-based rank, and a
// candidate in both lists sums both contributions, so it always outranks the
// same candidate seen by a single list at the same position. Ties break
// stably: dense-list candidates take precedence over sparse-only ones, and
// within a list the earlier rank wins.
func fuse(dense, sparse []Candidate, limit int) []Result {
	type fused struct {
		Result
		order int
	}

	entries := make(map[string]*fused, len(dense)+len(sparse))
	next := 0

	for rank, c := range dense {
		entry := &fused{
			Result: Result{
				ChunkID:    c.ChunkID,
				DocumentID: c.DocumentID,
				DatasetID:  c.DatasetID,
				Content:    c.Content,
				DenseScore: c.Score,
				Source:     SourceDense,
			},
			order: next,
		}
		next++
		entry.Score = rrfContribution(rank)
		entries[c.ChunkID] = entry
	}

	for rank, c := range sparse {
		if entry, ok := entries[c.ChunkID]; ok {
			entry.Score += rrfContribution(rank)
			entry.Source = SourceHybrid
			continue
		}
		entries[c.ChunkID] = &fused{
			Result: Result{
				ChunkID:    c.ChunkID,
				DocumentID: c.DocumentID,
				DatasetID:  c.DatasetID,
				Content:    c.Content,
				Source:     SourceSparse,
				Score:      rrfContribution(rank),
			},
			order: next,
		}
		next++
	}

	ranked := make([]*fused, 0, len(entries))
	for _, entry := range entries {
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].order < ranked[j].order
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	results := make([]Result, len(ranked))
	for i, entry := range ranked {
		results[i] = entry.Result
	}
	return results
}

func rrfContribution(rank int) float64 {
	return 1 / float64(rrfK+rank+1)
}
