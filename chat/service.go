// Package chat orchestrates the query path: response cache, hybrid
// retrieval, answer generation, and best-effort cache write-back.
package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hatchdocs/rag/cache"
	"github.com/hatchdocs/rag/llm"
	"github.com/hatchdocs/rag/retrieval"
	"github.com/hatchdocs/rag/usage"
)

const defaultRetrievalLimit = 5

type Request struct {
	TenantID   string
	DatasetIDs []string
	ChatbotID  string
	Question   string
	Limit      int
}

type Response struct {
	Answer    string
	Results   []retrieval.Result
	FromCache bool
	// CacheSimilarity is 1 for exact hits, the matched cosine similarity for
	// semantic hits, 0 otherwise.
	CacheSimilarity float64
}

// Retriever is the hybrid search surface the answer path consumes;
// *retrieval.Engine satisfies it.
type Retriever interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// ResponseCache is the cache surface the answer path consumes;
// *cache.Service satisfies it. Lookup never errors and StoreResponse
// swallows failures.
type ResponseCache interface {
	Lookup(ctx context.Context, tenantID, query string) (*cache.Hit, bool)
	StoreResponse(ctx context.Context, tenantID, query, response string, topDenseScore float64)
}

type Service struct {
	cache    ResponseCache
	engine   Retriever
	llm      llm.Client
	tracker  usage.Tracker
	logger   *log.Logger
	provider string
	model    string
}

func NewService(cacheService ResponseCache, engine Retriever, llmClient llm.Client, tracker usage.Tracker, logger *log.Logger, provider, model string) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cache:    cacheService,
		engine:   engine,
		llm:      llmClient,
		tracker:  tracker,
		logger:   logger,
		provider: provider,
		model:    model,
	}
}

// Answer serves one user turn. A retrieval or caching failure never prevents
// an answer: retrieval errors degrade to a zero-context generation, cache
// errors are swallowed inside the cache service.
func (s *Service) Answer(ctx context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, fmt.Errorf("question cannot be empty")
	}
	if s.llm == nil {
		return Response{}, fmt.Errorf("llm client is not configured")
	}

	if s.cache != nil {
		if hit, ok := s.cache.Lookup(ctx, req.TenantID, question); ok {
			return Response{Answer: hit.Response, FromCache: true, CacheSimilarity: hit.Similarity}, nil
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultRetrievalLimit
	}

	var results []retrieval.Result
	if s.engine != nil {
		found, err := s.engine.Search(ctx, retrieval.Query{
			TenantID:   req.TenantID,
			DatasetIDs: req.DatasetIDs,
			Text:       question,
			Limit:      limit,
		})
		if err != nil {
			// Worst case is an answer with zero retrieved context.
			s.logger.Printf("retrieval failed, answering without context: %v", err)
		} else {
			results = found
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt()},
		{Role: llm.RoleUser, Content: formatUserPrompt(question, buildContextPrompt(results))},
	}

	generated, err := s.llm.Generate(ctx, messages, llm.Options{MaxOutputTokens: 1024})
	if err != nil {
		return Response{}, fmt.Errorf("llm generate: %w", err)
	}
	answer := strings.TrimSpace(generated.Text)

	s.trackUsage(ctx, req.TenantID, generated.Usage)

	if s.cache != nil {
		s.cache.StoreResponse(ctx, req.TenantID, question, answer, topDenseScore(results))
	}

	return Response{Answer: answer, Results: results}, nil
}

func (s *Service) trackUsage(ctx context.Context, tenantID string, u llm.Usage) {
	if s.tracker == nil {
		return
	}
	rec := usage.Record{
		TenantID:      tenantID,
		FeatureType:   usage.FeatureAnswerGeneration,
		ModelProvider: s.provider,
		ModelID:       s.model,
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
	}
	if err := s.tracker.Track(ctx, rec); err != nil {
		s.logger.Printf("usage tracking error: %v", err)
	}
}

// topDenseScore returns the highest raw dense similarity among the fused
// results; it gates cache writes.
func topDenseScore(results []retrieval.Result) float64 {
	top := 0.0
	for _, r := range results {
		if r.DenseScore > top {
			top = r.DenseScore
		}
	}
	return top
}

func buildContextPrompt(results []retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	for idx, r := range results {
		sb.WriteString(fmt.Sprintf("Passage %d (document %s):\n", idx+1, r.DocumentID))
		sb.WriteString(strings.TrimSpace(r.Content))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func systemPrompt() string {
	return "You are a support assistant for a tenant knowledge base. Answer using the supplied passages, citing Passage numbers in brackets (e.g., [Passage 1]) when you draw from them. If no passage is relevant, say so and answer from general knowledge, noting the uncertainty."
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	if strings.TrimSpace(context) != "" {
		sb.WriteString("\n\nPassages (may be incomplete):\n")
		sb.WriteString(context)
	}
	sb.WriteString("\nAnswer concisely. Begin with the direct answer.")
	return sb.String()
}
