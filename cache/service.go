package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"github.com/hatchdocs/rag/embeddings"
)

const (
	defaultTTL                 = 24 * time.Hour
	defaultSimilarityThreshold = 0.92
	defaultMinDenseScore       = 0.7
	similarCandidateLimit      = 5
)

// Hit is a successful cache lookup. Similarity is 1 for exact matches.
type Hit struct {
	Response   string
	Exact      bool
	Similarity float64
}

// Service layers query normalization, exact hashing, and embedding
// similarity over the stores. Every method degrades to a miss or a no-op on
// error; nothing here can break the answer path.
type Service struct {
	store    Store
	redis    *RedisLayer
	embedder embeddings.Embedder
	logger   *log.Logger

	ttl                 time.Duration
	similarityThreshold float64
	minDenseScore       float64
}

type ServiceOptions struct {
	TTL                 time.Duration
	SimilarityThreshold float64
	MinDenseScore       float64
}

func NewService(store Store, redisLayer *RedisLayer, embedder embeddings.Embedder, logger *log.Logger, opts ServiceOptions) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = defaultSimilarityThreshold
	}
	if opts.MinDenseScore <= 0 {
		opts.MinDenseScore = defaultMinDenseScore
	}

	return &Service{
		store:               store,
		redis:               redisLayer,
		embedder:            embedder,
		logger:              logger,
		ttl:                 opts.TTL,
		similarityThreshold: opts.SimilarityThreshold,
		minDenseScore:       opts.MinDenseScore,
	}
}

// NormalizeQuery lowercases, trims, and collapses whitespace so that
// equivalent phrasings hash identically.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(query))), " ")
}

// HashQuery returns the SHA-256 hex digest of the normalized query.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}

// Lookup checks the exact-hash path first, then falls back to embedding
// similarity over the tenant's unexpired entries. It never returns an error:
// any failure is logged and reported as a miss.
func (s *Service) Lookup(ctx context.Context, tenantID, query string) (*Hit, bool) {
	hash := HashQuery(query)

	if s.redis != nil {
		response, found, err := s.redis.Get(ctx, tenantID, hash)
		if err != nil {
			s.logger.Printf("cache redis lookup error: %v", err)
		} else if found {
			if touchErr := s.store.Touch(ctx, tenantID, hash); touchErr != nil {
				s.logger.Printf("cache touch error: %v", touchErr)
			}
			return &Hit{Response: response, Exact: true, Similarity: 1}, true
		}
	}

	entry, err := s.store.GetExact(ctx, tenantID, hash)
	if err != nil {
		s.logger.Printf("cache exact lookup error: %v", err)
	} else if entry != nil {
		return &Hit{Response: entry.Response, Exact: true, Similarity: 1}, true
	}

	return s.lookupSimilar(ctx, tenantID, query)
}

func (s *Service) lookupSimilar(ctx context.Context, tenantID, query string) (*Hit, bool) {
	if s.embedder == nil {
		return nil, false
	}

	vector, err := embeddings.EmbedOne(ctx, s.embedder, NormalizeQuery(query))
	if err != nil {
		s.logger.Printf("cache query embedding error: %v", err)
		return nil, false
	}

	candidates, err := s.store.FindSimilar(ctx, tenantID, vector, similarCandidateLimit)
	if err != nil {
		s.logger.Printf("cache similarity lookup error: %v", err)
		return nil, false
	}

	// Threshold is inclusive: exactly 0.92 is a hit.
	for _, candidate := range candidates {
		if candidate.Similarity >= s.similarityThreshold {
			return &Hit{Response: candidate.Response, Similarity: candidate.Similarity}, true
		}
	}
	return nil, false
}

// StoreResponse caches a freshly generated answer when the retrieval step
// was confident enough (top dense similarity above the gate). Errors are
// swallowed after logging.
func (s *Service) StoreResponse(ctx context.Context, tenantID, query, response string, topDenseScore float64) {
	if topDenseScore <= s.minDenseScore {
		return
	}
	if strings.TrimSpace(response) == "" {
		return
	}
	// Services wired without an embedder (cache maintenance commands) can
	// still be reached by an answer path; writing is best-effort like
	// everything else here.
	if s.embedder == nil {
		return
	}

	normalized := NormalizeQuery(query)
	hash := HashQuery(query)

	vector, err := embeddings.EmbedOne(ctx, s.embedder, normalized)
	if err != nil {
		s.logger.Printf("cache write embedding error: %v", err)
		return
	}

	entry := Entry{
		TenantID:  tenantID,
		QueryHash: hash,
		Embedding: vector,
		Response:  response,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		s.logger.Printf("cache write error: %v", err)
		return
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, tenantID, hash, response); err != nil {
			s.logger.Printf("cache redis write error: %v", err)
		}
	}
}

// SweepExpired deletes expired rows; run it periodically.
func (s *Service) SweepExpired(ctx context.Context) int64 {
	deleted, err := s.store.DeleteExpired(ctx)
	if err != nil {
		s.logger.Printf("cache sweep error: %v", err)
		return 0
	}
	return deleted
}

// InvalidateTenant drops every entry for the tenant, e.g. after its corpus
// changes.
func (s *Service) InvalidateTenant(ctx context.Context, tenantID string) int64 {
	deleted, err := s.store.DeleteTenant(ctx, tenantID)
	if err != nil {
		s.logger.Printf("cache invalidation error: %v", err)
		return 0
	}
	if s.redis != nil {
		if err := s.redis.InvalidateTenant(ctx, tenantID); err != nil {
			s.logger.Printf("cache redis invalidation error: %v", err)
		}
	}
	return deleted
}
