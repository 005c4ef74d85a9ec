package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hatchdocs/rag/cache"
	"github.com/hatchdocs/rag/chat"
	"github.com/hatchdocs/rag/chunking"
	"github.com/hatchdocs/rag/config"
	"github.com/hatchdocs/rag/database"
	"github.com/hatchdocs/rag/embeddings"
	"github.com/hatchdocs/rag/experiment"
	"github.com/hatchdocs/rag/ingestion"
	"github.com/hatchdocs/rag/llm"
	"github.com/hatchdocs/rag/retrieval"
	"github.com/hatchdocs/rag/usage"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "migrate":
		migrateCmd(cfg, logger)
	case "chunk":
		chunkCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "invalidate-cache":
		invalidateCacheCmd(cfg, logger, os.Args[2:])
	case "sweep-cache":
		sweepCacheCmd(cfg, logger)
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func migrateCmd(cfg config.Config, logger *log.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}
	logger.Println("schema up to date")
}

func chunkCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("chunk", flag.ExitOnError)
	tenantID := flags.String("tenant", "", "tenant id")
	datasetID := flags.String("dataset", "", "dataset id")
	documentID := flags.String("document", "", "document id")
	chatbotID := flags.String("chatbot", "", "chatbot id for experiment lookup")
	file := flags.String("file", "", "path to the extracted document text")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse chunk flags: %v", err)
	}
	if *tenantID == "" || *documentID == "" || *file == "" {
		logger.Fatal("chunk requires --tenant, --document, and --file")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatalf("read document: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}
	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	tracker := usage.NewLogTracker(logger)
	chunker := chunking.NewSemanticChunker(llmClient, tracker, logger, cfg.Chunking, cfg.LLM.Provider, cfg.LLM.Model)
	pooler := chunking.NewLatePooler(embedder, logger, cfg.Chunking.MaxEmbedTokens)
	selector := experiment.NewSelector(cfg.Chunking.SemanticEnabled)

	svc := ingestion.NewService(
		chunker,
		pooler,
		embedder,
		selector,
		experiment.NewPostgresStore(pool),
		ingestion.NewPostgresChunkStore(pool),
		ingestion.NewPostgresRunStore(pool),
		logger,
		cfg.Chunking,
	)

	count, err := svc.ChunkDocument(ctx, ingestion.DocumentInput{
		TenantID:   *tenantID,
		DatasetID:  *datasetID,
		DocumentID: *documentID,
		ChatbotID:  *chatbotID,
		Content:    string(data),
	})
	if err != nil {
		logger.Fatalf("chunking failed: %v", err)
	}
	logger.Printf("done: %d chunks pending review", count)
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	tenantID := flags.String("tenant", "", "tenant id")
	question := flags.String("question", "", "question to answer")
	datasets := flags.String("datasets", "", "comma-separated dataset ids to scope retrieval (default: all)")
	limit := flags.Int("limit", 5, "number of passages to retrieve")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}
	if *tenantID == "" || *question == "" {
		logger.Fatal("ask requires --tenant and --question")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()
	redisClient := mustRedis(ctx, cfg, logger)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}
	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	cacheSvc := newCacheService(pool, redisClient, embedder, logger, cfg)
	engine := retrieval.NewEngine(retrieval.NewPostgresSearchStore(pool), embedder, logger)
	svc := chat.NewService(cacheSvc, engine, llmClient, usage.NewLogTracker(logger), logger, cfg.LLM.Provider, cfg.LLM.Model)

	resp, err := svc.Answer(ctx, chat.Request{
		TenantID:   *tenantID,
		DatasetIDs: splitIDList(*datasets),
		Question:   *question,
		Limit:      *limit,
	})
	if err != nil {
		logger.Fatalf("answer failed: %v", err)
	}

	fmt.Println(resp.Answer)
	if resp.FromCache {
		fmt.Printf("\n(cached, similarity %.4f)\n", resp.CacheSimilarity)
		return
	}
	if len(resp.Results) > 0 {
		fmt.Println("\nPassages:")
		for idx, r := range resp.Results {
			fmt.Printf("%d. chunk %s (doc %s, %s, score %.4f)\n", idx+1, r.ChunkID, r.DocumentID, r.Source, r.Score)
		}
	}
}

func invalidateCacheCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("invalidate-cache", flag.ExitOnError)
	tenantID := flags.String("tenant", "", "tenant id")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse invalidate-cache flags: %v", err)
	}
	if *tenantID == "" {
		logger.Fatal("invalidate-cache requires --tenant")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()
	redisClient := mustRedis(ctx, cfg, logger)

	svc := newCacheService(pool, redisClient, nil, logger, cfg)
	deleted := svc.InvalidateTenant(ctx, *tenantID)
	logger.Printf("invalidated %d cached responses for tenant %s", deleted, *tenantID)
}

func sweepCacheCmd(cfg config.Config, logger *log.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	svc := newCacheService(pool, nil, nil, logger, cfg)
	deleted := svc.SweepExpired(ctx)
	logger.Printf("swept %d expired cache entries", deleted)
}

func mustPool(ctx context.Context, cfg config.Config, logger *log.Logger) *pgxpool.Pool {
	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	return pool
}

func mustRedis(ctx context.Context, cfg config.Config, logger *log.Logger) *redis.Client {
	client, err := database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPass)
	if err != nil {
		logger.Fatalf("redis connection: %v", err)
	}
	return client
}

func newCacheService(pool *pgxpool.Pool, redisClient *redis.Client, embedder embeddings.Embedder, logger *log.Logger, cfg config.Config) *cache.Service {
	var layer *cache.RedisLayer
	if redisClient != nil {
		layer = cache.NewRedisLayer(redisClient, cfg.Cache.TTL)
	}
	return cache.NewService(cache.NewPostgresStore(pool), layer, embedder, logger, cache.ServiceOptions{
		TTL:                 cfg.Cache.TTL,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		MinDenseScore:       cfg.Cache.MinDenseScore,
	})
}

func splitIDList(value string) []string {
	parts := strings.Split(value, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func printUsage() {
	fmt.Println("Usage: rag <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  migrate           Create or update the database schema")
	fmt.Println("  chunk             Run the chunking pipeline for one document")
	fmt.Println("  ask               Answer a question against the tenant knowledge base")
	fmt.Println("  invalidate-cache  Drop all cached responses for a tenant")
	fmt.Println("  sweep-cache       Delete expired cached responses")
}
