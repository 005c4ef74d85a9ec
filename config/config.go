package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	PostgresDSN string
	RedisAddr   string
	RedisPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingsConfig
	LLM        LLMConfig
	Chunking   ChunkingConfig
	Cache      CacheConfig
}

type EmbeddingsConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type LLMConfig struct {
	Provider string
	Model    string
}

// ChunkingConfig is passed explicitly into every chunking run; the pipeline
// never reads process-wide flags mid-call.
type ChunkingConfig struct {
	SemanticEnabled bool
	MaxChunkSize    int
	MinChunkSize    int
	Overlap         int
	BatchSize       int
	BatchDelay      time.Duration
	MaxEmbedTokens  int
}

type CacheConfig struct {
	TTL                 time.Duration
	SimilarityThreshold float64
	MinDenseScore       float64
}

func Load() Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	return Config{
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/hatchdocs?sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		RedisPass:   getEnv("REDIS_PASSWORD", ""),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Embeddings: EmbeddingsConfig{
			Provider:  getEnv("EMBEDDINGS_PROVIDER", ProviderOllama),
			Model:     getEnv("EMBEDDINGS_MODEL", "nomic-embed-text"),
			Dimension: getEnvInt("EMBEDDINGS_DIMENSION", 768),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOllama),
			Model:    getEnv("LLM_MODEL", "llama3.1"),
		},
		Chunking: ChunkingConfig{
			SemanticEnabled: getEnvBool("SEMANTIC_CHUNKING_ENABLED", true),
			MaxChunkSize:    getEnvInt("CHUNK_MAX_SIZE", 2000),
			MinChunkSize:    getEnvInt("CHUNK_MIN_SIZE", 100),
			Overlap:         getEnvInt("CHUNK_OVERLAP", 200),
			BatchSize:       getEnvInt("CHUNK_BATCH_SIZE", 5),
			BatchDelay:      getEnvDuration("CHUNK_BATCH_DELAY", 100*time.Millisecond),
			MaxEmbedTokens:  getEnvInt("EMBED_MAX_TOKENS", 8000),
		},
		Cache: CacheConfig{
			TTL:                 getEnvDuration("CACHE_TTL", 24*time.Hour),
			SimilarityThreshold: getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0.92),
			MinDenseScore:       getEnvFloat("CACHE_MIN_DENSE_SCORE", 0.7),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
