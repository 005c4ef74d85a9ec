package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store loads per-chatbot experiment configuration. A nil config means no
// experiment is defined.
type Store interface {
	GetByChatbot(ctx context.Context, chatbotID string) (*Config, error)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetByChatbot(ctx context.Context, chatbotID string) (*Config, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}

	var (
		strategy string
		cfg      Config
		startsAt *time.Time
		endsAt   *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT strategy, ab_test_enabled, semantic_traffic_percent, starts_at, ends_at
		FROM chunking_experiments
		WHERE chatbot_id = $1
	`, chatbotID).Scan(&strategy, &cfg.ABTestEnabled, &cfg.SemanticTrafficPercent, &startsAt, &endsAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query experiment config: %w", err)
	}

	// Malformed rows resolve to safe values instead of failing the run.
	cfg.Strategy = ParseStrategy(strategy)
	cfg.SemanticTrafficPercent = clampPercent(cfg.SemanticTrafficPercent)
	cfg.StartsAt = startsAt
	cfg.EndsAt = endsAt
	return &cfg, nil
}

var _ Store = (*PostgresStore)(nil)
