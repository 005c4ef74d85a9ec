// Package usage reports model token consumption to an external cost tracker.
// Tracking is fire-and-forget: the caller decides whether to wait.
package usage

import "context"

type Record struct {
	TenantID      string
	FeatureType   string
	ModelProvider string
	ModelID       string
	InputTokens   int
	OutputTokens  int
	Metadata      map[string]any
}

type Tracker interface {
	Track(ctx context.Context, rec Record) error
}

const (
	FeatureSemanticChunking = "semantic_chunking"
	FeatureAnswerGeneration = "answer_generation"
)
