package usage

import (
	"context"
	"log"
)

// LogTracker writes usage records to the process log. Deployments that bill
// per token replace it with the metering service client.
type LogTracker struct {
	logger *log.Logger
}

func NewLogTracker(logger *log.Logger) *LogTracker {
	if logger == nil {
		logger = log.Default()
	}
	return &LogTracker{logger: logger}
}

func (t *LogTracker) Track(_ context.Context, rec Record) error {
	t.logger.Printf("usage tenant=%s feature=%s model=%s/%s in=%d out=%d",
		rec.TenantID, rec.FeatureType, rec.ModelProvider, rec.ModelID, rec.InputTokens, rec.OutputTokens)
	return nil
}

var _ Tracker = (*LogTracker)(nil)
