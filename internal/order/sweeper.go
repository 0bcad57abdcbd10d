package order

import (
	"context"
	"time"

	"fulfillmentservice/internal/platform/observability"

	"go.uber.org/zap"
)

// OutcomeSink receives outcomes produced outside of a request, such as
// expired payments.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, out *Outcome) error
}

// Sweeper periodically fails orders whose payment deadline has passed.
type Sweeper struct {
	engine   *Engine
	sink     OutcomeSink
	interval time.Duration
	logger   observability.Logger
}

// NewSweeper creates a Sweeper that runs every interval and hands expired
// orders to sink.
func NewSweeper(engine *Engine, sink OutcomeSink, interval time.Duration, logger observability.Logger) *Sweeper {
	return &Sweeper{engine: engine, sink: sink, interval: interval, logger: logger}
}

// Start blocks until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Payment deadline sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Payment deadline sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	outcomes, err := s.engine.ExpireOverdue(ctx, s.engine.now())
	if err != nil {
		s.logger.Error("❌ Expiring overdue orders failed", zap.Error(err))
	}

	for _, out := range outcomes {
		if err := s.sink.PublishOutcome(ctx, out); err != nil {
			s.logger.Error("❌ Failed to publish expiry outcome",
				zap.String("order_key", out.Key.String()),
				zap.Error(err),
			)
		}
	}
	if len(outcomes) > 0 {
		s.logger.Info("⏰ Expired overdue orders", zap.Int("count", len(outcomes)))
	}
	return len(outcomes)
}
