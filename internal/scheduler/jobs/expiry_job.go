package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"panda-hub/internal/metrics"
	"panda-hub/internal/service"
)

// ExpiryJob drives the periodic status sweep. A failed run is logged
// and simply retried on the next tick.
type ExpiryJob struct {
	ledger *service.LedgerService
	logger *zap.Logger
}

func NewExpiryJob(ledger *service.LedgerService, logger *zap.Logger) *ExpiryJob {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ExpiryJob{
		ledger: ledger,
		logger: logger,
	}
}

func (j *ExpiryJob) SweepStatuses() {
	if j == nil || j.ledger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	transitions, err := j.ledger.SweepStatuses(ctx)
	metrics.ObserveSweepDuration(time.Since(start))

	if err != nil {
		j.logger.Warn("status sweep failed", zap.Error(err))
		return
	}
	if transitions > 0 {
		j.logger.Info("status sweep completed",
			zap.Int("transitions", transitions),
			zap.Duration("cost", time.Since(start)),
		)
	}
}
