package order

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Sweeper periodically cancels card orders whose payment result never came.
type Sweeper struct {
	svc      *Service
	timeout  time.Duration
	interval time.Duration
	batch    int
	logger   *zap.Logger
	expired  metric.Int64Counter
}

func NewSweeper(svc *Service, timeout, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	expired, err := otel.Meter("fooddelivery/internal/orders/order").Int64Counter("orders.payment_timeouts",
		metric.WithDescription("Card orders cancelled after waiting too long for a payment result"))
	if err != nil {
		logger.Warn("create payment timeout counter", zap.Error(err))
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		svc:      svc,
		timeout:  timeout,
		interval: interval,
		batch:    batch,
		logger:   logger,
		expired:  expired,
	}
}

// Run sweeps until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		if _, err := sw.Sweep(ctx); err != nil {
			sw.logger.Error("payment timeout sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass, draining full batches.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := sw.svc.now().Add(-sw.timeout)
	total := 0
	for {
		n, err := sw.svc.ExpirePending(ctx, cutoff, sw.batch)
		total += n
		if sw.expired != nil && n > 0 {
			sw.expired.Add(ctx, int64(n))
		}
		if err != nil || n < sw.batch || ctx.Err() != nil {
			return total, err
		}
	}
}
