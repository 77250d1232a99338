package alerts

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/weekly-trader/internal/workers"
	"go.uber.org/zap"
)

// Async hands alerts to a worker pool so a slow sink never blocks the
// caller. Send only fails when the pool refuses the alert.
type Async struct {
	sink   Sink
	pool   *workers.Pool
	logger *zap.Logger
}

// NewAsync starts a pool delivering to sink.
func NewAsync(logger *zap.Logger, sink Sink, cfg workers.PoolConfig) *Async {
	pool := workers.NewPool(logger, cfg)
	pool.Start()
	return &Async{sink: sink, pool: pool, logger: logger.Named("alerts")}
}

func (a *Async) Send(_ context.Context, alert Alert) error {
	err := a.pool.Submit(func(ctx context.Context) error {
		return a.sink.Send(ctx, alert)
	})
	if err != nil {
		return fmt.Errorf("queue alert %q: %w", alert.Subject, err)
	}
	return nil
}

// Stats returns the delivery pool counters.
func (a *Async) Stats() workers.PoolStats {
	return a.pool.Stats()
}

// Close waits for queued alerts to be delivered.
func (a *Async) Close() error {
	err := a.pool.Stop()
	st := a.pool.Stats()
	a.logger.Info("Alert delivery stopped",
		zap.Int64("delivered", st.Completed),
		zap.Int64("failed", st.Failed),
		zap.Int64("rejected", st.Rejected))
	return err
}
