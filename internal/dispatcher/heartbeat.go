package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"millrace/internal/faults"
	"millrace/internal/logging"
	"millrace/internal/pipeline"
)

// HeartbeatLoop extends job leases while a stage runs.
type HeartbeatLoop struct {
	store    *pipeline.Store
	logger   *slog.Logger
	interval time.Duration
	leaseTTL time.Duration
}

// NewHeartbeatLoop constructs the lease keeper.
func NewHeartbeatLoop(store *pipeline.Store, logger *slog.Logger, interval, leaseTTL time.Duration) *HeartbeatLoop {
	return &HeartbeatLoop{
		store:    store,
		logger:   logging.NewComponentLogger(logger, "heartbeat"),
		interval: interval,
		leaseTTL: leaseTTL,
	}
}

// Start begins heartbeating a job until the returned stop function is
// called or the context ends. A lost lease invokes onLost so the stage can
// abort instead of writing results it no longer owns.
func (h *HeartbeatLoop) Start(ctx context.Context, jobID int64, workerID string, onLost context.CancelFunc) func() {
	if h == nil || h.interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		logger := logging.WithContext(ctx, h.logger)

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				err := h.store.Heartbeat(ctx, jobID, workerID, h.leaseTTL)
				if err == nil {
					continue
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				if errors.Is(err, faults.ErrLeaseLost) {
					logger.Warn("lease lost, cancelling stage",
						logging.Int64(logging.FieldJobID, jobID),
						logging.String(logging.FieldWorkerID, workerID))
					if onLost != nil {
						onLost()
					}
					return
				}
				logger.Warn("heartbeat failed", logging.Error(err))
			}
		}
	}()
	return stop
}
