package pipeline

import (
	"context"
	"time"

	"greendelivery/ingestion/internal/domain"
)

const (
	stateBatchSize     = 100
	stateFlushInterval = 50 * time.Millisecond
)

// runStateWriter drains the live-state channel and pushes readings to the
// state publisher in small batches. This keeps redis round-trips off the
// shard workers' critical path.
func (c *Coordinator) runStateWriter(ctx context.Context) {
	batch := make([]*domain.TelemetryReading, 0, stateBatchSize)
	ticker := time.NewTicker(stateFlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		for _, r := range batch {
			if err := c.state.UpdateParcelState(ctx, r); err != nil {
				c.log.Warn("parcel state update failed", "parcel_id", r.ParcelID, "err", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-c.stateCh:
			batch = append(batch, r)
			if len(batch) >= stateBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush(ctx)
			}
		case <-ctx.Done():
			// Drain whatever is queued, best effort, then stop. The run
			// context is gone, so the final flush gets its own deadline.
			for {
				select {
				case r := <-c.stateCh:
					batch = append(batch, r)
				default:
					drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					flush(drainCtx)
					cancel()
					return
				}
			}
		}
	}
}
